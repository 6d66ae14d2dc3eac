package protocol

import "context"

type peerKey struct{}

// WithPeer records the caller's address for the duration of one call.
func WithPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, peerKey{}, addr)
}

// PeerFrom returns the address set by WithPeer, or "".
func PeerFrom(ctx context.Context) string {
	addr, _ := ctx.Value(peerKey{}).(string)
	return addr
}
