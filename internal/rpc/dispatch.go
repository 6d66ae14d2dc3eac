// Package rpc carries the six tunnel operations over HTTP, h2c, websocket
// and yamux. Every transport decodes a call into the same Dispatch.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/metrics"
	"tunnelrpc/internal/protocol"
)

var (
	ErrUnknownOperation = errors.New(constants.MsgUnknownOperation)
	ErrBadRequest       = errors.New(constants.MsgInvalidJSON)
)

// RemoteError is a call the server could not dispatch.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Op, e.Message)
}

type outcome interface {
	Succeeded() bool
}

func call[Req any, Resp outcome](ctx context.Context, payload []byte, fn func(context.Context, *Req) (Resp, error)) (any, error) {
	req := new(Req)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	return fn(ctx, req)
}

// Dispatch decodes payload for op and invokes it on t.
func Dispatch(ctx context.Context, t protocol.Tunnel, op string, payload []byte) (resp any, err error) {
	start := time.Now()
	label := op
	defer func() {
		ok := false
		if o, isOutcome := resp.(outcome); isOutcome && err == nil {
			ok = o.Succeeded()
		}
		metrics.CallsTotal.WithLabelValues(label, strconv.FormatBool(ok)).Inc()
		metrics.CallDurationSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	switch op {
	case protocol.OpAuthenticate:
		return call(ctx, payload, t.Authenticate)
	case protocol.OpVersion:
		return call(ctx, payload, func(ctx context.Context, _ *struct{}) (*protocol.Response, error) {
			return t.Version(ctx)
		})
	case protocol.OpConnect:
		return call(ctx, payload, t.Connect)
	case protocol.OpDisconnect:
		return call(ctx, payload, t.Disconnect)
	case protocol.OpRead:
		return call(ctx, payload, t.Read)
	case protocol.OpWrite:
		return call(ctx, payload, t.Write)
	default:
		label = "unknown"
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// handleEnvelope answers one framed call.
func handleEnvelope(ctx context.Context, t protocol.Tunnel, req protocol.Envelope) protocol.Envelope {
	out := protocol.Envelope{ID: req.ID}
	resp, err := Dispatch(ctx, t, req.Op, req.Payload)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	data, err := json.Marshal(resp)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Payload = data
	return out
}

func decodeEnvelope(op string, env protocol.Envelope, resp any) error {
	if env.Error != "" {
		return &RemoteError{Op: op, Message: env.Error}
	}
	if err := json.Unmarshal(env.Payload, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
