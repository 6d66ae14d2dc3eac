package crypto

import "encoding/binary"

// Obfuscate returns data XORed with a keystream derived from the connection
// token. Applying it twice with the same key yields the original bytes.
// It hides payloads from casual inspection only; it is not encryption.
func Obfuscate(data []byte, key int32) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	ObfuscateInPlace(out, key)
	return out
}

// ObfuscateInPlace is Obfuscate without the copy.
func ObfuscateInPlace(data []byte, key int32) {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(key))
	for i := range data {
		// position mixes in so that runs of equal bytes do not repeat with period 4
		data[i] ^= k[i&3] ^ byte(i>>2)
	}
}
