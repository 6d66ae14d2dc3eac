package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"math"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func checkPassword(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

// randomToken draws a non-negative int32.
func randomToken() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("failed to generate token: " + err.Error())
	}
	return int32(binary.BigEndian.Uint32(b[:]) & math.MaxInt32)
}

func nextToken(t int32) int32 {
	if t == math.MaxInt32 {
		return 0
	}
	return t + 1
}

// allocate probes from a random start, stepping by one until taken reports a
// free value. Callers hold the lock guarding taken.
func allocate(draw func() int32, taken func(int32) bool) int32 {
	t := draw()
	for taken(t) {
		t = nextToken(t)
	}
	return t
}
