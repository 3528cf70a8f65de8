// Package base62 provides cryptographically random base62 strings, which are
// suitable for request state and nonce values.
package base62

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Random returns a string of the given length built from uniformly selected
// base62 characters.
func Random(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("length must be at least 1")
	}
	max := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("unable to read random bytes: %w", err)
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}
