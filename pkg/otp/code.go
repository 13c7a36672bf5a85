package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// CodeLength is the number of digits in a code.
const CodeLength = 5

var codeSpace = big.NewInt(100000)

// GenerateCode returns a uniformly random, zero-padded five digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%05d", n.Int64()), nil
}

// Match compares a submitted code with the issued one. The comparison is
// exact and runs in constant time for equal lengths.
func Match(issued, submitted string) bool {
	if issued == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(issued), []byte(submitted)) == 1
}
