// Package secretcode generates the join codes that grant collaborator
// access to a project.
package secretcode

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// Length is the number of characters in a generated code.
const Length = 16

// MaxAttempts bounds retries when a generated code collides with one in use.
const MaxAttempts = 5

var reader = rand.Read

// Generate returns a fresh upper-case hex code.
func Generate() (string, error) {
	b := make([]byte, Length/2)
	if _, err := reader(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// Normalize canonicalizes user input before comparison.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Assign calls try with fresh codes until it succeeds, returns an error
// other than taken, or MaxAttempts is reached.
func Assign(taken error, try func(code string) error) error {
	var err error
	for i := 0; i < MaxAttempts; i++ {
		var code string
		code, err = Generate()
		if err != nil {
			return err
		}
		err = try(code)
		if err == nil || !errors.Is(err, taken) {
			return err
		}
	}
	return err
}
