package secretcode

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^[0-9A-F]{16}$`)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := Generate()
		require.NoError(t, err)
		assert.Regexp(t, codePattern, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestGenerateReaderError(t *testing.T) {
	orig := reader
	t.Cleanup(func() { reader = orig })
	reader = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

	_, err := Generate()
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABCD12", Normalize("  abCd12\n"))
}

func TestAssignRetriesOnCollision(t *testing.T) {
	taken := errors.New("taken")
	calls := 0
	err := Assign(taken, func(code string) error {
		calls++
		if calls < 3 {
			return taken
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestAssignGivesUp(t *testing.T) {
	taken := errors.New("taken")
	calls := 0
	err := Assign(taken, func(string) error {
		calls++
		return taken
	})
	assert.ErrorIs(t, err, taken)
	assert.Equal(t, MaxAttempts, calls)
}

func TestAssignStopsOnOtherError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Assign(errors.New("taken"), func(string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
