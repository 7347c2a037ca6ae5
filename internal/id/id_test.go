package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsRandomUUID(t *testing.T) {
	tok := New()
	parsed, err := uuid.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.NotEqual(t, tok, New())
}

func TestUniqueSkipsTakenTokens(t *testing.T) {
	calls := 0
	tok := Unique(func(string) bool {
		calls++
		return calls < 3
	})
	assert.NotEmpty(t, tok)
	assert.Equal(t, 3, calls)
}

func TestUniqueWithoutSet(t *testing.T) {
	assert.NotEmpty(t, Unique(nil))
}
