package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New(Escrow)
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+24)
	assert.NotEqual(t, id, New(Escrow))
}

func TestIs(t *testing.T) {
	assert.True(t, Is(Split, New(Split)))
	assert.True(t, Is(Retry, New(Retry)))

	assert.False(t, Is(Escrow, New(Split)), "wrong kind")
	assert.False(t, Is(Escrow, "esc_missing"))
	assert.False(t, Is(Escrow, "esc_"+strings.Repeat("z", 24)))
	assert.False(t, Is(Milestone, "ms_abc"))
	assert.False(t, Is(Escrow, ""))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(16), 32)
}
