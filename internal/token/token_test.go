package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_UniqueAndSortable(t *testing.T) {
	gen := UUIDv7Generator{}

	a := gen.Generate()
	b := gen.Generate()

	require.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	// UUIDv7 embeds a timestamp, so later tokens sort after earlier ones.
	assert.LessOrEqual(t, a, b)
}

func TestFixedGenerator_ReturnsInOrder(t *testing.T) {
	gen := NewFixedGenerator("txn-1", "txn-2")

	assert.Equal(t, "txn-1", gen.Generate())
	assert.Equal(t, "txn-2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestSequenceGenerator_Counts(t *testing.T) {
	gen := NewSequenceGenerator("evt")

	assert.Equal(t, "evt-1", gen.Generate())
	assert.Equal(t, "evt-2", gen.Generate())
}
