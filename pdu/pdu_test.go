package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountOrdering(t *testing.T) {
	b1 := NewBackfilled(100)
	b2 := NewBackfilled(200)
	n1 := NewNormal(1)
	n2 := NewNormal(2)

	assert.True(t, b1.Less(b2))
	assert.True(t, b2.Less(n1), "any Backfilled must sort before any Normal")
	assert.True(t, n1.Less(n2))
	assert.False(t, n2.Less(n1))
	assert.False(t, n1.Less(n1))
}

func TestPackedKeyRoundTrip(t *testing.T) {
	cases := []Count{
		NewNormal(0),
		NewNormal(1),
		NewNormal(1 << 40),
		NewBackfilled(0),
		NewBackfilled(42),
	}
	for _, c := range cases {
		got := ParsePackedKey(c.PackedKey())
		assert.Equal(t, c, got)
	}
}

func TestPackedKeyPreservesOrder(t *testing.T) {
	b := NewBackfilled(5)
	n := NewNormal(0)
	bk := b.PackedKey()
	nk := n.PackedKey()
	assert.True(t, string(bk[:]) < string(nk[:]), "backfilled packed key must sort before normal packed key")
}

func TestErrTooLarge(t *testing.T) {
	err := ErrTooLarge{Size: 70000}
	assert.Contains(t, err.Error(), "70000")
}
