package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineTail_KeepsLastLines(t *testing.T) {
	tail := NewLineTail(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		tail.Add(l)
	}

	assert.Equal(t, []string{"c", "d", "e"}, tail.Lines())
	assert.Equal(t, "c\nd\ne", tail.String())
}

func TestLineTail_NotFull(t *testing.T) {
	tail := NewLineTail(5)
	tail.Add("only")

	assert.Equal(t, []string{"only"}, tail.Lines())
}

func TestLineTail_Empty(t *testing.T) {
	assert.Empty(t, NewLineTail(2).Lines())
}
