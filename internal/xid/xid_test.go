package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsPrefixedAndSortable(t *testing.T) {
	first := New("stl")
	second := New("stl")

	require.True(t, strings.HasPrefix(first, "stl-"))
	assert.Len(t, first, len("stl-")+26)
	assert.NotEqual(t, first, second)
	assert.Less(t, first, second)
}
