package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo w...", Truncate("héllo wörld, again", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "fix the parser bug", OneLine("  fix the\n\tparser   bug\n"))
	assert.Equal(t, "", OneLine(" \n "))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "Title here", FirstLine("\n\n  Title here  \nbody"))
	assert.Equal(t, "", FirstLine("   "))
}
