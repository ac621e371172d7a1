package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitespace_Analyze(t *testing.T) {
	toks := Whitespace{}.Analyze("The Quick  Brown")
	require := assert.New(t)
	require.Len(toks, 3)
	require.Equal("the", toks[0].Text)
	require.Equal(0, toks[0].Position)
	require.Equal("quick", toks[1].Text)
	require.Equal("brown", toks[2].Text)
	require.Equal(2, toks[2].Position)
}

func TestWhitespace_EmptyString(t *testing.T) {
	assert.Empty(t, Whitespace{}.Analyze(""))
	assert.Empty(t, Whitespace{}.Analyze("   "))
}
