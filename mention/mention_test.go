package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver() *Resolver {
	return New([]Key{
		{Name: "alpha", User: "@alpha:example.org"},
		{Name: "beta", User: "@beta:example.org"},
	})
}

func TestResolveBasic(t *testing.T) {
	r := testResolver()

	matches := r.Resolve("@alpha explain goroutines")
	require.Len(t, matches, 1)
	assert.Equal(t, "alpha", matches[0].Name)
	assert.Equal(t, "explain goroutines", matches[0].Prompt)
}

func TestResolveCaseInsensitive(t *testing.T) {
	r := testResolver()

	matches := r.Resolve("hey @ALPHA, what do you think?")
	require.Len(t, matches, 1)
	assert.Equal(t, "alpha", matches[0].Name)
	assert.Equal(t, "hey what do you think?", matches[0].Prompt)
}

func TestResolveWordBoundary(t *testing.T) {
	r := testResolver()

	// @alphabet must not trigger alpha.
	assert.Nil(t, r.Resolve("the @alphabet is long"))
	// alpha without the @ prefix is plain text.
	assert.Nil(t, r.Resolve("alpha particles are fun"))
	// Embedded in an email-like token.
	assert.Nil(t, r.Resolve("mail me at x@alpha.example"))
}

func TestResolveFullUserID(t *testing.T) {
	r := testResolver()

	matches := r.Resolve("please ask @alpha:example.org about this")
	require.Len(t, matches, 1)
	assert.Equal(t, "alpha", matches[0].Name)
	assert.Equal(t, "please ask about this", matches[0].Prompt)
}

func TestResolveMultiplePersonas(t *testing.T) {
	r := testResolver()

	matches := r.Resolve("@alpha @beta settle this argument")
	require.Len(t, matches, 2)

	names := []string{matches[0].Name, matches[1].Name}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)

	// Both personas receive the same cleaned prompt.
	assert.Equal(t, matches[0].Prompt, matches[1].Prompt)
	assert.Equal(t, "settle this argument", matches[0].Prompt)
}

func TestResolveEmptyAfterStrip(t *testing.T) {
	r := testResolver()

	assert.Nil(t, r.Resolve("@alpha"))
	assert.Nil(t, r.Resolve("@alpha   "))
	assert.Nil(t, r.Resolve("@alpha @beta"))
}

func TestResolveNoMention(t *testing.T) {
	r := testResolver()

	assert.Nil(t, r.Resolve("nothing to see here"))
	assert.Nil(t, r.Resolve(""))
}

func TestResolveMidSentence(t *testing.T) {
	r := testResolver()

	matches := r.Resolve("I think @alpha: should answer")
	require.Len(t, matches, 1)
	assert.Equal(t, "I think should answer", matches[0].Prompt)
}

func TestResolveKeepsNewlines(t *testing.T) {
	r := testResolver()

	matches := r.Resolve("@alpha line one\nline two")
	require.Len(t, matches, 1)
	assert.Equal(t, "line one\nline two", matches[0].Prompt)
}
