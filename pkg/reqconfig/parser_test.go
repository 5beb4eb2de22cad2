package reqconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allowAll is the test resolver with every reference present.
type allowAll struct{}

func (allowAll) PatternExists(context.Context, string) (bool, error) { return true, nil }
func (allowAll) IPBlockExists(context.Context, string) (bool, error) { return true, nil }

// denySet refuses the slugs it holds.
type denySet map[string]bool

func (d denySet) PatternExists(_ context.Context, slug string) (bool, error) {
	return !d[slug], nil
}

func (d denySet) IPBlockExists(_ context.Context, slug string) (bool, error) {
	return !d[slug], nil
}

func TestParseSimple(t *testing.T) {
	p := NewParser(allowAll{})
	tokens, err := p.Parse(context.Background(), "pattern@ua/curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"pattern@ua/curl"}, tokens)
}

func TestParseNormalization(t *testing.T) {
	p := NewParser(allowAll{})
	tests := []struct {
		in   string
		want string
	}{
		{
			"ipblock@cloud/gcp AND (pattern@ua/requests OR pattern@ua/curl)",
			"ipblock@cloud/gcp AND ( pattern@ua/requests OR pattern@ua/curl )",
		},
		{
			"  pattern@ua/curl   AND    ipblock@abuse/bots  ",
			"pattern@ua/curl AND ipblock@abuse/bots",
		},
		{
			"pattern@ua/curl AND NOT (ipblock@cloud/aws OR ipblock@cloud/gcp)",
			"pattern@ua/curl AND NOT ( ipblock@cloud/aws OR ipblock@cloud/gcp )",
		},
	}
	for _, tc := range tests {
		got, err := p.Normalize(context.Background(), tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)

		// re-parsing the stored form yields the same token list
		again, err := p.Normalize(context.Background(), got)
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
}

func TestParseTokensKeepStructure(t *testing.T) {
	p := NewParser(allowAll{})
	tokens, err := p.Parse(context.Background(),
		"ipblock@cloud/gcp AND NOT (pattern@ua/requests OR NOT pattern@ua/curl)")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ipblock@cloud/gcp", "AND NOT", "(",
		"pattern@ua/requests", "OR NOT", "pattern@ua/curl", ")",
	}, tokens)
}

func TestParseErrors(t *testing.T) {
	p := NewParser(allowAll{})
	for _, expr := range []string{
		"",
		"AND pattern@ua/curl",
		"pattern@ua/curl AND",
		"pattern@ua/curl OR AND pattern@ua/requests",
		"pattern@ua/curl pattern@ua/requests",
		"(pattern@ua/curl",
		"pattern@ua/curl)",
		"pattern@noseparator",
		"pattern@bad!slug/x",
		"notaprefix@ua/curl",
		"NOT pattern@ua/curl",
	} {
		_, err := p.Parse(context.Background(), expr)
		require.Error(t, err, "expression %q", expr)
		var perr *ParseError
		assert.ErrorAs(t, err, &perr, "expression %q", expr)
	}
}

func TestParseMissingReference(t *testing.T) {
	p := NewParser(denySet{"ua/ghost": true})
	_, err := p.Parse(context.Background(), "pattern@ua/curl AND pattern@ua/ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ua/ghost")

	_, err = p.Parse(context.Background(), "ipblock@abuse/ghost OR pattern@ua/curl")
	require.NoError(t, err)
}

func TestParseDeepNesting(t *testing.T) {
	p := NewParser(allowAll{})
	expr := strings.Repeat("( ", 40) + "pattern@a/b" + strings.Repeat(" )", 40)
	_, err := p.Parse(context.Background(), expr)
	require.Error(t, err)
}
