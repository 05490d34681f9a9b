package percentencoding_test

import (
	"github.com/cirruslabs/cloudmirror/internal/percentencoding"
	"github.com/stretchr/testify/require"
	"testing"
	"testing/quick"
)

func TestQuickCheck(t *testing.T) {
	f := func(original string) bool {
		transformed, err := transform(original)
		if err != nil {
			panic(err)
		}

		return original == transformed
	}

	require.NoError(t, quick.Check(f, &quick.Config{
		MaxCount: 100_000,
	}))
}

func TestNoAmbiguity(t *testing.T) {
	// An underscore separates the pool id from the encoded URL in
	// compound keys, so the encoder must leave it alone while
	// escaping everything else that could masquerade as one
	require.Equal(t, "a_b", percentencoding.Encode("a_b"))
	require.Equal(t, "https%3a%2f%2fexample%2ecom%2f",
		percentencoding.Encode("https://example.com/"))
}

func transform(s string) (string, error) {
	encoded := percentencoding.Encode(s)

	return percentencoding.Decode(encoded)
}
