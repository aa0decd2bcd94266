package subtitle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractVideoID_Shapes(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"dQw4w9WgXcQ": "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":        "dQw4w9WgXcQ",
		"http://youtube.com/watch?v=dQw4w9WgXcQ&t=42":        "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ":                       "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ?si=xyz":                "dQw4w9WgXcQ",
		"https://m.youtube.com/shorts/dQw4w9WgXcQ":           "dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ":          "dQw4w9WgXcQ",
		"https://www.youtube.com/v/dQw4w9WgXcQ":              "dQw4w9WgXcQ",
		"https://www.youtube-nocookie.com/embed/dQw4w9WgXcQ": "dQw4w9WgXcQ",
		"youtube.com/watch?v=dQw4w9WgXcQ":                    "dQw4w9WgXcQ",
	}
	for input, want := range cases {
		got, err := ExtractVideoID(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestExtractVideoID_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"",
		"   ",
		"tooshort",
		"waytoolongtobeavideoid",
		"https://vimeo.com/12345678901",
		"https://www.youtube.com/watch?v=short",
		"https://www.youtube.com/playlist?list=PLx",
		"invalid id!",
	} {
		_, err := ExtractVideoID(input)
		require.Error(t, err, "input %q", input)
		require.Equal(t, KindInvalidInput, KindOf(err), "input %q", input)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "en", NormalizeLanguage(""))
	require.Equal(t, "en", NormalizeLanguage("  EN  "))
	require.Equal(t, "pt-br", NormalizeLanguage("PT-BR"))
	require.Equal(t, "zh-Hans", NormalizeLanguage("ZH-hans"))
	require.Equal(t, "zh-Hant", NormalizeLanguage("zh-HANT"))
}

func TestCanonicalise_Determinism(t *testing.T) {
	t.Parallel()

	a, err := Canonicalise("https://youtu.be/dQw4w9WgXcQ", "EN", true)
	require.NoError(t, err)
	b, err := Canonicalise("dQw4w9WgXcQ", "en", true)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, a.Key(), b.Key())
	require.Equal(t, "dQw4w9WgXcQ:en:clean", a.Key())

	raw, err := Canonicalise("dQw4w9WgXcQ", "en", false)
	require.NoError(t, err)
	require.Equal(t, "dQw4w9WgXcQ:en:raw", raw.Key())
	require.NotEqual(t, a.Key(), raw.Key())
}
