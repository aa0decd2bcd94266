package subtitle

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// recognised hosts, with optional www./m. prefixes stripped first.
var youtubeHosts = map[string]bool{
	"youtube.com":          true,
	"youtu.be":             true,
	"youtube-nocookie.com": true,
}

// Canonicalise derives a Fingerprint from a raw video reference (URL or bare
// 11-char id) and a language tag. The empty language defaults to "en".
func Canonicalise(videoRef, language string, clean bool) (Fingerprint, error) {
	id, err := ExtractVideoID(videoRef)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		VideoID:  id,
		Language: NormalizeLanguage(language),
		Clean:    clean,
	}, nil
}

// ExtractVideoID accepts either a bare 11-character id or a YouTube URL in
// one of the recognised shapes (/watch?v=, /, /shorts/, /embed/, /v/).
func ExtractVideoID(videoRef string) (string, error) {
	ref := strings.TrimSpace(videoRef)
	if ref == "" {
		return "", E(KindInvalidInput, "missing video reference", nil)
	}
	if videoIDPattern.MatchString(ref) {
		return ref, nil
	}

	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", E(KindInvalidInput, "unparseable video reference", err)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	if !youtubeHosts[host] {
		return "", E(KindInvalidInput, "unrecognised host "+host, nil)
	}

	var candidate string
	path := strings.Trim(u.Path, "/")
	switch {
	case host == "youtu.be":
		candidate = firstPathSegment(path)
	case path == "watch":
		candidate = u.Query().Get("v")
	case strings.HasPrefix(path, "shorts/"):
		candidate = firstPathSegment(strings.TrimPrefix(path, "shorts/"))
	case strings.HasPrefix(path, "embed/"):
		candidate = firstPathSegment(strings.TrimPrefix(path, "embed/"))
	case strings.HasPrefix(path, "v/"):
		candidate = firstPathSegment(strings.TrimPrefix(path, "v/"))
	}

	if !videoIDPattern.MatchString(candidate) {
		return "", E(KindInvalidInput, "no 11-character video id in reference", nil)
	}
	return candidate, nil
}

func firstPathSegment(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// NormalizeLanguage trims and lower-cases a BCP-47-ish tag, preserving the
// title case of a 4-letter script subtag (zh-Hans stays zh-Hans).
func NormalizeLanguage(language string) string {
	lang := strings.TrimSpace(language)
	if lang == "" {
		return "en"
	}
	parts := strings.Split(lang, "-")
	for i, p := range parts {
		if i > 0 && len(p) == 4 {
			parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
			continue
		}
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, "-")
}
