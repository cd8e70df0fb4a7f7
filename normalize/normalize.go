package normalize

import (
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
)

// DefaultAlternatePatterns are the version markers that make a track title an
// "alternate version" of its base recording. Each entry is a regexp fragment
// matched case-insensitively on word boundaries; the set is configurable.
var DefaultAlternatePatterns = []string{
	"remix", "remixed", "rmx", "acoustic", "live", "karaoke", "instrumental",
	"edit", "radio edit", "club mix", "demo", "cover", "re-?recorded",
	"unplugged", "extended", "orchestral", "a cappella", "reprise", "session",
}

var nonSingleWords = []string{"intro", "outro", "interlude", "jam", "skit"}

var compilationMarkers = []string{
	"greatest hits", "best of", "the singles", "anthology", "collection",
	"compilation", "essential", "hits",
}

var liveAlbumMarkers = []string{
	"live at", "live in", "live from", "in concert", "(live)", "[live]",
}

// Normalizer owns the compiled title expressions. One instance is shared by
// the whole pipeline; it is safe for concurrent use after construction.
type Normalizer struct {
	suffixExprs   []*regexp2.Regexp
	alternateExpr *regexp2.Regexp
	nonSingleExpr *regexp2.Regexp
	liveParenExpr *regexp2.Regexp
}

// New compiles a Normalizer. alternatePatterns overrides
// DefaultAlternatePatterns when non-empty.
func New(alternatePatterns []string) *Normalizer {
	if len(alternatePatterns) == 0 {
		alternatePatterns = DefaultAlternatePatterns
	}

	suffixPatterns := []string{
		`(?<title>.+?)\s+(?<suffix>\(.+\)|\[.+\]|\{.+\})$`,
		`(?<title>.+?)\s+?[‐‒–—~-]\s+(?<suffix>.+)$`,
	}

	compiled := make([]*regexp2.Regexp, 0, len(suffixPatterns))
	for _, pattern := range suffixPatterns {
		compiled = append(compiled, regexp2.MustCompile(`(?i)`+pattern, 0))
	}

	return &Normalizer{
		suffixExprs:   compiled,
		alternateExpr: regexp2.MustCompile(`(?i)\b(?:`+strings.Join(alternatePatterns, "|")+`)\b`, 0),
		nonSingleExpr: regexp2.MustCompile(`(?i)\b(?:`+strings.Join(nonSingleWords, "|")+`)\b`, 0),
		liveParenExpr: regexp2.MustCompile(`(?i)[(\[][^)\]]*\b(?<kind>live|unplugged)\b[^)\]]*[)\]]`, 0),
	}
}

// Key reduces a name to its matching identity: lowercased, punctuation
// stripped, whitespace collapsed. Used for artist/album/title comparison and
// for cache keys.
func Key(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteRune(' ')
			space = true
		}
	}

	return strings.TrimSpace(b.String())
}

// splitSuffix separates a decorated title into its base and trailing
// qualifier, if any.
func (n *Normalizer) splitSuffix(title string) (base, suffix string, ok bool) {
	for _, expr := range n.suffixExprs {
		match, _ := expr.FindStringMatch(title)
		if match == nil {
			continue
		}
		base = strings.TrimSpace(match.GroupByName("title").String())
		suffix = strings.TrimSpace(match.GroupByName("suffix").String())
		if base != "" && suffix != "" {
			return base, suffix, true
		}
	}
	return title, "", false
}

// BaseTitle strips an alternate-version qualifier from a title, returning the
// canonical recording title and whether anything was stripped.
func (n *Normalizer) BaseTitle(title string) (string, bool) {
	title = strings.TrimSpace(title)
	base, suffix, ok := n.splitSuffix(title)
	if !ok {
		return title, false
	}
	if hit, _ := n.alternateExpr.FindStringMatch(suffix); hit != nil {
		return base, true
	}
	return title, false
}

// IsAlternate reports whether the title is an alternate version (remix,
// acoustic, live and friends) rather than the canonical recording.
func (n *Normalizer) IsAlternate(title string) bool {
	_, suffix, ok := n.splitSuffix(strings.TrimSpace(title))
	if !ok {
		return false
	}
	hit, _ := n.alternateExpr.FindStringMatch(suffix)
	return hit != nil
}

// IsNonSingle reports whether the title names filler material that is never a
// single regardless of provider evidence.
func (n *Normalizer) IsNonSingle(title string) bool {
	hit, _ := n.nonSingleExpr.FindStringMatch(title)
	return hit != nil
}

// LiveMarker returns "live" or "unplugged" when the title carries such a
// qualifier in brackets, e.g. "Layla (Live)".
func (n *Normalizer) LiveMarker(title string) (string, bool) {
	match, _ := n.liveParenExpr.FindStringMatch(title)
	if match == nil {
		return "", false
	}
	return strings.ToLower(match.GroupByName("kind").String()), true
}

// LooksLikeCompilation reports whether an album title reads as a
// hits/compilation release.
func LooksLikeCompilation(albumTitle string) bool {
	t := Key(albumTitle)
	for _, marker := range compilationMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// LooksLikeLiveAlbum reports whether an album title reads as a live release.
func LooksLikeLiveAlbum(albumTitle string) bool {
	t := strings.ToLower(albumTitle)
	for _, marker := range liveAlbumMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// LooksLikeUnplugged reports whether an album title reads as an
// unplugged/acoustic session release.
func LooksLikeUnplugged(albumTitle string) bool {
	t := strings.ToLower(albumTitle)
	return strings.Contains(t, "unplugged") || strings.Contains(t, "acoustic session")
}
