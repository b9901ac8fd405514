// Package citation extracts inline <citation> tags from finalized message text.
//
// Tags may span any number of streamed tokens, so extraction only ever runs
// against fully accumulated text.
package citation

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/geistlabs/geistai-sub001/internal/domain"
)

const closeTag = "</citation>"

var (
	// attribute values may contain '>' when quoted
	openTagRe   = regexp.MustCompile(`<citation\b((?:[^>"']|"[^"]*"|'[^']*')*)>`)
	openStartRe = regexp.MustCompile(`<citation\b`)
	truncatedRe = regexp.MustCompile(`<citation\b[^>]*\z`)
	attrRe      = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	markerRe    = regexp.MustCompile(`\[\d+\]`)
)

// Result is the cleaned text and the citations it references.
type Result struct {
	Text      string
	Citations []domain.Citation
}

// Extract strips citation markup from raw and renumbers citations 1..N in
// order of appearance. Each well-formed tag becomes a "[n]" marker; malformed
// or truncated tags are removed without leaving a marker. URLs are kept
// exactly as written since they are the link dedup key.
func Extract(raw string) Result {
	return ExtractFor(raw, "")
}

// ExtractFor is Extract with every citation attributed to agent.
func ExtractFor(raw, agent string) Result {
	if !strings.Contains(raw, "<citation") && !strings.Contains(raw, closeTag) {
		return Result{Text: raw}
	}

	var (
		out       strings.Builder
		citations []domain.Citation
		pos       int
	)
	out.Grow(len(raw))

	for pos < len(raw) {
		loc := openTagRe.FindStringSubmatchIndex(raw[pos:])
		if loc == nil {
			out.WriteString(stripStray(raw[pos:]))
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		attrs := raw[pos+loc[2] : pos+loc[3]]
		out.WriteString(stripStray(raw[pos:start]))

		if trimmed := strings.TrimSpace(attrs); strings.HasSuffix(trimmed, "/") {
			if c, ok := parseAttributes(strings.TrimSuffix(trimmed, "/")); ok {
				c.Number = len(citations) + 1
				c.OriginAgent = agent
				citations = append(citations, c)
				out.WriteString(marker(c.Number))
			}
			pos = end
			continue
		}

		rest := raw[end:]
		closeIdx := strings.Index(rest, closeTag)
		if next := openStartRe.FindStringIndex(rest); closeIdx < 0 || (next != nil && next[0] < closeIdx) {
			// opening tag without its own close: its scope runs to the next tag
			// or the end of the text, and markers in it point at nothing
			scope := rest
			if next != nil {
				scope = rest[:next[0]]
			}
			out.WriteString(stripStray(markerRe.ReplaceAllString(scope, "")))
			pos = end + len(scope)
			continue
		}

		inner := rest[:closeIdx]
		if c, ok := parseAttributes(attrs); ok {
			c.Number = len(citations) + 1
			c.OriginAgent = agent
			citations = append(citations, c)
			out.WriteString(renumber(inner, c.Number))
		} else {
			out.WriteString(markerRe.ReplaceAllString(inner, ""))
		}
		pos = end + closeIdx + len(closeTag)
	}

	return Result{Text: out.String(), Citations: citations}
}

// stripStray removes closing tags without an opening and an opening tag cut
// off at the end of the text.
func stripStray(s string) string {
	s = strings.ReplaceAll(s, closeTag, "")
	return truncatedRe.ReplaceAllString(s, "")
}

// renumber rewrites the first bracket marker of inner to n. Inner text
// without a marker gets one appended.
func renumber(inner string, n int) string {
	loc := markerRe.FindStringIndex(inner)
	if loc == nil {
		return inner + marker(n)
	}
	rest := markerRe.ReplaceAllString(inner[loc[1]:], "")
	return inner[:loc[0]] + marker(n) + rest
}

func marker(n int) string {
	return "[" + strconv.Itoa(n) + "]"
}

func parseAttributes(attrs string) (domain.Citation, bool) {
	values := make(map[string]string, 4)
	for _, m := range attrRe.FindAllStringSubmatch(attrs, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		values[strings.ToLower(m[1])] = html.UnescapeString(v)
	}

	source, okSource := values["source"]
	url, okURL := values["url"]
	snippet, okSnippet := values["snippet"]
	rawConf, okConf := values["confidence"]
	if !okSource || !okURL || !okSnippet || !okConf || strings.TrimSpace(url) == "" {
		return domain.Citation{}, false
	}
	confidence, err := strconv.ParseFloat(strings.TrimSpace(rawConf), 64)
	if err != nil {
		return domain.Citation{}, false
	}
	return domain.Citation{
		Source:     source,
		URL:        url,
		Snippet:    snippet,
		Confidence: confidence,
	}, true
}
