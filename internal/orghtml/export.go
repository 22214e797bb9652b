// Package orghtml renders outline document text to HTML as a pure function.
// It is deliberately decoupled from storage and the live index: the same
// text in always yields the same markup out, with no side effects.
package orghtml

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/roamdex/roamdex/internal/orgdoc"
)

var (
	headingRe = regexp.MustCompile(`^(\*+)\s+(.*)$`)
	linkRe    = regexp.MustCompile(`\[\[id:([^\]\[]+)\]\[([^\]\[]*)\]\]`)
)

// LatexPlaceholder is one rendered placeholder element's metadata, returned
// alongside the HTML so a caller (e.g. the httpapi layer) can resolve each
// placeholder to a rendered SVG out-of-band.
type LatexPlaceholder struct {
	Index int
	Kind  orgdoc.LatexKind
	Raw   string
}

// Export renders doc to HTML, returning the markup, the ordered list of
// linked node ids encountered, and the ordered LaTeX placeholder list. The
// placeholder list and its indices are produced by orgdoc.Parse, the same
// function the indexer uses, so export and index never disagree about
// where a fragment is or which one is which.
func Export(doc string) (out string, linkIDs []string, placeholders []LatexPlaceholder) {
	_, latex := orgdoc.Parse("", doc)
	placeholders = make([]LatexPlaceholder, len(latex))
	for i, f := range latex {
		placeholders[i] = LatexPlaceholder{Index: f.Index, Kind: f.Kind, Raw: f.Raw}
	}

	e := &exporter{links: make(map[int]linkToken)}
	withTokens, linkIDs := e.substitute(doc, latex)
	return e.render(withTokens), linkIDs, placeholders
}

type linkToken struct{ id, desc string }

// exporter carries the per-call link-token table between substitute and
// render; a fresh one is built for each Export call, so concurrent Export
// calls never share state.
type exporter struct {
	links map[int]linkToken
}

// substitute replaces each LaTeX fragment's raw text and each explicit
// [[id:...][...]] link with a private-use token, before any HTML escaping
// happens. render() escapes the remaining plain text per line and then
// expands the tokens back into markup, so neither a literal "<" in prose
// nor a literal "[[" in a LaTeX fragment can corrupt the output.
func (e *exporter) substitute(doc string, latex []orgdoc.LatexFragment) (string, []string) {
	result := doc
	for _, f := range latex {
		token := fmt.Sprintf("\x00LATEX:%d\x00", f.Index)
		result = strings.Replace(result, f.Raw, token, 1)
	}

	var linkIDs []string
	n := 0
	result = linkRe.ReplaceAllStringFunc(result, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		id, desc := sub[1], sub[2]
		linkIDs = append(linkIDs, id)
		if desc == "" {
			desc = id
		}
		token := fmt.Sprintf("\x00LINK:%d\x00", n)
		e.links[n] = linkToken{id: id, desc: desc}
		n++
		return token
	})
	return result, linkIDs
}

var (
	latexTokenRe = regexp.MustCompile(`\x00LATEX:(\d+)\x00`)
	linkTokenRe  = regexp.MustCompile(`\x00LINK:(\d+)\x00`)
)

// render walks doc line by line, converting headings to <h1>..<h6> and
// everything else to paragraphs, HTML-escaping plain text and then
// expanding LaTeX/link tokens back into markup.
func (e *exporter) render(doc string) string {
	var b strings.Builder
	for _, line := range strings.Split(doc, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			if level > 6 {
				level = 6
			}
			fmt.Fprintf(&b, "<h%d>%s</h%d>\n", level, e.expandTokens(m[2]), level)
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>\n", e.expandTokens(line))
	}
	return b.String()
}

func (e *exporter) expandTokens(line string) string {
	escaped := html.EscapeString(line)
	escaped = latexTokenRe.ReplaceAllStringFunc(escaped, func(tok string) string {
		m := latexTokenRe.FindStringSubmatch(tok)
		idx, _ := strconv.Atoi(m[1])
		return fmt.Sprintf(`<span class="roamdex-latex" data-latex-index="%d"></span>`, idx)
	})
	escaped = linkTokenRe.ReplaceAllStringFunc(escaped, func(tok string) string {
		m := linkTokenRe.FindStringSubmatch(tok)
		idx, _ := strconv.Atoi(m[1])
		lt := e.links[idx]
		return fmt.Sprintf(`<a href="#%s">%s</a>`, html.EscapeString(lt.id), html.EscapeString(lt.desc))
	})
	return escaped
}
