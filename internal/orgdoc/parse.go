package orgdoc

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	headingRe    = regexp.MustCompile(`^(\*+)\s+(.*)$`)
	tagSuffixRe  = regexp.MustCompile(`\s+(:[A-Za-z0-9_@]+(?::[A-Za-z0-9_@]+)*:)\s*$`)
	linkRe       = regexp.MustCompile(`\[\[id:([^\]\[]+)\]\[([^\]\[]*)\]\]`)
	propLineRe   = regexp.MustCompile(`^:([A-Za-z0-9_]+):\s*(.*)$`)
	titleKwRe    = regexp.MustCompile(`(?i)^#\+title:\s*(.*)$`)
	filetagsKwRe = regexp.MustCompile(`(?i)^#\+filetags:\s*(.*)$`)
	latexHdrRe   = regexp.MustCompile(`(?i)^#\+latex_header:\s*(.*)$`)
)

// frame is one level of the traversal stack: file-level (level 0) or a
// heading. The parser is a stack machine — push on heading-enter, pop on
// heading-leave — per the inheritance design in §9 of the spec.
type frame struct {
	level int
	title string
	tags  []string
	id    NodeID
	hasID bool
}

// parser holds the mutable traversal state for one document.
type parser struct {
	file  string
	stack []frame // open frames, index 0 is always the file-level frame

	nodes     []Node
	nodeByIdx map[NodeID]int // id -> index into nodes, for link/parent wiring

	// bodies accumulates raw body lines keyed by the id-bearing context they
	// belong to, per the link-attachment rule in §4.A.
	bodies map[NodeID]*strings.Builder

	// pendingFileAliases holds file-level ROAM_ALIASES parsed before the
	// file-level node is known to exist; consumed in beginNode.
	pendingFileAliases []string
}

// Parse turns document text into an ordered node list and an ordered LaTeX
// placeholder list. file annotates produced nodes only; it is not read from
// disk here.
func Parse(file, text string) ([]Node, []LatexFragment) {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	p := &parser{
		file:      file,
		nodeByIdx: make(map[NodeID]int),
		bodies:    make(map[NodeID]*strings.Builder),
	}
	p.stack = []frame{{level: 0}}

	lines := strings.Split(text, "\n")
	i := 0

	// File-level preamble: properties block (if the very first line opens
	// one) and keyword lines, until the first heading.
	if i < len(lines) && strings.TrimSpace(lines[i]) == ":PROPERTIES:" {
		props, consumed := readProperties(lines[i:])
		p.applyFileProperties(props)
		i += consumed
	}

	for i < len(lines) {
		line := lines[i]
		if m := headingRe.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			rest := m[2]
			title, tags := splitTagSuffix(rest)
			p.closeTo(level)

			var props map[string]string
			consumed := 1
			if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == ":PROPERTIES:" {
				props, consumed = readProperties(lines[i+1:])
				consumed++ // account for the heading line itself
			}
			p.openHeading(level, title, tags, props)
			i += consumed
			continue
		}

		p.appendBodyLine(line)
		i++
	}
	p.closeTo(0)
	p.finalizeLinks()

	latex := extractLatex(text)
	return p.nodes, latex
}

// closeTo pops frames whose level is >= newLevel, i.e. closes any heading
// that is not an ancestor of a heading/file block at newLevel.
func (p *parser) closeTo(newLevel int) {
	for len(p.stack) > 0 && p.stack[len(p.stack)-1].level >= newLevel && len(p.stack) > 1 {
		p.stack = p.stack[:len(p.stack)-1]
	}
	if newLevel == 0 && len(p.stack) == 1 {
		// also flush the file-level frame's accounting; nothing to do,
		// file frame stays until the whole document is done.
	}
}

func (p *parser) applyFileProperties(props map[string]string) {
	id, hasID := props["ID"]
	p.stack[0].hasID = hasID && id != ""
	p.stack[0].id = id
	if alias, ok := props["ROAM_ALIASES"]; ok {
		p.registerFileLevelAliases(alias)
	}
	if hasID && id != "" {
		p.beginNode(id, "", 0, nil, nil)
	}
}

// registerFileLevelAliases stores aliases before the file node may exist
// yet; applied once the node is created in beginNode via pending state.
func (p *parser) registerFileLevelAliases(raw string) {
	p.pendingFileAliases = splitWhitespace(raw)
}

func splitWhitespace(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func splitTagSuffix(s string) (title string, tags []string) {
	s = strings.TrimRight(s, " \t")
	if m := tagSuffixRe.FindStringSubmatchIndex(s); m != nil {
		tagBlob := s[m[2]:m[3]]
		title = strings.TrimSpace(s[:m[0]])
		for _, t := range strings.Split(tagBlob, ":") {
			if t != "" {
				tags = append(tags, t)
			}
		}
		return title, tags
	}
	return strings.TrimSpace(s), nil
}

// readProperties reads a :PROPERTIES: ... :END: block starting at lines[0]
// and returns the parsed key/value map plus the number of lines consumed.
func readProperties(lines []string) (map[string]string, int) {
	props := make(map[string]string)
	i := 1 // skip the :PROPERTIES: line itself
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == ":END:" {
			i++
			break
		}
		if m := propLineRe.FindStringSubmatch(trimmed); m != nil {
			props[strings.ToUpper(m[1])] = strings.TrimSpace(m[2])
		}
		i++
	}
	return props, i
}

func (p *parser) appendBodyLine(line string) {
	trimmed := strings.TrimSpace(line)
	if m := titleKwRe.FindStringSubmatch(trimmed); m != nil {
		p.stack[0].title = strings.TrimSpace(m[1])
		if idx, ok := p.nodeByIdx[p.stack[0].id]; ok && p.stack[0].hasID {
			p.nodes[idx].Title = p.stack[0].title
		}
		return
	}
	if m := filetagsKwRe.FindStringSubmatch(trimmed); m != nil {
		var tags []string
		for _, t := range strings.Split(m[1], ":") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		p.stack[0].tags = tags
		if idx, ok := p.nodeByIdx[p.stack[0].id]; ok && p.stack[0].hasID {
			p.nodes[idx].Tags = p.inheritedTags()
		}
		return
	}
	if latexHdrRe.MatchString(trimmed) {
		return
	}
	id := p.nearestIDContext()
	if id == "" {
		return
	}
	b, ok := p.bodies[id]
	if !ok {
		b = &strings.Builder{}
		p.bodies[id] = b
	}
	b.WriteString(line)
	b.WriteByte('\n')
}

// nearestIDContext returns the id of the innermost open frame that carries
// an id, or "" if no such frame exists yet.
func (p *parser) nearestIDContext() NodeID {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].hasID {
			return p.stack[i].id
		}
	}
	return ""
}

// olp returns the outline path for the node about to be opened at the given
// heading level: the file title (if present) prepended to the titles of
// every open ancestor heading, regardless of whether those ancestors carry
// an id (a heading without ID still extends descendants' OLP).
func (p *parser) olp() []string {
	var out []string
	if p.stack[0].title != "" {
		out = append(out, p.stack[0].title)
	}
	for i := 1; i < len(p.stack); i++ {
		out = append(out, p.stack[i].title)
	}
	return out
}

func (p *parser) inheritedTags() []string {
	set := make(map[string]struct{})
	for _, f := range p.stack {
		for _, t := range f.tags {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (p *parser) openHeading(level int, title string, tags []string, props map[string]string) {
	id, hasID := props["ID"]
	hasID = hasID && id != ""

	var parent *NodeID
	if pid := p.nearestIDContext(); pid != "" {
		v := pid
		parent = &v
	}

	var olp []string
	if hasID {
		olp = p.olp()
	}

	f := frame{level: level, title: title, tags: tags}
	if hasID {
		f.id = id
		f.hasID = true
	}
	p.stack = append(p.stack, f)

	if hasID {
		p.beginNode(id, title, uint32(level), parent, olp)
		if alias, ok := props["ROAM_ALIASES"]; ok {
			idx := p.nodeByIdx[id]
			p.nodes[idx].Aliases = splitWhitespace(alias)
		}
	}
}

func (p *parser) beginNode(id NodeID, title string, level uint32, parent *NodeID, olp []string) {
	n := Node{
		ID:     id,
		Title:  title,
		File:   p.file,
		Level:  level,
		Parent: parent,
		OLP:    olp,
	}
	if level == 0 {
		n.Tags = p.inheritedTagsAt(0)
		n.Aliases = p.pendingFileAliases
	} else {
		n.Tags = p.inheritedTags()
	}
	p.nodeByIdx[id] = len(p.nodes)
	p.nodes = append(p.nodes, n)

	if parent != nil {
		p.addImplicitLink(*parent, id)
	}
}

func (p *parser) inheritedTagsAt(level int) []string {
	set := make(map[string]struct{})
	for _, t := range p.stack[level].tags {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (p *parser) addImplicitLink(from, to NodeID) {
	idx, ok := p.nodeByIdx[from]
	if !ok {
		return
	}
	for _, l := range p.nodes[idx].Links {
		if l.To == to {
			return
		}
	}
	p.nodes[idx].Links = append(p.nodes[idx].Links, Link{To: to})
}

// finalizeLinks walks the accumulated body buffers and attaches explicit
// [[id:...][...]] links to their owning node, deduplicated against any
// implicit link already recorded for the same (from, to) pair.
func (p *parser) finalizeLinks() {
	for id, b := range p.bodies {
		idx, ok := p.nodeByIdx[id]
		if !ok {
			continue
		}
		for _, m := range linkRe.FindAllStringSubmatch(b.String(), -1) {
			to, desc := m[1], m[2]
			dup := false
			for _, l := range p.nodes[idx].Links {
				if l.To == to {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			p.nodes[idx].Links = append(p.nodes[idx].Links, Link{To: to, Description: desc})
		}
	}
}

// extractLatex scans the raw document text for \(...\), \[...\], and
// \begin{env}...\end{env} fragments, in document order. Go's regexp engine
// (RE2) has no backreferences, so \begin/\end environments are matched with
// a dedicated scanner rather than a single pattern.
func extractLatex(text string) []LatexFragment {
	var spans []latexSpan
	spans = append(spans, scanInlineOrDisplay(text, `\(`, `\)`, LatexInline)...)
	spans = append(spans, scanInlineOrDisplay(text, `\[`, `\]`, LatexDisplay)...)
	spans = append(spans, scanEnvironments(text)...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	frags := make([]LatexFragment, len(spans))
	for i, s := range spans {
		frags[i] = LatexFragment{Index: i, Kind: s.kind, Raw: text[s.start:s.end]}
	}
	return frags
}

type latexSpan struct {
	start, end int
	kind       LatexKind
}

func scanInlineOrDisplay(text, open, close string, kind LatexKind) []latexSpan {
	var out []latexSpan
	pos := 0
	for {
		start := strings.Index(text[pos:], open)
		if start < 0 {
			break
		}
		start += pos
		end := strings.Index(text[start+len(open):], close)
		if end < 0 {
			break
		}
		end = start + len(open) + end + len(close)
		out = append(out, latexSpan{start, end, kind})
		pos = end
	}
	return out
}

var envBeginRe = regexp.MustCompile(`\\begin\{([A-Za-z*]+)\}`)

func scanEnvironments(text string) []latexSpan {
	var out []latexSpan
	pos := 0
	for {
		loc := envBeginRe.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		env := text[pos+loc[2] : pos+loc[3]]
		endTag := "\\end{" + env + "}"
		endIdx := strings.Index(text[pos+loc[1]:], endTag)
		if endIdx < 0 {
			pos = pos + loc[1]
			continue
		}
		end := pos + loc[1] + endIdx + len(endTag)
		out = append(out, latexSpan{start, end, LatexEnv})
		pos = end
	}
	return out
}
