// Package orgdoc parses the outline document format (§6 of the spec) into
// Node records and LaTeX placeholders. It is the single source of truth for
// both: the HTML exporter consumes the same placeholder list the parser
// produces so indices never drift between the two.
package orgdoc

// NodeID is an opaque identifier embedded in a document's ID property.
// Equality and ordering are byte-wise; treat it as opaque outside this
// package.
type NodeID = string

// Link is a directed, typed relation extracted from a node's body text.
type Link struct {
	To          NodeID
	Description string
}

// Node is one heading or file-level block that carries an ID property.
type Node struct {
	ID      NodeID
	Title   string
	File    string
	Level   uint32
	Parent  *NodeID
	OLP     []string
	Tags    []string
	Aliases []string
	Links   []Link
}

// LatexKind distinguishes the three recognized LaTeX fragment forms.
type LatexKind int

const (
	LatexInline LatexKind = iota // \( ... \)
	LatexDisplay                // \[ ... \]
	LatexEnv                    // \begin{...} ... \end{...}
)

// LatexFragment is one LaTeX fragment found in document order; Index is the
// data-latex-index the HTML exporter attaches to its placeholder element.
type LatexFragment struct {
	Index int
	Kind  LatexKind
	Raw   string
}
