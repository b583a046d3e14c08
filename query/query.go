// Package query implements the ursa command grammar (spec §6): lexing and
// recursive-descent parsing of select/index/iterator/reindex/compact/
// dataset/config/status/topology/ping commands into a typed AST, plus a
// pretty-printer used for the parse/pretty round trip property.
package query

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/ursa"
)

// Expr is a boolean query expression: a literal term, or a composition of
// subexpressions (spec §4.5's Query tree: PRIMITIVE | AND | OR | MIN_OF).
type Expr interface {
	Pretty() string
	exprNode()
}

// Primitive is one literal term: a plaintext string, wide-plaintext string,
// or hex wildcard pattern, already decomposed into a QString. Src is the
// term's original surface syntax, reused verbatim by Pretty so that
// parse(pretty(parse(s))) == parse(s).
type Primitive struct {
	Value ursa.QString
	Src   string
}

func (p *Primitive) exprNode()      {}
func (p *Primitive) Pretty() string { return p.Src }

// And is the left-associative "&" composition: a file must match every
// child.
type And struct {
	Children []Expr
}

func (a *And) exprNode() {}
func (a *And) Pretty() string {
	return joinChildren(a.Children, " & ")
}

// Or is the left-associative "|" composition: a file must match at least
// one child.
type Or struct {
	Children []Expr
}

func (o *Or) exprNode() {}
func (o *Or) Pretty() string {
	return joinChildren(o.Children, " | ")
}

// MinOf matches files that satisfy at least Count of its children (spec
// §4.5 MIN_OF, backed at evaluation time by ursa.PickCommon).
type MinOf struct {
	Count    int
	Children []Expr
}

func (m *MinOf) exprNode() {}
func (m *MinOf) Pretty() string {
	parts := make([]string, len(m.Children))
	for i, c := range m.Children {
		parts[i] = c.Pretty()
	}
	return fmt.Sprintf("min %d of (%s)", m.Count, strings.Join(parts, ", "))
}

func joinChildren(children []Expr, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		switch c.(type) {
		case *And, *Or:
			parts[i] = "(" + c.Pretty() + ")"
		default:
			parts[i] = c.Pretty()
		}
	}
	return strings.Join(parts, sep)
}

// Command is any of the grammar's top-level statements (spec §6).
type Command interface {
	Pretty() string
	commandNode()
}

// SelectCommand is "select [with taints [...]] [with datasets [...]] [into
// iterator] <expression>".
type SelectCommand struct {
	Taints       []string
	Datasets     []string
	IntoIterator bool
	Expr         Expr
}

func (c *SelectCommand) commandNode() {}
func (c *SelectCommand) Pretty() string {
	var b strings.Builder
	b.WriteString("select")
	if len(c.Taints) > 0 {
		fmt.Fprintf(&b, " with taints [%s]", quoteJoin(c.Taints))
	}
	if len(c.Datasets) > 0 {
		fmt.Fprintf(&b, " with datasets [%s]", quoteJoin(c.Datasets))
	}
	if c.IntoIterator {
		b.WriteString(" into iterator")
	}
	b.WriteByte(' ')
	b.WriteString(c.Expr.Pretty())
	return b.String()
}

// IndexCommand is "index <path>+ | from list <path>" with optional "with
// [types]" and "nocheck".
type IndexCommand struct {
	Paths    []string
	FromList string // set instead of Paths for the "from list" form
	Types    []ursa.IndexType
	NoCheck  bool
}

func (c *IndexCommand) commandNode() {}
func (c *IndexCommand) Pretty() string {
	var b strings.Builder
	b.WriteString("index")
	if c.FromList != "" {
		fmt.Fprintf(&b, " from list %q", c.FromList)
	} else {
		for _, p := range c.Paths {
			fmt.Fprintf(&b, " %q", p)
		}
	}
	if len(c.Types) > 0 {
		b.WriteString(" with [" + joinTypes(c.Types) + "]")
	}
	if c.NoCheck {
		b.WriteString(" nocheck")
	}
	return b.String()
}

// ReindexCommand is "reindex <dataset> with [types]".
type ReindexCommand struct {
	Dataset string
	Types   []ursa.IndexType
}

func (c *ReindexCommand) commandNode() {}
func (c *ReindexCommand) Pretty() string {
	return fmt.Sprintf("reindex %q with [%s]", c.Dataset, joinTypes(c.Types))
}

// IteratorCommand is "iterator <id> pop N".
type IteratorCommand struct {
	ID  string
	Pop int
}

func (c *IteratorCommand) commandNode() {}
func (c *IteratorCommand) Pretty() string {
	return fmt.Sprintf("iterator %q pop %d", c.ID, c.Pop)
}

// CompactMode is "all" or "smart" (spec §4.7).
type CompactMode int

const (
	CompactSmart CompactMode = iota
	CompactAll
)

func (m CompactMode) String() string {
	if m == CompactAll {
		return "all"
	}
	return "smart"
}

// CompactCommand is "compact all|smart".
type CompactCommand struct {
	Mode CompactMode
}

func (c *CompactCommand) commandNode() {}
func (c *CompactCommand) Pretty() string {
	return "compact " + c.Mode.String()
}

// DatasetAction is the mutation a DatasetCommand requests.
type DatasetAction int

const (
	DatasetTaint DatasetAction = iota
	DatasetUntaint
	DatasetDrop
)

// DatasetCommand is "dataset <id> taint <tag>|untaint <tag>|drop".
type DatasetCommand struct {
	Dataset string
	Action  DatasetAction
	Taint   string // set for Taint/Untaint
}

func (c *DatasetCommand) commandNode() {}
func (c *DatasetCommand) Pretty() string {
	switch c.Action {
	case DatasetTaint:
		return fmt.Sprintf("dataset %q taint %q", c.Dataset, c.Taint)
	case DatasetUntaint:
		return fmt.Sprintf("dataset %q untaint %q", c.Dataset, c.Taint)
	default:
		return fmt.Sprintf("dataset %q drop", c.Dataset)
	}
}

// ConfigCommand is "config get [keys...]" or "config set <key> <value>".
type ConfigCommand struct {
	Get      []string
	IsSet    bool
	SetKey   string
	SetValue int64
}

func (c *ConfigCommand) commandNode() {}
func (c *ConfigCommand) Pretty() string {
	if c.IsSet {
		return fmt.Sprintf("config set %q %d", c.SetKey, c.SetValue)
	}
	if len(c.Get) == 0 {
		return "config get"
	}
	return "config get " + quoteJoin(c.Get)
}

// StatusCommand, TopologyCommand, PingCommand carry no fields.
type (
	StatusCommand   struct{}
	TopologyCommand struct{}
	PingCommand     struct{}
)

func (*StatusCommand) commandNode()   {}
func (*StatusCommand) Pretty() string { return "status" }

func (*TopologyCommand) commandNode()   {}
func (*TopologyCommand) Pretty() string { return "topology" }

func (*PingCommand) commandNode()   {}
func (*PingCommand) Pretty() string { return "ping" }

func joinTypes(types []ursa.IndexType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

func quoteJoin(strs []string) string {
	parts := make([]string, len(strs))
	for i, s := range strs {
		parts[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(parts, " ")
}
