package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sourcegraph/ursa"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString     // "..."
	tokWideString // w"..."
	tokHexString  // {...}
	tokNumber
	tokAmp    // &
	tokPipe   // |
	tokLParen // (
	tokRParen // )
	tokComma  // ,
	tokLBrack // [
	tokRBrack // ]
	tokSemi   // ;
)

type token struct {
	kind tokenKind
	text string // raw source span, for Primitive.Src
	str  string // decoded string for tokString/tokWideString
	hex  string // inner text for tokHexString, e.g. "4D ?? 4D"
	num  int64
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(s string) *lexer { return &lexer{src: []rune(s)} }

func (l *lexer) peekByte() (rune, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos], true
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	r, ok := l.peekByte()
	if !ok {
		return token{kind: tokEOF}, nil
	}

	switch r {
	case '&':
		l.pos++
		return token{kind: tokAmp, text: "&"}, nil
	case '|':
		l.pos++
		return token{kind: tokPipe, text: "|"}, nil
	case '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case '[':
		l.pos++
		return token{kind: tokLBrack, text: "["}, nil
	case ']':
		l.pos++
		return token{kind: tokRBrack, text: "]"}, nil
	case ';':
		l.pos++
		return token{kind: tokSemi, text: ";"}, nil
	case '{':
		return l.lexHexString()
	case '"':
		return l.lexString(start, false)
	}

	if r == 'w' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '"' {
		l.pos++
		return l.lexString(start, true)
	}

	if r >= '0' && r <= '9' {
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
		text := string(l.src[start:l.pos])
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return token{}, fmt.Errorf("ursa/query: bad number %q", text)
		}
		return token{kind: tokNumber, text: text, num: n}, nil
	}

	if isIdentRune(r) {
		for l.pos < len(l.src) && isIdentRune(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: string(l.src[start:l.pos])}, nil
	}

	return token{}, fmt.Errorf("ursa/query: unexpected character %q at offset %d", r, l.pos)
}

// lexString reads a "..." plaintext literal supporting \xHH, \n \t \r \b \f
// \\ \" escapes (spec §6 plaintext grammar). wide marks a w"..." literal;
// start is the offset of the opening quote (or 'w' for wide).
func (l *lexer) lexString(start int, wide bool) (token, error) {
	l.pos++ // consume opening quote
	var decoded strings.Builder
	for {
		r, ok := l.peekByte()
		if !ok {
			return token{}, fmt.Errorf("ursa/query: unterminated string literal")
		}
		if r == '"' {
			l.pos++
			break
		}
		if r == '\\' {
			l.pos++
			esc, ok := l.peekByte()
			if !ok {
				return token{}, fmt.Errorf("ursa/query: unterminated escape sequence")
			}
			switch esc {
			case 'n':
				decoded.WriteByte('\n')
				l.pos++
			case 't':
				decoded.WriteByte('\t')
				l.pos++
			case 'r':
				decoded.WriteByte('\r')
				l.pos++
			case 'b':
				decoded.WriteByte('\b')
				l.pos++
			case 'f':
				decoded.WriteByte('\f')
				l.pos++
			case '\\':
				decoded.WriteByte('\\')
				l.pos++
			case '"':
				decoded.WriteByte('"')
				l.pos++
			case 'x':
				l.pos++
				if l.pos+2 > len(l.src) {
					return token{}, fmt.Errorf("ursa/query: truncated \\x escape")
				}
				hex := string(l.src[l.pos : l.pos+2])
				v, err := strconv.ParseUint(hex, 16, 8)
				if err != nil {
					return token{}, fmt.Errorf("ursa/query: bad \\x escape %q: %w", hex, err)
				}
				decoded.WriteByte(byte(v))
				l.pos += 2
			default:
				return token{}, fmt.Errorf("ursa/query: unknown escape \\%c", esc)
			}
			continue
		}
		decoded.WriteRune(r)
		l.pos++
	}
	kind := tokString
	if wide {
		kind = tokWideString
	}
	return token{kind: kind, text: string(l.src[start:l.pos]), str: decoded.String()}, nil
}

// lexHexString reads a "{ ... }" hex wildcard pattern verbatim; its
// contents are parsed separately by parseHexString so nested "(a|b)"
// alternative groups are available to the caller.
func (l *lexer) lexHexString() (token, error) {
	start := l.pos
	l.pos++ // consume '{'
	depth := 1
	innerStart := l.pos
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case '(':
			depth++
		case ')':
			depth--
		case '}':
			if depth == 1 {
				inner := string(l.src[innerStart:l.pos])
				l.pos++
				return token{kind: tokHexString, text: string(l.src[start:l.pos]), hex: inner}, nil
			}
		}
		l.pos++
	}
	return token{}, fmt.Errorf("ursa/query: unterminated hex string")
}

// parser is a recursive-descent parser over the token stream; it keeps one
// token of lookahead.
type parser struct {
	lex *lexer
	tok token
}

func newParser(s string) (*parser, error) {
	p := &parser{lex: newLexer(s)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expectIdent(word string) error {
	if p.tok.kind != tokIdent || !strings.EqualFold(p.tok.text, word) {
		return fmt.Errorf("ursa/query: expected %q, got %q", word, p.tok.text)
	}
	return p.advance()
}

func (p *parser) atIdent(word string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, word)
}

// Parse parses one full command (spec §6 grammar); the trailing ';' is
// optional.
func Parse(s string) (Command, error) {
	p, err := newParser(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokIdent {
		return nil, fmt.Errorf("ursa/query: expected a command keyword, got %q", p.tok.text)
	}

	var cmd Command
	switch strings.ToLower(p.tok.text) {
	case "select":
		cmd, err = p.parseSelect()
	case "index":
		cmd, err = p.parseIndex()
	case "reindex":
		cmd, err = p.parseReindex()
	case "iterator":
		cmd, err = p.parseIterator()
	case "compact":
		cmd, err = p.parseCompact()
	case "dataset":
		cmd, err = p.parseDataset()
	case "config":
		cmd, err = p.parseConfig()
	case "status":
		err = p.advance()
		cmd = &StatusCommand{}
	case "topology":
		err = p.advance()
		cmd = &TopologyCommand{}
	case "ping":
		err = p.advance()
		cmd = &PingCommand{}
	default:
		return nil, fmt.Errorf("ursa/query: unknown command %q", p.tok.text)
	}
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokSemi {
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("ursa/query: unexpected trailing input %q", p.tok.text)
	}
	return cmd, nil
}

func (p *parser) parseSelect() (Command, error) {
	if err := p.advance(); err != nil { // consume "select"
		return nil, err
	}
	c := &SelectCommand{}
	for p.atIdent("with") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch {
		case p.atIdent("taints"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			strs, err := p.parseStringList()
			if err != nil {
				return nil, err
			}
			c.Taints = strs
		case p.atIdent("datasets"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			strs, err := p.parseStringList()
			if err != nil {
				return nil, err
			}
			c.Datasets = strs
		default:
			return nil, fmt.Errorf("ursa/query: expected \"taints\" or \"datasets\" after \"with\", got %q", p.tok.text)
		}
	}
	if p.atIdent("into") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectIdent("iterator"); err != nil {
			return nil, err
		}
		c.IntoIterator = true
	}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	c.Expr = expr
	return c, nil
}

func (p *parser) parseStringList() ([]string, error) {
	if p.tok.kind != tokLBrack {
		return nil, fmt.Errorf("ursa/query: expected '[', got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var out []string
	for p.tok.kind != tokRBrack {
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("ursa/query: expected a quoted string in list, got %q", p.tok.text)
		}
		out = append(out, p.tok.str)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return out, p.advance()
}

// parseExpression implements `term (("&" | "|") term)*` with "&" binding
// tighter than "|" (spec §6), plus the "min N of (...)" alternative form.
func (p *parser) parseExpression() (Expr, error) {
	if p.atIdent("min") {
		return p.parseMinOf()
	}
	return p.parseOr()
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Expr{first}
	for p.tok.kind == tokPipe {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Or{Children: children}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	children := []Expr{first}
	for p.tok.kind == tokAmp {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &And{Children: children}, nil
}

func (p *parser) parseMinOf() (Expr, error) {
	if err := p.advance(); err != nil { // consume "min"
		return nil, err
	}
	if p.tok.kind != tokNumber {
		return nil, fmt.Errorf("ursa/query: expected a count after \"min\", got %q", p.tok.text)
	}
	count := int(p.tok.num)
	if count < 1 {
		return nil, fmt.Errorf("ursa/query: \"min %d of\" requires a count of at least 1", count)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expectIdent("of"); err != nil {
		return nil, err
	}
	if p.tok.kind != tokLParen {
		return nil, fmt.Errorf("ursa/query: expected '(' after \"min N of\", got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var children []Expr
	for {
		child, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.tok.kind != tokRParen {
		return nil, fmt.Errorf("ursa/query: expected ')', got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &MinOf{Count: count, Children: children}, nil
}

func (p *parser) parseTerm() (Expr, error) {
	switch p.tok.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("ursa/query: expected ')', got %q", p.tok.text)
		}
		return expr, p.advance()
	case tokString:
		qstr := ursa.PlaintextQString([]byte(p.tok.str))
		src := p.tok.text
		return p.finishPrimitive(qstr, src)
	case tokWideString:
		qstr := widePlaintextQString(p.tok.str)
		src := p.tok.text
		return p.finishPrimitive(qstr, src)
	case tokHexString:
		qstr, err := parseHexString(p.tok.hex)
		if err != nil {
			return nil, err
		}
		src := p.tok.text
		return p.finishPrimitive(qstr, src)
	default:
		return nil, fmt.Errorf("ursa/query: expected a term, got %q", p.tok.text)
	}
}

func (p *parser) finishPrimitive(qstr ursa.QString, src string) (Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Primitive{Value: qstr, Src: src}, nil
}

// widePlaintextQString expands s into the UTF-16LE-ASCII form WIDE8 indexes
// expect: every character followed by a literal NUL byte.
func widePlaintextQString(s string) ursa.QString {
	out := make(ursa.QString, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		out = append(out, ursa.SingleByteToken(s[i]), ursa.SingleByteToken(0))
	}
	return out
}

func (p *parser) parseIndex() (Command, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	c := &IndexCommand{}
	if p.atIdent("from") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectIdent("list"); err != nil {
			return nil, err
		}
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("ursa/query: expected a quoted path after \"from list\", got %q", p.tok.text)
		}
		c.FromList = p.tok.str
		if err := p.advance(); err != nil {
			return nil, err
		}
	} else {
		for p.tok.kind == tokString {
			c.Paths = append(c.Paths, p.tok.str)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if len(c.Paths) == 0 {
			return nil, fmt.Errorf("ursa/query: \"index\" requires at least one path or \"from list\"")
		}
	}
	if p.atIdent("with") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		types, err := p.parseTypeList()
		if err != nil {
			return nil, err
		}
		c.Types = types
	}
	if p.atIdent("nocheck") {
		c.NoCheck = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (p *parser) parseTypeList() ([]ursa.IndexType, error) {
	if p.tok.kind != tokLBrack {
		return nil, fmt.Errorf("ursa/query: expected '[', got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var out []ursa.IndexType
	for p.tok.kind != tokRBrack {
		if p.tok.kind != tokIdent {
			return nil, fmt.Errorf("ursa/query: expected an index type, got %q", p.tok.text)
		}
		t, err := ursa.ParseIndexType(strings.ToLower(p.tok.text))
		if err != nil {
			return nil, fmt.Errorf("ursa/query: %w", err)
		}
		out = append(out, t)
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return out, p.advance()
}

func (p *parser) parseReindex() (Command, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokString {
		return nil, fmt.Errorf("ursa/query: expected a quoted dataset name after \"reindex\", got %q", p.tok.text)
	}
	dataset := p.tok.str
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expectIdent("with"); err != nil {
		return nil, err
	}
	types, err := p.parseTypeList()
	if err != nil {
		return nil, err
	}
	return &ReindexCommand{Dataset: dataset, Types: types}, nil
}

func (p *parser) parseIterator() (Command, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokString {
		return nil, fmt.Errorf("ursa/query: expected a quoted iterator id, got %q", p.tok.text)
	}
	id := p.tok.str
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expectIdent("pop"); err != nil {
		return nil, err
	}
	if p.tok.kind != tokNumber {
		return nil, fmt.Errorf("ursa/query: expected a count after \"pop\", got %q", p.tok.text)
	}
	n := int(p.tok.num)
	return &IteratorCommand{ID: id, Pop: n}, p.advance()
}

func (p *parser) parseCompact() (Command, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch {
	case p.atIdent("all"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &CompactCommand{Mode: CompactAll}, nil
	case p.atIdent("smart"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &CompactCommand{Mode: CompactSmart}, nil
	default:
		return nil, fmt.Errorf("ursa/query: expected \"all\" or \"smart\" after \"compact\", got %q", p.tok.text)
	}
}

func (p *parser) parseDataset() (Command, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokString {
		return nil, fmt.Errorf("ursa/query: expected a quoted dataset name, got %q", p.tok.text)
	}
	name := p.tok.str
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch {
	case p.atIdent("taint"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("ursa/query: expected a quoted taint, got %q", p.tok.text)
		}
		tag := p.tok.str
		return &DatasetCommand{Dataset: name, Action: DatasetTaint, Taint: tag}, p.advance()
	case p.atIdent("untaint"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("ursa/query: expected a quoted taint, got %q", p.tok.text)
		}
		tag := p.tok.str
		return &DatasetCommand{Dataset: name, Action: DatasetUntaint, Taint: tag}, p.advance()
	case p.atIdent("drop"):
		return &DatasetCommand{Dataset: name, Action: DatasetDrop}, p.advance()
	default:
		return nil, fmt.Errorf("ursa/query: expected \"taint\", \"untaint\" or \"drop\", got %q", p.tok.text)
	}
}

func (p *parser) parseConfig() (Command, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch {
	case p.atIdent("get"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		var keys []string
		for p.tok.kind == tokString {
			keys = append(keys, p.tok.str)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return &ConfigCommand{Get: keys}, nil
	case p.atIdent("set"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("ursa/query: expected a quoted config key, got %q", p.tok.text)
		}
		key := p.tok.str
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokNumber {
			return nil, fmt.Errorf("ursa/query: expected a numeric config value, got %q", p.tok.text)
		}
		val := p.tok.num
		return &ConfigCommand{IsSet: true, SetKey: key, SetValue: val}, p.advance()
	default:
		return nil, fmt.Errorf("ursa/query: expected \"get\" or \"set\" after \"config\", got %q", p.tok.text)
	}
}
