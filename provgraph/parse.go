package provgraph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// A SyntaxError reports a malformed document.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("turtle: line %d: %s", e.Line, e.Msg)
}

// Decode parses a Turtle document describing a provenance graph and rebuilds
// the graph, validating it like Builder.Build does.
//
// Decode understands the documents Encode writes, as well as the usual
// shorthands of hand-written ones: ';' and ',' lists, full IRIs, comments,
// SPARQL-style PREFIX directives and typed or language-tagged literals. The
// document must use a single namespace besides the PROV, RDF, RDFS and XSD
// vocabularies.
func Decode(doc []byte) (Graph, error) {
	p := parser{lex: lexer{src: string(doc), line: 1}, prefixes: make(map[string]string)}
	if err := p.parse(); err != nil {
		return Graph{}, err
	}
	return p.graph()
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIRI           // <...>, value is the unescaped IRI
	tokPName         // prefix:local, value is the raw text
	tokLiteral       // "...", value is the unescaped lexical form
	tokA             // the keyword 'a'
	tokPrefix        // @prefix or PREFIX
	tokDot
	tokSemicolon
	tokComma
	tokDatatype // ^^
	tokLang     // @tag, value is the tag
)

type token struct {
	kind  tokenKind
	value string
	line  int
}

type lexer struct {
	src  string
	pos  int
	line int
}

func (l *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Line: l.line, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch c := l.src[l.pos]; c {
		case '\n':
			l.line++
			l.pos++
		case ' ', '\t', '\r':
			l.pos++
		case '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line}, nil
	}
	tok := token{line: l.line}
	switch c := l.src[l.pos]; {
	case c == '.':
		l.pos++
		tok.kind = tokDot
	case c == ';':
		l.pos++
		tok.kind = tokSemicolon
	case c == ',':
		l.pos++
		tok.kind = tokComma
	case c == '<':
		iri, err := l.iri()
		if err != nil {
			return token{}, err
		}
		tok.kind, tok.value = tokIRI, iri
	case c == '"':
		s, err := l.literal()
		if err != nil {
			return token{}, err
		}
		tok.kind, tok.value = tokLiteral, s
	case c == '^':
		if !strings.HasPrefix(l.src[l.pos:], "^^") {
			return token{}, l.errorf("unexpected '^'")
		}
		l.pos += 2
		tok.kind = tokDatatype
	case c == '@':
		l.pos++
		word := l.word()
		if word == "prefix" {
			tok.kind, tok.value = tokPrefix, "@prefix"
		} else if word != "" {
			tok.kind, tok.value = tokLang, word
		} else {
			return token{}, l.errorf("unexpected '@'")
		}
	default:
		word := l.word()
		switch {
		case word == "":
			r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
			return token{}, l.errorf("unexpected character %q", r)
		case word == "a":
			tok.kind = tokA
		case strings.EqualFold(word, "PREFIX"):
			tok.kind, tok.value = tokPrefix, word
		case strings.Contains(word, ":"):
			tok.kind, tok.value = tokPName, word
		default:
			return token{}, l.errorf("unexpected word %q", word)
		}
	}
	return tok, nil
}

// word consumes a prefixed name, keyword or language tag. A trailing '.' is
// left for the statement terminator.
func (l *lexer) word() string {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isAlnum(c) || c == '_' || c == '-' || c == ':' || c == '%' || c == '.' || c >= utf8.RuneSelf {
			l.pos++
			continue
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos += 2
			continue
		}
		break
	}
	for l.pos > start && l.src[l.pos-1] == '.' {
		l.pos--
	}
	return l.src[start:l.pos]
}

func (l *lexer) iri() (string, error) {
	l.pos++ // '<'
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '>':
			l.pos++
			return b.String(), nil
		case c == '\\':
			r, err := l.unicodeEscape()
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		case c == '\n' || c == ' ':
			return "", l.errorf("unterminated IRI")
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", l.errorf("unterminated IRI")
}

func (l *lexer) literal() (string, error) {
	long := strings.HasPrefix(l.src[l.pos:], `"""`)
	if long {
		l.pos += 3
	} else {
		l.pos++
	}
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case long && strings.HasPrefix(l.src[l.pos:], `"""`):
			l.pos += 3
			return b.String(), nil
		case !long && c == '"':
			l.pos++
			return b.String(), nil
		case !long && c == '\n':
			return "", l.errorf("newline in string literal")
		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return "", l.errorf("unterminated escape")
			}
			switch e := l.src[l.pos+1]; e {
			case 'u', 'U':
				r, err := l.unicodeEscape()
				if err != nil {
					return "", err
				}
				b.WriteRune(r)
				continue
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case '"', '\'', '\\':
				b.WriteByte(e)
			default:
				return "", l.errorf("unknown escape \\%c", e)
			}
			l.pos += 2
		default:
			if c == '\n' {
				l.line++
			}
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", l.errorf("unterminated string literal")
}

// unicodeEscape consumes \uXXXX or \UXXXXXXXX.
func (l *lexer) unicodeEscape() (rune, error) {
	if l.pos+1 >= len(l.src) {
		return 0, l.errorf("unterminated escape")
	}
	n := 0
	switch l.src[l.pos+1] {
	case 'u':
		n = 4
	case 'U':
		n = 8
	default:
		return 0, l.errorf("unknown escape \\%c", l.src[l.pos+1])
	}
	start := l.pos + 2
	if start+n > len(l.src) {
		return 0, l.errorf("short unicode escape")
	}
	v, err := strconv.ParseUint(l.src[start:start+n], 16, 32)
	if err != nil {
		return 0, l.errorf("bad unicode escape: %v", err)
	}
	l.pos = start + n
	return rune(v), nil
}

// term is a subject, predicate or object: either an IRI (already expanded) or
// a literal.
type term struct {
	iri      string
	literal  string
	datatype string // expanded IRI, empty for plain literals
	isLit    bool
	line     int
}

type triple struct {
	s, p, o term
}

type parser struct {
	lex      lexer
	tok      token
	prefixes map[string]string // prefix -> IRI, in declaration order below
	declared []string
	triples  []triple
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Line: p.tok.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(k tokenKind, what string) error {
	if p.tok.kind != k {
		return p.errorf("expected %s", what)
	}
	return p.advance()
}

func (p *parser) parse() error {
	if err := p.advance(); err != nil {
		return err
	}
	for p.tok.kind != tokEOF {
		if p.tok.kind == tokPrefix {
			if err := p.prefixDirective(); err != nil {
				return err
			}
			continue
		}
		if err := p.statement(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) prefixDirective() error {
	sparql := p.tok.value != "@prefix"
	if err := p.advance(); err != nil {
		return err
	}
	if p.tok.kind != tokPName || !strings.HasSuffix(p.tok.value, ":") || strings.Count(p.tok.value, ":") != 1 {
		return p.errorf("expected prefix name")
	}
	name := strings.TrimSuffix(p.tok.value, ":")
	if err := p.advance(); err != nil {
		return err
	}
	if p.tok.kind != tokIRI {
		return p.errorf("expected IRI for prefix %q", name)
	}
	if _, dup := p.prefixes[name]; !dup {
		p.declared = append(p.declared, name)
	}
	p.prefixes[name] = p.tok.value
	if err := p.advance(); err != nil {
		return err
	}
	if sparql {
		return nil
	}
	return p.expect(tokDot, "'.' after prefix directive")
}

func (p *parser) statement() error {
	subj, err := p.iriTerm()
	if err != nil {
		return err
	}
	for {
		pred, err := p.predicate()
		if err != nil {
			return err
		}
		for {
			obj, err := p.object()
			if err != nil {
				return err
			}
			p.triples = append(p.triples, triple{s: subj, p: pred, o: obj})
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return err
			}
		}
		if p.tok.kind != tokSemicolon {
			break
		}
		// Consecutive or trailing semicolons are allowed.
		for p.tok.kind == tokSemicolon {
			if err := p.advance(); err != nil {
				return err
			}
		}
		if p.tok.kind == tokDot {
			break
		}
	}
	return p.expect(tokDot, "'.' at end of statement")
}

func (p *parser) predicate() (term, error) {
	if p.tok.kind == tokA {
		t := term{iri: rdfIRI + "type", line: p.tok.line}
		return t, p.advance()
	}
	return p.iriTerm()
}

func (p *parser) iriTerm() (term, error) {
	t := term{line: p.tok.line}
	switch p.tok.kind {
	case tokIRI:
		t.iri = p.tok.value
	case tokPName:
		iri, err := p.expand(p.tok.value)
		if err != nil {
			return term{}, err
		}
		t.iri = iri
	default:
		return term{}, p.errorf("expected IRI or prefixed name")
	}
	return t, p.advance()
}

func (p *parser) object() (term, error) {
	if p.tok.kind != tokLiteral {
		return p.iriTerm()
	}
	t := term{literal: p.tok.value, isLit: true, line: p.tok.line}
	if err := p.advance(); err != nil {
		return term{}, err
	}
	switch p.tok.kind {
	case tokDatatype:
		if err := p.advance(); err != nil {
			return term{}, err
		}
		dt, err := p.iriTerm()
		if err != nil {
			return term{}, err
		}
		t.datatype = dt.iri
	case tokLang:
		// Language tags carry no meaning for provenance labels.
		if err := p.advance(); err != nil {
			return term{}, err
		}
	}
	return t, nil
}

func (p *parser) expand(pname string) (string, error) {
	prefix, local, _ := strings.Cut(pname, ":")
	base, ok := p.prefixes[prefix]
	if !ok {
		return "", p.errorf("undeclared prefix %q", prefix)
	}
	return base + unescapeLocal(local), nil
}

// unescapeLocal removes the backslash escapes a local name may use. Percent
// escapes are part of the name and stay.
func unescapeLocal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var errNoNamespace = errors.New("turtle: document declares no graph namespace")

// graph interprets the parsed triples as a provenance graph.
func (p *parser) graph() (Graph, error) {
	ns, err := p.namespace()
	if err != nil {
		return Graph{}, err
	}
	qname := func(t term) (QualifiedName, error) {
		if t.isLit {
			return QualifiedName{}, &SyntaxError{Line: t.line, Msg: fmt.Sprintf("literal %q where a node was expected", t.literal)}
		}
		local, ok := strings.CutPrefix(t.iri, ns.IRI)
		if !ok || local == "" {
			return QualifiedName{}, fmt.Errorf("turtle: line %d: %w: <%s>", t.line, ErrForeignName, t.iri)
		}
		return QualifiedName{Prefix: ns.Prefix, Local: escapeLocal(local, true)}, nil
	}

	nodes := make(map[QualifiedName]*Node)
	var order []QualifiedName
	node := func(id QualifiedName) *Node {
		n, ok := nodes[id]
		if !ok {
			n = &Node{ID: id}
			nodes[id] = n
			order = append(order, id)
		}
		return n
	}

	var b Builder
	b.Namespace(ns)
	for _, t := range p.triples {
		subj, err := qname(t.s)
		if err != nil {
			return Graph{}, err
		}
		n := node(subj)
		switch pred := t.p.iri; pred {
		case rdfIRI + "type":
			kind, err := nodeKind(t.o)
			if err != nil {
				return Graph{}, err
			}
			if n.Kind != 0 && n.Kind != kind {
				return Graph{}, fmt.Errorf("%w: %v is both %v and %v", ErrKindConflict, subj, n.Kind, kind)
			}
			n.Kind = kind
		case rdfsIRI + "label":
			if !t.o.isLit {
				return Graph{}, &SyntaxError{Line: t.o.line, Msg: "rdfs:label must be a literal"}
			}
			n.Label = t.o.literal
		case provIRI + "startedAtTime", provIRI + "endedAtTime":
			ts, err := timestamp(t.o)
			if err != nil {
				return Graph{}, err
			}
			if pred == provIRI+"startedAtTime" {
				n.StartedAt = ts
			} else {
				n.EndedAt = ts
			}
		default:
			r, ok := relationByIRI(pred)
			if !ok {
				return Graph{}, &SyntaxError{Line: t.p.line, Msg: fmt.Sprintf("unsupported predicate <%s>", pred)}
			}
			obj, err := qname(t.o)
			if err != nil {
				return Graph{}, err
			}
			b.Connect(r, subj, obj)
		}
	}
	for _, id := range order {
		n := nodes[id]
		if n.Kind == 0 {
			// Objects of relations are only mentioned; Build reports them as
			// undeclared unless they are typed somewhere.
			if n.Label != "" || !n.StartedAt.IsZero() || !n.EndedAt.IsZero() {
				return Graph{}, fmt.Errorf("turtle: node %v has no type", id)
			}
			continue
		}
		b.Add(*n)
	}
	return b.Build()
}

// namespace picks the one declared prefix that is not a well-known
// vocabulary.
func (p *parser) namespace() (Namespace, error) {
	var found []Namespace
	for _, name := range p.declared {
		switch iri := p.prefixes[name]; iri {
		case provIRI, rdfsIRI, xsdIRI, rdfIRI:
		default:
			found = append(found, Namespace{Prefix: name, IRI: iri})
		}
	}
	switch len(found) {
	case 0:
		return Namespace{}, errNoNamespace
	case 1:
		return found[0], nil
	default:
		return Namespace{}, fmt.Errorf("turtle: document declares %d namespaces, want 1", len(found))
	}
}

func nodeKind(t term) (NodeKind, error) {
	switch t.iri {
	case provIRI + "Entity":
		return Entity, nil
	case provIRI + "Activity":
		return Activity, nil
	case provIRI + "Agent":
		return Agent, nil
	default:
		return 0, &SyntaxError{Line: t.line, Msg: fmt.Sprintf("unsupported type <%s>", t.iri)}
	}
}

func relationByIRI(iri string) (Relation, bool) {
	name, ok := strings.CutPrefix(iri, provIRI)
	if !ok {
		return 0, false
	}
	for _, r := range relations {
		if r.String() == name {
			return r, true
		}
	}
	return 0, false
}

func timestamp(t term) (time.Time, error) {
	if !t.isLit || (t.datatype != "" && t.datatype != xsdIRI+"dateTime") {
		return time.Time{}, &SyntaxError{Line: t.line, Msg: "activity time must be an xsd:dateTime literal"}
	}
	ts, err := time.Parse(time.RFC3339Nano, t.literal)
	if err != nil {
		return time.Time{}, &SyntaxError{Line: t.line, Msg: err.Error()}
	}
	return ts.UTC(), nil
}
