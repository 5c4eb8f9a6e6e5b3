package provgraph

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// MediaType is the content type of encoded documents.
const MediaType = "text/turtle"

// Vocabularies a document refers to besides the graph namespace.
const (
	provIRI = "http://www.w3.org/ns/prov#"
	rdfsIRI = "http://www.w3.org/2000/01/rdf-schema#"
	xsdIRI  = "http://www.w3.org/2001/XMLSchema#"
	rdfIRI  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
)

// ErrDegraded is returned when encoding a graph that must not leave the process.
var ErrDegraded = errors.New("graph is degraded")

// Encode renders g as a Turtle document.
//
// The output is deterministic: subjects appear in qualified-name order, each
// followed by its type, label, activity interval and outgoing relations in a
// fixed order, one statement per line. Decode(Encode(g)) yields a graph equal
// to g.
func Encode(g Graph) ([]byte, error) {
	if g.Degraded {
		return nil, ErrDegraded
	}
	if err := g.Namespace.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "@prefix prov: <%s> .\n", provIRI)
	fmt.Fprintf(&buf, "@prefix rdfs: <%s> .\n", rdfsIRI)
	fmt.Fprintf(&buf, "@prefix xsd: <%s> .\n", xsdIRI)
	fmt.Fprintf(&buf, "@prefix %s: <%s> .\n", g.Namespace.Prefix, escapeIRI(g.Namespace.IRI))

	// Graph edges are sorted by source first, so each subject's relations form
	// a contiguous run.
	edges := g.Edges
	for _, n := range g.Nodes {
		var out []Edge
		for len(edges) > 0 && edges[0].From.Compare(n.ID) < 0 {
			edges = edges[1:] // unreachable for graphs made by a Builder
		}
		for len(edges) > 0 && edges[0].From == n.ID {
			out = append(out, edges[0])
			edges = edges[1:]
		}
		writeSubject(&buf, n, out)
	}
	return buf.Bytes(), nil
}

func writeSubject(buf *bytes.Buffer, n Node, out []Edge) {
	buf.WriteByte('\n')
	lines := []string{"a prov:" + n.Kind.String()}
	if n.Label != "" {
		lines = append(lines, "rdfs:label "+quote(n.Label))
	}
	if !n.StartedAt.IsZero() {
		lines = append(lines, "prov:startedAtTime "+dateTime(n.StartedAt))
	}
	if !n.EndedAt.IsZero() {
		lines = append(lines, "prov:endedAtTime "+dateTime(n.EndedAt))
	}
	for _, r := range relations {
		for _, e := range out {
			if e.Relation == r {
				lines = append(lines, "prov:"+r.String()+" "+e.To.String())
			}
		}
	}

	buf.WriteString(n.ID.String())
	buf.WriteByte(' ')
	buf.WriteString(strings.Join(lines, " ;\n    "))
	buf.WriteString(" .\n")
}

func dateTime(t time.Time) string {
	return quote(t.UTC().Format(time.RFC3339Nano)) + "^^xsd:dateTime"
}

func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func escapeIRI(iri string) string {
	var b strings.Builder
	for _, r := range iri {
		if r <= 0x20 || strings.ContainsRune(`<>"{}|^`+"`\\", r) {
			fmt.Fprintf(&b, `\u%04X`, r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LocalName escapes s into a valid Turtle local name. ASCII letters, digits,
// '_' and '-' pass through unchanged (except a leading '-'); every other byte
// is percent-encoded, so distinct inputs map to distinct local names.
func LocalName(s string) string {
	return escapeLocal(s, false)
}

// escapeLocal implements LocalName. With keepEscapes set, well-formed %XX
// sequences are kept as is, which normalizes names read back from a document.
func escapeLocal(s string, keepEscapes bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isAlnum(c) || c == '_':
		case c == '-' && i > 0:
		case c == '%' && keepEscapes && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
		default:
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// Digest returns a stable identifier of an encoded document.
func Digest(doc []byte) string {
	sum := sha256.Sum256(doc)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Equal reports whether two graphs hold the same nodes and edges. Timestamps
// are compared as instants.
func Equal(a, b Graph) bool {
	if a.Namespace != b.Namespace || a.Degraded != b.Degraded {
		return false
	}
	if !slices.EqualFunc(a.Nodes, b.Nodes, func(x, y Node) bool {
		return x.ID == y.ID && x.Kind == y.Kind && x.Label == y.Label &&
			x.StartedAt.Equal(y.StartedAt) && x.EndedAt.Equal(y.EndedAt)
	}) {
		return false
	}
	return slices.Equal(a.Edges, b.Edges)
}
