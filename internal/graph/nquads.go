package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

// upsertBuilder accumulates the query-var block and the set-nquads block for
// one atomic upsert request, one node/edge at a time. Both buffers come from
// bytebufferpool, since delta sizes vary widely and the builder runs on
// every ingest.
type upsertBuilder struct {
	query *bytebufferpool.ByteBuffer
	set   *bytebufferpool.ByteBuffer
	next  int
	vars  map[string]string
}

func newUpsertBuilder() *upsertBuilder {
	b := &upsertBuilder{
		query: bytebufferpool.Get(),
		set:   bytebufferpool.Get(),
		vars:  make(map[string]string),
	}
	b.query.WriteString("query {\n")
	return b
}

// release returns both buffers to the pool. Call after the request's nquad
// bytes have been copied out (api.Request needs its own []byte/string).
func (b *upsertBuilder) release() {
	bytebufferpool.Put(b.query)
	bytebufferpool.Put(b.set)
}

// varFor emits a var-block resolving nodeID to a variable name, returning
// the `uid(vN)` reference to use as the mutation subject for this node.
// Repeated calls for the same nodeID (e.g. an entity referenced both by its
// own upsert and as an edge endpoint) reuse the same var.
func (b *upsertBuilder) varFor(nodeID string) string {
	if ref, ok := b.vars[nodeID]; ok {
		return ref
	}
	name := fmt.Sprintf("v%d", b.next)
	b.next++
	fmt.Fprintf(b.query, "\t%s as var(func: eq(node_id, %s))\n", name, quote(nodeID))
	ref := fmt.Sprintf("uid(%s)", name)
	b.vars[nodeID] = ref
	return ref
}

func (b *upsertBuilder) queryDQL() string {
	return b.query.String() + "}"
}

func (b *upsertBuilder) setNquads() []byte {
	return append([]byte(nil), b.set.Bytes()...)
}

func quote(s string) string {
	return strconv.Quote(s)
}

func sanitizePredicate(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// edgePredicate derives the DQL predicate name from an edge-type string
// (KNOWS -> e_KNOWS).
func edgePredicate(edgeTypeID string) string {
	return "e_" + sanitizePredicate(edgeTypeID)
}

func (b *upsertBuilder) writeTriple(subject, predicate, object string) {
	fmt.Fprintf(b.set, "%s <%s> %s .\n", subject, predicate, object)
}

func (b *upsertBuilder) writeStringTriple(subject, predicate, value string) {
	b.writeTriple(subject, predicate, quote(value))
}

func (b *upsertBuilder) writeIntTriple(subject, predicate string, value int64) {
	fmt.Fprintf(b.set, "%s <%s> %q^^<xs:int> .\n", subject, predicate, strconv.FormatInt(value, 10))
}

func (b *upsertBuilder) writeType(subject, dgraphType string) {
	b.writeTriple(subject, "dgraph.type", quote(dgraphType))
}

// writeLabels attaches a node's resolved label chain as dgraph.type values.
// dgraph.type is multi-valued and is the store's label mechanism, so an
// entity of type node.person carries ["Entity", "Person"], not just its
// base type. Falls back to base when no chain was resolved.
func (b *upsertBuilder) writeLabels(subject string, labels []string, base string) {
	if len(labels) == 0 {
		b.writeType(subject, base)
		return
	}
	for _, label := range labels {
		b.writeType(subject, label)
	}
}

// writeProperties serializes props as a JSON blob predicate plus, for
// convenience, a name_hint and text predicate if those keys are present.
func (b *upsertBuilder) writeProperties(subject string, props []domain.PropertyValue, propsJSON string) {
	b.writeStringTriple(subject, "properties_json", propsJSON)
	for _, p := range props {
		switch p.Key {
		case "name":
			b.writeStringTriple(subject, "name_hint", p.AsText())
		case "text":
			b.writeStringTriple(subject, "text", p.AsText())
		}
	}
}

// writeEdgeFacets renders edge properties as DQL facets on the triple,
// e.g. `<a> <e_KNOWS> <b> (confidence=0.9, note="met at offsite") .`.
func writeEdgeFacets(sb *bytebufferpool.ByteBuffer, props []domain.PropertyValue) {
	if len(props) == 0 {
		return
	}
	sb.WriteString(" (")
	for i, p := range props {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch p.ValueType {
		case domain.ValueTypeFloat:
			fmt.Fprintf(sb, "%s=%v", sanitizePredicate(p.Key), p.FloatVal)
		case domain.ValueTypeInt:
			fmt.Fprintf(sb, "%s=%d", sanitizePredicate(p.Key), p.IntVal)
		case domain.ValueTypeBool:
			fmt.Fprintf(sb, "%s=%t", sanitizePredicate(p.Key), p.BoolVal)
		default:
			fmt.Fprintf(sb, "%s=%s", sanitizePredicate(p.Key), quote(p.AsText()))
		}
	}
	sb.WriteString(")")
}
