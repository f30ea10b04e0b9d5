package patch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical renders the patch as deterministic JSON: object keys
// in sorted order, strings NFC-normalized, no HTML escaping, no
// insignificant whitespace. Exporting the same subgraph twice yields
// byte-identical documents, so patch files diff and dedupe cleanly.
func (p *Patch) MarshalCanonical() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	if err := writeKey(&buf, "author", p.Author); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeKey(&buf, "branch", p.Branch); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeKey(&buf, "created_at", p.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}

	buf.WriteString(`,"edges":[`)
	for i, e := range p.Edges {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeEdge(&buf, e); err != nil {
			return nil, fmt.Errorf("edge[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')

	buf.WriteString(`,"nodes":[`)
	for i, n := range p.Nodes {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeNode(&buf, n); err != nil {
			return nil, fmt.Errorf("node[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')

	fmt.Fprintf(&buf, `,"version":%d}`, p.Version)
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, n Node) error {
	buf.WriteByte('{')
	pairs := []struct{ k, v string }{
		{"change_id", n.ChangeID.String()},
		{"description", n.Description},
		{"metadata_json", n.MetadataJSON},
		{"node_type", string(n.NodeType)},
		{"status", string(n.Status)},
		{"title", n.Title},
	}
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(buf, p.k, p.v); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeEdge(buf *bytes.Buffer, e Edge) error {
	buf.WriteByte('{')
	pairs := []struct{ k, v string }{
		{"edge_type", string(e.EdgeType)},
		{"from_change_id", e.FromChangeID.String()},
		{"rationale", e.Rationale},
		{"to_change_id", e.ToChangeID.String()},
	}
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(buf, p.k, p.v); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeKey(buf *bytes.Buffer, key, val string) error {
	// Keys are ASCII literals and need no normalization.
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	enc, err := canonicalString(val)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	buf.Write(enc)
	return nil
}

// canonicalString encodes s as a JSON string with NFC normalization and
// HTML escaping disabled, so < > & pass through verbatim.
func canonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder appends a trailing newline.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

// Digest returns the hex SHA-256 of a canonical document. It identifies
// patch content in apply reports; it carries no merge semantics.
func Digest(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
