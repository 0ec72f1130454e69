package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// ErrMalformed is returned when a snapshot document does not have the
// collection -> list of records shape.
var ErrMalformed = errors.New("snapshot: malformed document")

// DecodeFile reads a YAML or JSON snapshot from path.
func DecodeFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading %s: %w", path, err)
	}

	inv, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("snapshot: decoding %s: %w", path, err)
	}

	return inv, nil
}

// Decode parses a snapshot document. The top level is a mapping from
// collection name to a sequence of records; the "tag_mapper" key carries a
// sequence of tag records. JSON input is accepted since it is valid YAML.
// Anchors and aliases are honoured, so a collector can share one record
// between a batch and the cross-references that point at it.
func Decode(r io.Reader) (*Inventory, error) {
	var doc yaml.Node

	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return NewInventory(), nil
		}

		return nil, fmt.Errorf("snapshot: parsing document: %w", err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return NewInventory(), nil
		}

		root = root.Content[0]
	}

	if root.Kind == yaml.ScalarNode && root.ShortTag() == "!!null" {
		return NewInventory(), nil
	}

	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping, got %s", ErrMalformed, kindName(root.Kind))
	}

	d := &decoder{seen: make(map[*yaml.Node]*Record)}
	inv := NewInventory()

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		batch, err := d.batch(root.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: collection %q: %v", ErrMalformed, name, err)
		}

		if name == TagMapperKey {
			inv.TagsToResolve = batch
			continue
		}

		inv.Add(name, batch...)
	}

	return inv, nil
}

// decoder converts yaml nodes to records, memoizing mapping nodes so that
// aliases resolve to the same *Record.
type decoder struct {
	seen map[*yaml.Node]*Record
}

func (d *decoder) batch(n *yaml.Node) ([]*Record, error) {
	n = resolveAlias(n)

	if n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null" {
		return []*Record{}, nil
	}

	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("expected a sequence, got %s", kindName(n.Kind))
	}

	out := make([]*Record, 0, len(n.Content))

	for i, item := range n.Content {
		rec, err := d.record(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}

		out = append(out, rec)
	}

	return out, nil
}

func (d *decoder) record(n *yaml.Node) (*Record, error) {
	n = resolveAlias(n)

	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping, got %s", kindName(n.Kind))
	}

	if rec, ok := d.seen[n]; ok {
		return rec, nil
	}

	rec := NewRecord()
	d.seen[n] = rec

	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value

		v, err := d.value(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", key, err)
		}

		rec.Set(key, v)
	}

	return rec, nil
}

func (d *decoder) value(n *yaml.Node) (any, error) {
	n = resolveAlias(n)

	switch n.Kind {
	case yaml.MappingNode:
		return d.record(n)
	case yaml.SequenceNode:
		return d.sequence(n)
	case yaml.ScalarNode:
		return scalar(n)
	default:
		return nil, fmt.Errorf("unsupported node kind %s", kindName(n.Kind))
	}
}

// sequence returns []*Record when every element is a mapping, otherwise a
// []any of scalars and nested values.
func (d *decoder) sequence(n *yaml.Node) (any, error) {
	allRecords := true

	for _, c := range n.Content {
		if resolveAlias(c).Kind != yaml.MappingNode {
			allRecords = false
			break
		}
	}

	if allRecords {
		out := make([]*Record, 0, len(n.Content))

		for _, c := range n.Content {
			rec, err := d.record(c)
			if err != nil {
				return nil, err
			}

			out = append(out, rec)
		}

		return out, nil
	}

	out := make([]any, 0, len(n.Content))

	for _, c := range n.Content {
		v, err := d.value(c)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

func scalar(n *yaml.Node) (any, error) {
	switch n.ShortTag() {
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, fmt.Errorf("decoding bool %q: %w", n.Value, err)
		}

		return b, nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return nil, fmt.Errorf("decoding int %q: %w", n.Value, err)
		}

		return i, nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return nil, fmt.Errorf("decoding float %q: %w", n.Value, err)
		}

		return f, nil
	default:
		// Provider APIs return names in mixed normalization forms; NFC keeps
		// natural keys comparable across runs.
		return norm.NFC.String(n.Value), nil
	}
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}

	return n
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
