package snapshot

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Encode writes inv as a YAML document, preserving collection and attribute
// order. A record reachable from itself is written as "<cycle>".
func Encode(w io.Writer, inv *Inventory) error {
	root := &yaml.Node{Kind: yaml.MappingNode}

	if len(inv.TagsToResolve) > 0 {
		root.Content = append(root.Content, keyNode(TagMapperKey), recordsNode(inv.TagsToResolve, nil))
	}

	for _, c := range inv.Collections() {
		batch, _ := inv.Batch(c)
		root.Content = append(root.Content, keyNode(c), recordsNode(batch, nil))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("snapshot: encoding inventory: %w", err)
	}

	return enc.Close()
}

// MarshalYAML lets a single record be dumped with yaml.Marshal.
func (r *Record) MarshalYAML() (any, error) {
	return recordNode(r, nil), nil
}

func keyNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func recordsNode(recs []*Record, path map[*Record]bool) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode}
	for _, r := range recs {
		n.Content = append(n.Content, recordNode(r, path))
	}

	return n
}

func recordNode(r *Record, path map[*Record]bool) *yaml.Node {
	if r == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}

	if path[r] {
		return keyNode("<cycle>")
	}

	if path == nil {
		path = make(map[*Record]bool)
	}

	path[r] = true
	defer delete(path, r)

	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range r.keys {
		n.Content = append(n.Content, keyNode(k), valueNode(r.vals[k], path))
	}

	return n
}

func valueNode(v any, path map[*Record]bool) *yaml.Node {
	switch t := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	case *Record:
		return recordNode(t, path)
	case []*Record:
		return recordsNode(t, path)
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for _, e := range t {
			n.Content = append(n.Content, valueNode(e, path))
		}

		return n
	case string:
		return keyNode(t)
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(t)}
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(t, 10)}
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(t, 'g', -1, 64)}
	default:
		return keyNode(fmt.Sprint(t))
	}
}
