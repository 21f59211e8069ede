package view

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lucidgrid/basis/internal/types"
)

// Types of views the engine accepts.
var knownTypes = map[string]bool{
	"form": true, "list": true, "kanban": true, "search": true,
	"graph": true, "pivot": true, "calendar": true,
}

// KnownType reports whether t is a supported view type.
func KnownType(t string) bool { return knownTypes[t] }

// Node is one element of a view architecture tree.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Parse decodes a view architecture into a tree.
func Parse(arch string) (*Node, error) {
	dec := xml.NewDecoder(strings.NewReader(arch))
	var stack []*Node
	var root *Node
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, types.ValidationError("malformed view architecture: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Tag: t.Name.Local, Attrs: map[string]string{}}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, types.ValidationError("view architecture has multiple roots")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += strings.TrimSpace(string(t))
			}
		}
	}
	if root == nil {
		return nil, types.ValidationError("empty view architecture")
	}
	return root, nil
}

// String renders the tree back to XML.
func (n *Node) String() string {
	var sb strings.Builder
	n.write(&sb)
	return sb.String()
}

func (n *Node) write(sb *strings.Builder) {
	sb.WriteString("<" + n.Tag)
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%q", k, n.Attrs[k]))
	}
	if len(n.Children) == 0 && n.Text == "" {
		sb.WriteString("/>")
		return
	}
	sb.WriteString(">")
	if n.Text != "" {
		_ = xml.EscapeText(sb, []byte(n.Text))
	}
	for _, c := range n.Children {
		c.write(sb)
	}
	sb.WriteString("</" + n.Tag + ">")
}

// Clone deep-copies the tree.
func (n *Node) Clone() *Node {
	cp := &Node{Tag: n.Tag, Text: n.Text, Attrs: map[string]string{}}
	for k, v := range n.Attrs {
		cp.Attrs[k] = v
	}
	for _, c := range n.Children {
		cp.Children = append(cp.Children, c.Clone())
	}
	return cp
}

// locator is the restricted XPath subset patches may use:
// //tag, //tag[@attr='value'], //tag[@attr="value"].
type locator struct {
	tag   string
	attr  string
	value string
}

func parseLocator(expr string) (*locator, error) {
	s := strings.TrimSpace(expr)
	if !strings.HasPrefix(s, "//") {
		return nil, types.ValidationError("unsupported locator %q", expr)
	}
	s = s[2:]
	loc := &locator{}
	if i := strings.IndexByte(s, '['); i >= 0 {
		loc.tag = s[:i]
		pred := strings.TrimSuffix(s[i+1:], "]")
		pred = strings.TrimPrefix(pred, "@")
		name, val, ok := strings.Cut(pred, "=")
		if !ok {
			return nil, types.ValidationError("unsupported locator predicate in %q", expr)
		}
		loc.attr = name
		loc.value = strings.Trim(val, `'"`)
	} else {
		loc.tag = s
	}
	if loc.tag == "" {
		return nil, types.ValidationError("unsupported locator %q", expr)
	}
	return loc, nil
}

// find returns the first matching node and its parent, depth first.
func (l *locator) find(parent, n *Node) (*Node, *Node) {
	if n.Tag == l.tag && (l.attr == "" || n.Attrs[l.attr] == l.value) {
		return parent, n
	}
	for _, c := range n.Children {
		if p, found := l.find(n, c); found != nil {
			return p, found
		}
	}
	return nil, nil
}

// ApplyInherit applies one inheriting view's patch spec to base, in place.
// The spec root's children are xpath elements; an unresolvable locator is an
// installation-time error.
func ApplyInherit(base *Node, spec *Node) error {
	for _, patch := range spec.Children {
		if patch.Tag != "xpath" {
			return types.ValidationError("inherited view: expected xpath element, found %q", patch.Tag)
		}
		loc, err := parseLocator(patch.Attrs["expr"])
		if err != nil {
			return err
		}
		parent, target := loc.find(nil, base)
		if target == nil {
			return types.ValidationError("view patch %q does not match the inherited view", patch.Attrs["expr"])
		}
		position := patch.Attrs["position"]
		if position == "" {
			position = "inside"
		}
		switch position {
		case "inside":
			target.Children = append(target.Children, cloneAll(patch.Children)...)
		case "attributes":
			for _, attr := range patch.Children {
				if attr.Tag != "attribute" {
					return types.ValidationError("attributes patch: expected attribute element, found %q", attr.Tag)
				}
				name := attr.Attrs["name"]
				if attr.Text == "" {
					delete(target.Attrs, name)
				} else {
					target.Attrs[name] = attr.Text
				}
			}
		case "before", "after", "replace":
			if parent == nil {
				return types.ValidationError("view patch %q cannot %s the root element", patch.Attrs["expr"], position)
			}
			idx := -1
			for i, c := range parent.Children {
				if c == target {
					idx = i
					break
				}
			}
			repl := cloneAll(patch.Children)
			switch position {
			case "before":
				parent.Children = insertAt(parent.Children, idx, repl)
			case "after":
				parent.Children = insertAt(parent.Children, idx+1, repl)
			case "replace":
				rebuilt := make([]*Node, 0, len(parent.Children)+len(repl))
				rebuilt = append(rebuilt, parent.Children[:idx]...)
				rebuilt = append(rebuilt, repl...)
				rebuilt = append(rebuilt, parent.Children[idx+1:]...)
				parent.Children = rebuilt
			}
		default:
			return types.ValidationError("unknown patch position %q", position)
		}
	}
	return nil
}

// Resolve builds the effective architecture of a base view by applying
// patches in order.
func Resolve(baseArch string, patchArchs []string) (string, error) {
	base, err := Parse(baseArch)
	if err != nil {
		return "", err
	}
	if !KnownType(base.Tag) {
		return "", types.ValidationError("unknown view type %q", base.Tag)
	}
	for _, arch := range patchArchs {
		spec, err := Parse(arch)
		if err != nil {
			return "", err
		}
		if err := ApplyInherit(base, spec); err != nil {
			return "", err
		}
	}
	return base.String(), nil
}

// FieldNames collects the model fields the architecture references, so the
// server can validate them against the schema.
func FieldNames(n *Node) []string {
	var out []string
	var walk func(*Node)
	walk = func(node *Node) {
		if node.Tag == "field" {
			if name := node.Attrs["name"]; name != "" {
				out = append(out, name)
			}
		}
		for _, c := range node.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

func cloneAll(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Clone())
	}
	return out
}

func insertAt(list []*Node, idx int, items []*Node) []*Node {
	out := make([]*Node, 0, len(list)+len(items))
	out = append(out, list[:idx]...)
	out = append(out, items...)
	out = append(out, list[idx:]...)
	return out
}
