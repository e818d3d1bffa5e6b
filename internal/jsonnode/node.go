// Package jsonnode is a mutable JSON tree that keeps object keys in document
// order and number literals as written.
package jsonnode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type of a JSON value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// ErrKind is returned when an operation does not apply to the node's kind.
var ErrKind = errors.New("jsonnode: wrong kind")

// Field is one member of an object.
type Field struct {
	Key   string
	Value *Node
}

// Node is a JSON value. The zero value is null. Nodes are not safe for
// concurrent mutation.
type Node struct {
	kind   Kind
	b      bool
	s      string // string value or number literal
	items  []*Node
	fields []Field
}

// NewNull returns a null node.
func NewNull() *Node { return &Node{} }

// NewBool returns a boolean node.
func NewBool(b bool) *Node { return &Node{kind: Bool, b: b} }

// NewString returns a string node.
func NewString(s string) *Node { return &Node{kind: String, s: s} }

// NewInt returns a number node holding i.
func NewInt(i int64) *Node { return &Node{kind: Number, s: strconv.FormatInt(i, 10)} }

// NewFloat returns a number node holding f.
func NewFloat(f float64) *Node {
	return &Node{kind: Number, s: strconv.FormatFloat(f, 'g', -1, 64)}
}

// NewNumber returns a number node from a JSON number literal.
func NewNumber(literal string) (*Node, error) {
	if _, err := strconv.ParseFloat(literal, 64); err != nil {
		return nil, fmt.Errorf("jsonnode: invalid number %q", literal)
	}
	return &Node{kind: Number, s: literal}, nil
}

// NewArray returns an array node holding items.
func NewArray(items ...*Node) *Node {
	return &Node{kind: Array, items: items}
}

// NewObject returns an empty object node.
func NewObject() *Node { return &Node{kind: Object} }

// Kind returns the node's kind. A nil node is null.
func (n *Node) Kind() Kind {
	if n == nil {
		return Null
	}
	return n.kind
}

func (n *Node) IsNull() bool   { return n.Kind() == Null }
func (n *Node) IsArray() bool  { return n.Kind() == Array }
func (n *Node) IsObject() bool { return n.Kind() == Object }

// Bool returns the value of a boolean node.
func (n *Node) Bool() bool { return n.Kind() == Bool && n.b }

// Str returns the value of a string node, or "" for other kinds.
func (n *Node) Str() string {
	if n.Kind() != String {
		return ""
	}
	return n.s
}

// Literal returns the number literal of a number node.
func (n *Node) Literal() string {
	if n.Kind() != Number {
		return ""
	}
	return n.s
}

// Int returns a number node as an integer.
func (n *Node) Int() (int64, bool) {
	if n.Kind() != Number {
		return 0, false
	}
	if i, err := strconv.ParseInt(n.s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(n.s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Float returns a number node as a float.
func (n *Node) Float() (float64, bool) {
	if n.Kind() != Number {
		return 0, false
	}
	f, err := strconv.ParseFloat(n.s, 64)
	return f, err == nil
}

// Len returns the number of items of an array or fields of an object.
func (n *Node) Len() int {
	switch n.Kind() {
	case Array:
		return len(n.items)
	case Object:
		return len(n.fields)
	}
	return 0
}

// Index returns item i of an array, or nil when out of range.
func (n *Node) Index(i int) *Node {
	if n.Kind() != Array || i < 0 || i >= len(n.items) {
		return nil
	}
	return n.items[i]
}

// Items returns the items of an array. The slice is shared with the node;
// mutating an item mutates the tree.
func (n *Node) Items() []*Node {
	if n.Kind() != Array {
		return nil
	}
	return n.items
}

// Append adds items to an array.
func (n *Node) Append(items ...*Node) error {
	if n.Kind() != Array {
		return fmt.Errorf("append to %s: %w", n.Kind(), ErrKind)
	}
	n.items = append(n.items, items...)
	return nil
}

// SetItems replaces the items of an array.
func (n *Node) SetItems(items []*Node) error {
	if n.Kind() != Array {
		return fmt.Errorf("set items of %s: %w", n.Kind(), ErrKind)
	}
	n.items = items
	return nil
}

// Get returns the value of field key, or nil when n is not an object or has
// no such field.
func (n *Node) Get(key string) *Node {
	if n.Kind() != Object {
		return nil
	}
	for i := range n.fields {
		if n.fields[i].Key == key {
			return n.fields[i].Value
		}
	}
	return nil
}

// Has reports whether an object has field key.
func (n *Node) Has(key string) bool {
	if n.Kind() != Object {
		return false
	}
	for i := range n.fields {
		if n.fields[i].Key == key {
			return true
		}
	}
	return false
}

// Set stores v under key. An existing field keeps its position; a new one is
// appended.
func (n *Node) Set(key string, v *Node) error {
	if n.Kind() != Object {
		return fmt.Errorf("set %q on %s: %w", key, n.Kind(), ErrKind)
	}
	if v == nil {
		v = NewNull()
	}
	for i := range n.fields {
		if n.fields[i].Key == key {
			n.fields[i].Value = v
			return nil
		}
	}
	n.fields = append(n.fields, Field{Key: key, Value: v})
	return nil
}

// Delete removes field key and reports whether it was present.
func (n *Node) Delete(key string) bool {
	if n.Kind() != Object {
		return false
	}
	for i := range n.fields {
		if n.fields[i].Key == key {
			n.fields = append(n.fields[:i], n.fields[i+1:]...)
			return true
		}
	}
	return false
}

// Keys returns the field names of an object in order.
func (n *Node) Keys() []string {
	if n.Kind() != Object {
		return nil
	}
	keys := make([]string, len(n.fields))
	for i, f := range n.fields {
		keys[i] = f.Key
	}
	return keys
}

// Fields returns a copy of the fields of an object in order.
func (n *Node) Fields() []Field {
	if n.Kind() != Object {
		return nil
	}
	out := make([]Field, len(n.fields))
	copy(out, n.fields)
	return out
}

// Lookup follows a dot separated path of field names and array indexes,
// e.g. "results.0.url". It returns nil when any step is missing.
func (n *Node) Lookup(path string) *Node {
	if path == "" {
		return n
	}
	cur := n
	for _, part := range strings.Split(path, ".") {
		switch cur.Kind() {
		case Object:
			cur = cur.Get(part)
		case Array:
			i, err := strconv.Atoi(part)
			if err != nil {
				return nil
			}
			cur = cur.Index(i)
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Replace makes n a deep copy of v, keeping n's identity so that holders
// of n observe the change.
func (n *Node) Replace(v *Node) {
	c := v.Clone()
	*n = *c
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return NewNull()
	}
	c := &Node{kind: n.kind, b: n.b, s: n.s}
	if n.items != nil {
		c.items = make([]*Node, len(n.items))
		for i, it := range n.items {
			c.items[i] = it.Clone()
		}
	}
	if n.fields != nil {
		c.fields = make([]Field, len(n.fields))
		for i, f := range n.fields {
			c.fields[i] = Field{Key: f.Key, Value: f.Value.Clone()}
		}
	}
	return c
}

func (n *Node) String() string {
	return string(n.AppendTo(nil))
}
