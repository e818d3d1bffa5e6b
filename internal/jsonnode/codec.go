package jsonnode

import (
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrInvalid is returned by Parse for malformed JSON.
var ErrInvalid = errors.New("jsonnode: invalid json")

// Parse parses a JSON document into a tree.
func Parse(data []byte) (*Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalid
	}
	return FromResult(gjson.ParseBytes(data)), nil
}

// FromResult converts a gjson result into a tree. Duplicate object keys keep
// the first position and the last value.
func FromResult(r gjson.Result) *Node {
	switch r.Type {
	case gjson.False:
		return NewBool(false)
	case gjson.True:
		return NewBool(true)
	case gjson.Number:
		return &Node{kind: Number, s: r.Raw}
	case gjson.String:
		return NewString(r.Str)
	case gjson.JSON:
		if r.IsArray() {
			n := &Node{kind: Array, items: []*Node{}}
			r.ForEach(func(_, v gjson.Result) bool {
				n.items = append(n.items, FromResult(v))
				return true
			})
			return n
		}
		n := NewObject()
		r.ForEach(func(k, v gjson.Result) bool {
			_ = n.Set(k.Str, FromResult(v))
			return true
		})
		return n
	}
	return NewNull()
}

// Marshal encodes the tree as compact JSON.
func Marshal(n *Node) []byte {
	return n.AppendTo(nil)
}

// AppendTo appends the compact JSON encoding of n to dst.
func (n *Node) AppendTo(dst []byte) []byte {
	switch n.Kind() {
	case Bool:
		return strconv.AppendBool(dst, n.b)
	case Number:
		if n.s == "" {
			return append(dst, '0')
		}
		return append(dst, n.s...)
	case String:
		return appendString(dst, n.s)
	case Array:
		dst = append(dst, '[')
		for i, it := range n.items {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = it.AppendTo(dst)
		}
		return append(dst, ']')
	case Object:
		dst = append(dst, '{')
		for i, f := range n.fields {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendString(dst, f.Key)
			dst = append(dst, ':')
			dst = f.Value.AppendTo(dst)
		}
		return append(dst, '}')
	}
	return append(dst, "null"...)
}

// MarshalJSON implements json.Marshaler.
func (n *Node) MarshalJSON() ([]byte, error) {
	return n.AppendTo(nil), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	p, err := Parse(data)
	if err != nil {
		return err
	}
	*n = *p
	return nil
}

const hex = "0123456789abcdef"

// appendString quotes s. Unlike encoding/json it leaves <, > and & alone,
// so URLs with query strings survive unchanged for the byte rewriter.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); {
		if c := s[i]; c < utf8.RuneSelf {
			if c >= 0x20 && c != '"' && c != '\\' {
				i++
				continue
			}
			dst = append(dst, s[start:i]...)
			switch c {
			case '"', '\\':
				dst = append(dst, '\\', c)
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			default:
				dst = append(dst, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
			}
			i++
			start = i
			continue
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, s[start:i]...)
			dst = append(dst, "\ufffd"...)
			i += size
			start = i
			continue
		}
		if r == '\u2028' || r == '\u2029' {
			dst = append(dst, s[start:i]...)
			dst = append(dst, '\\', 'u', '2', '0', '2', hex[r&0xf])
			i += size
			start = i
			continue
		}
		i += size
	}
	dst = append(dst, s[start:]...)
	return append(dst, '"')
}
