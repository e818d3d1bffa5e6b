package rewrite

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrEmptyRule is returned when a rule would match the empty string.
var ErrEmptyRule = errors.New("rewrite rule with empty from value")

// Rule replaces the literal From bytes with the To bytes.
type Rule struct {
	from     []byte
	to       []byte
	fromText string
	toText   string
}

// NewRule creates a rule replacing from with to.
func NewRule(from, to string) Rule {
	return Rule{
		from:     []byte(from),
		to:       []byte(to),
		fromText: from,
		toText:   to,
	}
}

// From returns the bytes matched by the rule. The slice must not be modified.
func (r Rule) From() []byte { return r.from }

// To returns the replacement bytes. The slice must not be modified.
func (r Rule) To() []byte { return r.to }

// FromText returns the matched value as a string.
func (r Rule) FromText() string { return r.fromText }

// ToText returns the replacement as a string.
func (r Rule) ToText() string { return r.toText }

// Reverse returns the rule with from and to swapped.
func (r Rule) Reverse() Rule {
	return Rule{
		from:     r.to,
		to:       r.from,
		fromText: r.toText,
		toText:   r.fromText,
	}
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s", r.fromText, r.toText)
}

// RuleSet is an immutable, ordered collection of rules. It is safe for
// concurrent use.
type RuleSet struct {
	baseFrom []byte
	baseTo   []byte
	rules    []Rule
	maxFrom  int

	// first marks every byte a rule can start with. Only consulted when
	// the rules share no common prefix.
	first [256]bool
}

// NewRuleSet creates a RuleSet from rules, keeping their order. Earlier
// rules take precedence over later ones matching at the same position.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{
		rules: make([]Rule, len(rules)),
	}
	copy(rs.rules, rules)

	froms := make([][]byte, len(rules))
	tos := make([][]byte, len(rules))
	for i, r := range rules {
		if len(r.from) == 0 {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r, ErrEmptyRule)
		}
		froms[i] = r.from
		tos[i] = r.to
		rs.maxFrom = max(rs.maxFrom, len(r.from))
		rs.first[r.from[0]] = true
	}

	rs.baseFrom = commonPrefix(froms)
	rs.baseTo = commonPrefix(tos)
	return rs, nil
}

// MustRuleSet is like NewRuleSet but panics on error.
func MustRuleSet(rules ...Rule) *RuleSet {
	rs, err := NewRuleSet(rules...)
	if err != nil {
		panic(err)
	}
	return rs
}

// Reverse returns a RuleSet rewriting in the opposite direction. Rule order
// is preserved, so Reverse is involutive.
func (rs *RuleSet) Reverse() *RuleSet {
	rules := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		rules[i] = r.Reverse()
	}

	rev, err := NewRuleSet(rules...)
	if err != nil {
		// A rule with an empty to value reverses into an empty from value.
		// Such a set can only rewrite one way; it passes data through in reverse.
		rev, _ = NewRuleSet()
	}
	return rev
}

// Rules returns a copy of the rules in declaration order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// BaseFrom returns the prefix shared by every rule's from value.
func (rs *RuleSet) BaseFrom() []byte { return rs.baseFrom }

// BaseTo returns the prefix shared by every rule's to value.
func (rs *RuleSet) BaseTo() []byte { return rs.baseTo }

// MaxFrom returns the length of the longest from value.
func (rs *RuleSet) MaxFrom() int { return rs.maxFrom }

// Equal reports whether both sets hold the same rules in the same order.
func (rs *RuleSet) Equal(other *RuleSet) bool {
	if rs == nil || other == nil {
		return rs == other
	}
	if len(rs.rules) != len(other.rules) {
		return false
	}
	for i := range rs.rules {
		if !bytes.Equal(rs.rules[i].from, other.rules[i].from) ||
			!bytes.Equal(rs.rules[i].to, other.rules[i].to) {
			return false
		}
	}
	return bytes.Equal(rs.baseFrom, other.baseFrom) && bytes.Equal(rs.baseTo, other.baseTo)
}

// commonPrefix returns the longest prefix shared by all values.
func commonPrefix(values [][]byte) []byte {
	if len(values) == 0 {
		return nil
	}
	prefix := values[0]
	for _, v := range values[1:] {
		n := 0
		for n < len(prefix) && n < len(v) && prefix[n] == v[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return bytes.Clone(prefix)
}
