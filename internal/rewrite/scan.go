package rewrite

import "bytes"

type matchState int

const (
	noMatch matchState = iota
	fullMatch
	partialMatch
)

// matchAt tries the rules in order against the start of data. When final is
// false and data ends inside a rule's from value, the match is undecided and
// partialMatch is returned, even if a later rule would match in full.
func (rs *RuleSet) matchAt(data []byte, final bool) (int, matchState) {
	for i := range rs.rules {
		from := rs.rules[i].from
		if len(data) >= len(from) {
			if bytes.Equal(data[:len(from)], from) {
				return i, fullMatch
			}
			continue
		}

		if !final && bytes.HasPrefix(from, data) {
			return i, partialMatch
		}
	}

	return -1, noMatch
}

// candidate returns the first offset in [i, limit) where a rule may start,
// or limit when there is none.
func (rs *RuleSet) candidate(data []byte, i, limit int) int {
	base := rs.baseFrom
	if len(base) == 0 {
		for j := i; j < limit; j++ {
			if rs.first[data[j]] {
				return j
			}
		}
		return limit
	}

	end := min(len(data), limit+len(base)-1)
	if i < end {
		if k := bytes.Index(data[i:end], base); k >= 0 {
			return i + k
		}
	}

	// A truncated base prefix can only sit at the very end of the data.
	if end < len(data) {
		return limit
	}
	for j := max(i, len(data)-len(base)+1); j < limit; j++ {
		if bytes.HasPrefix(base, data[j:]) {
			return j
		}
	}
	return limit
}

// scan rewrites data from offset i and appends the result to dst. Only
// positions before limit are considered as match starts, but a match may
// extend past limit. It returns the offset up to which data was consumed.
// When pending is true, data[next:] is an undecided match prefix.
func (rs *RuleSet) scan(dst, data []byte, i, limit int, final bool) (out []byte, next int, pending bool) {
	for i < limit {
		c := rs.candidate(data, i, limit)
		dst = append(dst, data[i:c]...)
		i = c
		if i >= limit {
			break
		}

		n, state := rs.matchAt(data[i:], final)
		switch state {
		case fullMatch:
			r := &rs.rules[n]
			dst = append(dst, r.to...)
			i += len(r.from)
		case partialMatch:
			return dst, i, true
		default:
			dst = append(dst, data[i])
			i++
		}
	}

	return dst, i, false
}

// stream is the per-body rewriting state. The carry buffer holds the tail of
// the input seen so far that may still turn into a match; it is always
// shorter than the longest from value. A stream must not be shared between
// goroutines.
type stream struct {
	rs    *RuleSet
	carry []byte
}

// feed rewrites the next chunk of input and appends the decided output to dst.
func (s *stream) feed(dst, p []byte) []byte {
	if len(s.carry) > 0 {
		// Resolve the carried bytes first. Bytes of p beyond maxFrom can never
		// take part in a match starting inside the carry buffer.
		held := len(s.carry)
		head := append(s.carry, p[:min(len(p), s.rs.maxFrom)]...)

		var next int
		var pending bool
		dst, next, pending = s.rs.scan(dst, head, 0, held, false)
		if pending {
			// Only possible when head holds all of p.
			s.carry = append(head[:0], head[next:]...)
			return dst
		}

		s.carry = head[:0]
		p = p[next-held:]
	}

	dst, next, pending := s.rs.scan(dst, p, 0, len(p), false)
	if pending {
		s.carry = append(s.carry[:0], p[next:]...)
	}
	return dst
}

// flush ends the input. Carried bytes that did not turn into a match are
// emitted unchanged.
func (s *stream) flush(dst []byte) []byte {
	if len(s.carry) == 0 {
		return dst
	}
	dst, _, _ = s.rs.scan(dst, s.carry, 0, len(s.carry), true)
	s.carry = s.carry[:0]
	return dst
}

// Bytes rewrites a complete body in one pass.
func Bytes(rs *RuleSet, data []byte) []byte {
	out, _, _ := rs.scan(make([]byte, 0, len(data)), data, 0, len(data), true)
	return out
}

// String rewrites a complete string in one pass.
func String(rs *RuleSet, s string) string {
	if len(rs.rules) == 0 {
		return s
	}
	return string(Bytes(rs, []byte(s)))
}
