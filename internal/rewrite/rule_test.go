package rewrite

import (
	"errors"
	"testing"
)

func TestNewRuleSetEmptyFrom(t *testing.T) {
	_, err := NewRuleSet(NewRule("a", "b"), NewRule("", "c"))
	if !errors.Is(err, ErrEmptyRule) {
		t.Errorf("got %v, want ErrEmptyRule", err)
	}
}

func TestRuleSetBases(t *testing.T) {
	rs := MustRuleSet(
		NewRule("https://remote.org/api/zaken/", "http://gw/zaken/"),
		NewRule("https://remote.org/api/besluiten/", "http://gw/besluiten/"),
	)
	if got := string(rs.BaseFrom()); got != "https://remote.org/api/" {
		t.Errorf("base from: got %q", got)
	}
	if got := string(rs.BaseTo()); got != "http://gw/" {
		t.Errorf("base to: got %q", got)
	}
	if rs.MaxFrom() != len("https://remote.org/api/besluiten/") {
		t.Errorf("max from: got %d", rs.MaxFrom())
	}

	noBase := MustRuleSet(NewRule("abc", "1"), NewRule("xyz", "2"))
	if len(noBase.BaseFrom()) != 0 {
		t.Errorf("expected empty base, got %q", noBase.BaseFrom())
	}
	if got := String(noBase, "-abc-xyz-"); got != "-1-2-" {
		t.Errorf("got %q", got)
	}
}

func TestReverseInvolutive(t *testing.T) {
	rs := MustRuleSet(
		NewRule("http://a/", "http://b/x/"),
		NewRule("http://a/y/", "http://b/"),
	)
	rev := rs.Reverse()
	if rev.Rules()[0].FromText() != "http://b/x/" {
		t.Errorf("reverse order changed: %v", rev.Rules())
	}
	if !rev.Reverse().Equal(rs) {
		t.Errorf("reverse of reverse differs: %v", rev.Reverse().Rules())
	}
}

func TestReverseEmptyTo(t *testing.T) {
	rs := MustRuleSet(NewRule("secret", ""))
	if got := String(rs, "a secret b"); got != "a  b" {
		t.Errorf("got %q", got)
	}
	if rev := rs.Reverse(); rev.Len() != 0 {
		t.Errorf("reverse of deleting rule has %d rules", rev.Len())
	}
}
