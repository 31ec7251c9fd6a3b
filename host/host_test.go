package host

import "testing"

func TestMatchLongestPrefix(t *testing.T) {
	h := LocalHost{}
	locals := []string{"192.168.1.5", "10.0.0.5", "192.168.2.9"}
	got := h.MatchLongestPrefix("192.168.1.200", locals)
	if got != "192.168.1.5" {
		t.Errorf("MatchLongestPrefix = %q, want 192.168.1.5", got)
	}
}

func TestMatchLongestPrefixNoLocals(t *testing.T) {
	h := LocalHost{}
	if got := h.MatchLongestPrefix("10.0.0.1", nil); got != "" {
		t.Errorf("MatchLongestPrefix with no locals = %q, want empty", got)
	}
}

func TestLocalIPv4AddressesRuns(t *testing.T) {
	h := LocalHost{}
	if _, err := h.LocalIPv4Addresses(); err != nil {
		t.Fatalf("LocalIPv4Addresses: %v", err)
	}
}
