package socket

import "testing"

func TestStrategyString(t *testing.T) {
	cases := map[Strategy]string{
		OneSocketPerInterface:                 "one-socket-per-interface",
		OneSingleSocket:                       "one-single-socket",
		MulticastSingleAndUnicastPerInterface: "multicast-single-and-unicast-per-interface",
		UnicastPerInterface:                   "unicast-per-interface",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestNewFactoryRejectsUnknownStrategy(t *testing.T) {
	if _, err := NewFactory(Strategy(99), nil); err == nil {
		t.Error("expected an error for an unrecognised strategy")
	}
}
