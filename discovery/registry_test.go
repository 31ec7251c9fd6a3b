package discovery

import (
	"testing"

	"github.com/aamcrae/speedwire/device"
)

func TestPreRegisterThenPromote(t *testing.T) {
	r := NewRegistry()
	r.PreRegister("192.168.1.20", "192.168.1.5")
	recs := r.Records()
	if len(recs) != 1 || recs[0].Registered() {
		t.Fatalf("after PreRegister, records = %+v, want one unregistered record", recs)
	}

	full := device.Record{
		Address:     device.Address{SusyID: 0x01B3, Serial: 0x2A84017A},
		Class:       device.PVInverter,
		PeerIP:      "192.168.1.20",
		InterfaceIP: "192.168.1.5",
	}
	if outcome := r.Register(full); outcome != Updated {
		t.Errorf("Register(full) = %v, want Updated", outcome)
	}
	recs = r.Records()
	if len(recs) != 1 || !recs[0].Registered() || recs[0].Address != full.Address {
		t.Errorf("after promotion, records = %+v", recs)
	}
}

func TestRegisterNewAppendsWithoutPreRegistration(t *testing.T) {
	r := NewRegistry()
	full := device.Record{Address: device.Address{SusyID: 1, Serial: 2}, PeerIP: "10.0.0.5"}
	if outcome := r.Register(full); outcome != New {
		t.Errorf("Register(full) = %v, want New", outcome)
	}
	if outcome := r.Register(full); outcome != Updated {
		t.Errorf("re-registering an identical record = %v, want Updated (no duplicate)", outcome)
	}
	if len(r.Records()) != 1 {
		t.Errorf("records = %v, want exactly one (no duplicate)", r.Records())
	}
}

func TestUnregisterByStructuralEquality(t *testing.T) {
	r := NewRegistry()
	rec := device.Record{Address: device.Address{SusyID: 1, Serial: 2}, PeerIP: "10.0.0.5"}
	r.Register(rec)
	r.Unregister(rec)
	if len(r.Records()) != 0 {
		t.Errorf("records after Unregister = %v, want empty", r.Records())
	}
}

func TestLookupAndPeerIP(t *testing.T) {
	r := NewRegistry()
	addr := device.Address{SusyID: 1, Serial: 2}
	r.Register(device.Record{Address: addr, PeerIP: "10.0.0.9"})
	ip, ok := r.PeerIP(addr)
	if !ok || ip != "10.0.0.9" {
		t.Errorf("PeerIP = (%q, %v), want (10.0.0.9, true)", ip, ok)
	}
	if _, ok := r.PeerIP(device.Address{SusyID: 9, Serial: 9}); ok {
		t.Error("PeerIP found an address that was never registered")
	}
}
