package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/aamcrae/speedwire/device"
	"github.com/aamcrae/speedwire/frame"
	"github.com/aamcrae/speedwire/inverter"
)

// fakeTransport hands back a fixed sequence of packets from RecvFrom and
// otherwise reports no traffic, exercising the poll-until-idle loop
// without a real socket.
type fakeTransport struct {
	ifaceIP string
	inbox   [][]byte
	peer    *net.UDPAddr
	sent    [][]byte
}

func (f *fakeTransport) SendTo(buf []byte, dst *net.UDPAddr) error {
	f.sent = append(f.sent, append([]byte(nil), buf...))
	return nil
}

func (f *fakeTransport) RecvFrom(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if len(f.inbox) == 0 {
		time.Sleep(timeout)
		return nil, nil, nil
	}
	buf := f.inbox[0]
	f.inbox = f.inbox[1:]
	return buf, f.peer, nil
}

func (f *fakeTransport) InterfaceIP() string { return f.ifaceIP }

// inverterReply builds a canned inverter-protocol reply (spec §8 scenario
// 1) carrying srcSusy=0x01B3, srcSerial=0x2A84017A.
func inverterReply(src device.Address) []byte {
	b := frame.NewBuilder(1)
	lenOff, lwOff := b.BeginInverterData2(frame.ProtoInverter, 0)
	h := inverter.HeaderFields{
		Dst:       device.Address{SusyID: 0xFFFF, Serial: 0xFFFFFFFF},
		Src:       src,
		PacketID:  0x8001,
		CommandID: inverter.CmdACSpot,
		FirstReg:  0x263F00,
		LastReg:   0x263FFF,
	}
	buf := make([]byte, inverter.HeaderLen)
	inverter.EncodeHeader(buf, h)
	b.Buf().Write(buf)
	b.Buf().Write(make([]byte, 28)) // one 28 byte record's worth of padding
	b.FinishInverterData2(lenOff, lwOff)
	b.End()
	return b.Bytes()
}

func TestDiscoveryUnicastRegistersInverter(t *testing.T) {
	reg := NewRegistry()
	reg.PreRegister("192.168.182.18", "192.168.182.5")

	src := device.Address{SusyID: 0x01B3, Serial: 0x2A84017A}
	peerAddr := &net.UDPAddr{IP: net.ParseIP("192.168.182.18"), Port: 9522}
	tr := &fakeTransport{
		ifaceIP: "192.168.182.5",
		inbox:   [][]byte{inverterReply(src)},
		peer:    peerAddr,
	}

	var pktID uint16 = 0x8000
	d := &Discoverer{
		Registry:   reg,
		Local:      device.Address{SusyID: 125, Serial: 900000001},
		Transports: map[string]Transport{"192.168.182.5": tr},
		NextPktID:  func() uint16 { pktID++; return pktID | 0x8000 },
		Options:    Options{PollTimeout: time.Millisecond, IdleTimeout: 5 * time.Millisecond},
	}
	d.Run()

	recs := reg.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %+v, want exactly one", recs)
	}
	rec := recs[0]
	if !rec.Registered() {
		t.Fatalf("record not fully registered: %+v", rec)
	}
	if rec.Address != src {
		t.Errorf("Address = %v, want %v", rec.Address, src)
	}
	if rec.Class != device.PVInverter {
		t.Errorf("Class = %v, want PVInverter", rec.Class)
	}
	if rec.PeerIP != "192.168.182.18" {
		t.Errorf("PeerIP = %s, want 192.168.182.18", rec.PeerIP)
	}
}

func TestDiscoveryIgnoresOwnProbe(t *testing.T) {
	reg := NewRegistry()
	probe := inverter.BuildDiscoveryProbe(device.Address{SusyID: 125, Serial: 900000001}, 0x8001)
	tr := &fakeTransport{
		ifaceIP: "10.0.0.5",
		inbox:   [][]byte{probe},
		peer:    &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9522},
	}
	d := &Discoverer{
		Registry:   reg,
		Local:      device.Address{SusyID: 125, Serial: 900000001},
		Transports: map[string]Transport{"10.0.0.5": tr},
		NextPktID:  func() uint16 { return 0x8001 },
		Options:    Options{PollTimeout: time.Millisecond, IdleTimeout: 5 * time.Millisecond},
	}
	d.Run()
	if len(reg.Records()) != 0 {
		t.Errorf("records = %+v, want none (own probe must not be registered)", reg.Records())
	}
}
