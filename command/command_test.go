package command

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aamcrae/speedwire/codec"
	"github.com/aamcrae/speedwire/device"
	"github.com/aamcrae/speedwire/frame"
	"github.com/aamcrae/speedwire/inverter"
)

var le codec.LE

// fakeSocket is an in-memory Socket that lets a test script canned
// replies and inspect what was sent.
type fakeSocket struct {
	sent    [][]byte
	replies [][]byte
	peer    *net.UDPAddr

	// onSend, if set, is consulted once replies is empty: it lets a test
	// build a reply keyed off the packet id the request just used,
	// without needing a second goroutine to observe the send first.
	onSend func(sent []byte) []byte
}

func (f *fakeSocket) Send(buf []byte) error {
	f.sent = append(f.sent, append([]byte(nil), buf...))
	return nil
}

func (f *fakeSocket) RecvFrom(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	peer := f.peer
	if peer == nil {
		peer = &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: udpPort}
	}
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return r, peer, nil
	}
	if f.onSend != nil && len(f.sent) > 0 {
		r := f.onSend(f.sent[len(f.sent)-1])
		f.onSend = nil
		return r, peer, nil
	}
	return nil, nil, errors.New("fakeSocket: no more replies queued")
}

// buildLoginReply constructs a well-formed login response packet with
// the given error code and packet id, as if it came from dev.
func buildLoginReply(dev, local device.Address, packetID uint16, errCode uint16) []byte {
	b := frame.NewBuilder(1)
	lenOff, lwOff := b.BeginInverterData2(frame.ProtoInverter, 0xA0)
	h := inverter.HeaderFields{
		Dst:       local,
		Src:       dev,
		ErrorCode: errCode,
		PacketID:  packetID,
		CommandID: inverter.CmdLogin,
	}
	tmp := make([]byte, inverter.HeaderLen)
	inverter.EncodeHeader(tmp, h)
	b.Buf().Write(tmp)
	b.FinishInverterData2(lenOff, lwOff)
	b.End()
	return b.Bytes()
}

func TestLoginSuccess(t *testing.T) {
	l := NewLayer(device.Local)
	dev := device.Address{SusyID: 1001, Serial: 2000123456}
	sock := &fakeSocket{}
	l.AddSocket("eth0", sock)

	tok, err := l.SendLogin("eth0", dev, inverter.RoleUser, "0000", 1700000000, 0)
	if err != nil {
		t.Fatalf("SendLogin: %v", err)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sock.sent))
	}
	fields, err := inverter.DecodeHeader(mustData2Payload(t, sock.sent[0]))
	if err != nil {
		t.Fatalf("decode sent login: %v", err)
	}
	sock.replies = [][]byte{buildLoginReply(dev, device.Local, fields.PacketID, 0)}

	if err := l.WaitLogin("eth0", tok, time.Second); err != nil {
		t.Fatalf("WaitLogin: %v", err)
	}
	if l.tokens.Len() != 0 {
		t.Errorf("tokens remaining = %d, want 0", l.tokens.Len())
	}
}

func TestLoginInvalidPassword(t *testing.T) {
	l := NewLayer(device.Local)
	dev := device.Address{SusyID: 1001, Serial: 2000123456}
	sock := &fakeSocket{}
	l.AddSocket("eth0", sock)

	tok, _ := l.SendLogin("eth0", dev, inverter.RoleUser, "0000", 1700000000, 0)
	fields, _ := inverter.DecodeHeader(mustData2Payload(t, sock.sent[0]))
	sock.replies = [][]byte{buildLoginReply(dev, device.Local, fields.PacketID, 0x0100)}

	err := l.WaitLogin("eth0", tok, time.Second)
	if !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("WaitLogin err = %v, want ErrInvalidPassword", err)
	}
}

func TestLoginIgnoresMismatchedPacketIDThenMatches(t *testing.T) {
	l := NewLayer(device.Local)
	dev := device.Address{SusyID: 1001, Serial: 2000123456}
	sock := &fakeSocket{}
	l.AddSocket("eth0", sock)

	tok, _ := l.SendLogin("eth0", dev, inverter.RoleUser, "0000", 1700000000, 0)
	fields, _ := inverter.DecodeHeader(mustData2Payload(t, sock.sent[0]))
	sock.replies = [][]byte{
		buildLoginReply(dev, device.Local, fields.PacketID+1, 0), // unrelated packet id
		buildLoginReply(dev, device.Local, fields.PacketID, 0),
	}

	if err := l.WaitLogin("eth0", tok, time.Second); err != nil {
		t.Fatalf("WaitLogin: %v", err)
	}
}

func TestWaitLoginTimesOut(t *testing.T) {
	l := NewLayer(device.Local)
	dev := device.Address{SusyID: 1001, Serial: 2000123456}
	sock := &fakeSocket{}
	l.AddSocket("eth0", sock)

	tok, _ := l.SendLogin("eth0", dev, inverter.RoleUser, "0000", 1700000000, 0)
	err := l.WaitLogin("eth0", tok, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitLogin err = %v, want ErrTimeout", err)
	}
	if l.tokens.Len() != 0 {
		t.Errorf("tokens remaining = %d, want 0 after timeout", l.tokens.Len())
	}
}

// buildQueryReply constructs a well-formed register-query response
// carrying a single Unsigned32 record for registerID, followed by the
// all-zero trailer record DecodeRecords stops at.
func buildQueryReply(dev, local device.Address, packetID uint16, cmd, registerID uint32, errCode uint16, value uint32) []byte {
	b := frame.NewBuilder(1)
	lenOff, lwOff := b.BeginInverterData2(frame.ProtoInverter, 0xA0)
	h := inverter.HeaderFields{
		Dst:       local,
		Src:       dev,
		ErrorCode: errCode,
		PacketID:  packetID,
		CommandID: cmd,
		FirstReg:  registerID,
		LastReg:   registerID,
	}
	tmp := make([]byte, inverter.HeaderLen)
	inverter.EncodeHeader(tmp, h)
	b.Buf().Write(tmp)
	rec := make([]byte, 16)
	le.PutUint32(rec, 0, registerID) // connector 0, type Unsigned32
	le.PutUint32(rec, 4, 1700000000) // inverter clock
	le.PutUint32(rec, 8, value)
	b.Buf().Write(rec)
	b.FinishInverterData2(lenOff, lwOff)
	b.End()
	return b.Bytes()
}

func TestQuerySuccess(t *testing.T) {
	l := NewLayer(device.Local)
	dev := device.Address{SusyID: 1001, Serial: 2000123456}
	sock := &fakeSocket{}
	l.AddSocket("eth0", sock)
	sock.onSend = func(sent []byte) []byte {
		fields, err := inverter.DecodeHeader(mustData2Payload(t, sent))
		if err != nil {
			t.Fatalf("decode sent query: %v", err)
		}
		return buildQueryReply(dev, device.Local, fields.PacketID, inverter.CmdACSpot, 0x263F00, 0, 2500)
	}

	recs, err := l.Query("eth0", dev, inverter.CmdACSpot, 0x263F00, 0x263F00, time.Second, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].Value != 2500 {
		t.Errorf("Query records = %+v, want one record with value 2500", recs)
	}
	if l.tokens.Len() != 0 {
		t.Errorf("tokens remaining = %d, want 0", l.tokens.Len())
	}
}

func TestQueryLostConnection(t *testing.T) {
	l := NewLayer(device.Local)
	dev := device.Address{SusyID: 1001, Serial: 2000123456}
	sock := &fakeSocket{}
	l.AddSocket("eth0", sock)
	sock.onSend = func(sent []byte) []byte {
		fields, err := inverter.DecodeHeader(mustData2Payload(t, sent))
		if err != nil {
			t.Fatalf("decode sent query: %v", err)
		}
		return buildQueryReply(dev, device.Local, fields.PacketID, inverter.CmdACSpot, 0x263F00, errCodeLostConnection, 0)
	}

	_, err := l.Query("eth0", dev, inverter.CmdACSpot, 0x263F00, 0x263F00, time.Second, 0)
	if !errors.Is(err, ErrLostConnection) {
		t.Errorf("Query err = %v, want ErrLostConnection", err)
	}
}

func mustData2Payload(t *testing.T, buf []byte) []byte {
	t.Helper()
	h, err := frame.Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tag, ok := h.FindTag(frame.TagData2)
	if !ok {
		t.Fatal("no data2 tag")
	}
	d, err := frame.ParseData2(h, tag)
	if err != nil {
		t.Fatalf("ParseData2: %v", err)
	}
	return d.FunctionalPayload()
}
