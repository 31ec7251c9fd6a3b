package inverter

import (
	"testing"

	"github.com/aamcrae/speedwire/device"
	"github.com/aamcrae/speedwire/frame"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := HeaderFields{
		Dst:        device.Address{SusyID: 0xFFFF, Serial: 0xFFFFFFFF},
		DstControl: 0,
		Src:        device.Address{SusyID: 125, Serial: 900000001},
		SrcControl: 0,
		ErrorCode:  0,
		PacketID:   0x8001,
		CommandID:  CmdACSpot,
		FirstReg:   0x263F00,
		LastReg:    0x263FFF,
	}
	buf := make([]byte, HeaderLen)
	EncodeHeader(buf, h)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("DecodeHeader = %+v, want %+v", got, h)
	}
}

func TestEncodePasswordPadsWithConstant(t *testing.T) {
	enc := EncodePassword("0000", RoleUser)
	for i, b := range enc {
		if i < 4 {
			if b != '0'+0x88 {
				t.Errorf("enc[%d] = %#x, want %#x", i, b, '0'+0x88)
			}
		} else if b != 0x88 {
			t.Errorf("enc[%d] = %#x (pad), want 0x88", i, b)
		}
	}
}

func TestDecodeRecordsUint32(t *testing.T) {
	// One AC-spot-like record: uint32 register 0x263F00, value 1500 (W).
	const first, last = 0x263F00, 0x263F00
	body := make([]byte, 16) // record length 12 (header8 + value4) + zero trailer4
	le.PutUint32(body, 0, 0x00263F00) // registerId in bits[8:24], connector 0, type Unsigned32(0)
	le.PutUint32(body, 4, 1700000000) // time
	le.PutUint32(body, 8, 1500)       // value
	records, err := DecodeRecords(body, first, last)
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if r.RegisterID != 0x263F00 {
		t.Errorf("RegisterID = %#x, want 0x263F00", r.RegisterID)
	}
	if r.Value != 1500 {
		t.Errorf("Value = %d, want 1500", r.Value)
	}
}

func TestDecodeRecordsStopsAtZeroWord(t *testing.T) {
	body := make([]byte, 16)
	// All-zero record: DecodeRecords should see the leading zero word and stop.
	records, err := DecodeRecords(body, 0, 0)
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestDecodeRecordsRejectsShortRecords(t *testing.T) {
	body := make([]byte, 8) // below minRecordLen(12) for a single register
	le.PutUint32(body, 0, 1) // non-zero so it isn't treated as a trailer
	if _, err := DecodeRecords(body, 0, 0); err == nil {
		t.Error("expected an error for a too-short derived record length")
	}
}

func TestBuildLoginProducesParsableFrame(t *testing.T) {
	src := device.Local
	dst := device.Broadcast
	buf := BuildLogin(src, dst, RoleUser, "0000", 0x8001, 1700000000)
	h, err := frame.Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tag, ok := h.FindTag(frame.TagData2)
	if !ok {
		t.Fatal("expected a data2 tag")
	}
	d, err := frame.ParseData2(h, tag)
	if err != nil {
		t.Fatalf("ParseData2: %v", err)
	}
	fields, err := DecodeHeader(d.FunctionalPayload())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if fields.CommandID != CmdLogin {
		t.Errorf("CommandID = %#x, want %#x", fields.CommandID, CmdLogin)
	}
	if fields.PacketID != 0x8001 {
		t.Errorf("PacketID = %#x, want 0x8001", fields.PacketID)
	}
}
