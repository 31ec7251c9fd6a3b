package meter

import "testing"

// obisElement appends a (channel, index, type, tariff, value...) element.
func obisElement(buf []byte, channel, index, typ, tariff byte, value []byte) []byte {
	buf = append(buf, channel, index, typ, tariff)
	return append(buf, value...)
}

func emeterPayload(elements ...[]byte) []byte {
	buf := make([]byte, firstObisOffset)
	be.PutUint16(buf, susyIDOffset, 0x1234)
	be.PutUint32(buf, serialOffset, 1900300123)
	be.PutUint32(buf, timeOffset, 55000)
	for _, e := range elements {
		buf = append(buf, e...)
	}
	return buf
}

func TestParseHeaderFields(t *testing.T) {
	buf := emeterPayload()
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.SusyID != 0x1234 || h.Serial != 1900300123 || h.Time != 55000 {
		t.Errorf("header = %+v, want susyId=0x1234 serial=1900300123 time=55000", h)
	}
}

func TestIterateUint32Elements(t *testing.T) {
	v1 := make([]byte, 4)
	be.PutUint32(v1, 0, 1500) // active power total, type 4
	e1 := obisElement(nil, 1, 4, 4, 0, v1)

	v2 := make([]byte, 4)
	be.PutUint32(v2, 0, 2300)
	e2 := obisElement(nil, 2, 4, 4, 0, v2)

	h, err := ParseHeader(emeterPayload(e1, e2))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	var vals []uint32
	h.Do(func(e Element) bool {
		vals = append(vals, h.Uint32(e))
		return true
	})
	if len(vals) != 2 || vals[0] != 1500 || vals[1] != 2300 {
		t.Errorf("vals = %v, want [1500 2300]", vals)
	}
}

func TestUint64Element(t *testing.T) {
	v := make([]byte, 8)
	be.PutUint64(v, 0, 123456789012)
	e := obisElement(nil, 1, 8, 8, 0, v)
	h, err := ParseHeader(emeterPayload(e))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	first, ok := h.First()
	if !ok {
		t.Fatal("First() returned false")
	}
	if got := h.Uint64(first); got != 123456789012 {
		t.Errorf("Uint64 = %d, want 123456789012", got)
	}
}

func TestFirmwareVersionElement(t *testing.T) {
	v := make([]byte, 4)
	be.PutUint32(v, 0, 0x03010A00) // major 3, minor 1, build 10, rev 0
	e := obisElement(nil, firmwareVersionChannel, 1, 0, 0, v)
	h, err := ParseHeader(emeterPayload(e))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	first, ok := h.First()
	if !ok {
		t.Fatal("First() returned false")
	}
	if h.length(first.Offset) != 8 {
		t.Errorf("length = %d, want 8", h.length(first.Offset))
	}
	if got, want := h.FirmwareVersion(first), "3.1.10.0"; got != want {
		t.Errorf("FirmwareVersion = %q, want %q", got, want)
	}
}

func TestNextStopsAtPayloadEnd(t *testing.T) {
	v := make([]byte, 4)
	e := obisElement(nil, 1, 4, 4, 0, v)
	h, err := ParseHeader(emeterPayload(e))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	first, ok := h.First()
	if !ok {
		t.Fatal("expected a first element")
	}
	if _, ok := h.Next(first); ok {
		t.Error("Next() should report false at the end of the payload")
	}
}

func TestKeyPacksFourFields(t *testing.T) {
	v := make([]byte, 4)
	e := obisElement(nil, 21, 4, 4, 1, v)
	h, err := ParseHeader(emeterPayload(e))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	first, _ := h.First()
	want := uint32(21)<<24 | uint32(4)<<16 | uint32(4)<<8 | uint32(1)
	if got := h.Key(first); got != want {
		t.Errorf("Key = %#x, want %#x", got, want)
	}
}
