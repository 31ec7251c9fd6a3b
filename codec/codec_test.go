package codec

import "testing"

func TestBERoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	var be BE
	be.PutUint8(buf, 0, 0xAB)
	be.PutUint16(buf, 1, 0x1234)
	be.PutUint32(buf, 3, 0xDEADBEEF)
	be.PutUint64(buf, 7, 0x0102030405060708)
	if got := be.Uint8(buf, 0); got != 0xAB {
		t.Errorf("Uint8 = %#x, want 0xAB", got)
	}
	if got := be.Uint16(buf, 1); got != 0x1234 {
		t.Errorf("Uint16 = %#x, want 0x1234", got)
	}
	if got := be.Uint32(buf, 3); got != 0xDEADBEEF {
		t.Errorf("Uint32 = %#x, want 0xDEADBEEF", got)
	}
	if got := be.Uint64(buf, 7); got != 0x0102030405060708 {
		t.Errorf("Uint64 = %#x, want 0x0102030405060708", got)
	}
}

func TestLERoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	var le LE
	le.PutUint16(buf, 0, 0x1234)
	le.PutUint32(buf, 2, 0xDEADBEEF)
	le.PutUint64(buf, 6, 0x0102030405060708)
	if got := le.Uint16(buf, 0); got != 0x1234 {
		t.Errorf("Uint16 = %#x, want 0x1234", got)
	}
	if got := le.Uint32(buf, 2); got != 0xDEADBEEF {
		t.Errorf("Uint32 = %#x, want 0xDEADBEEF", got)
	}
	if got := le.Uint64(buf, 6); got != 0x0102030405060708 {
		t.Errorf("Uint64 = %#x, want 0x0102030405060708", got)
	}
}

func TestBELEDiffer(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x56, 0x78}
	if be, le := (BE{}).Uint32(buf, 0), (LE{}).Uint32(buf, 0); be == le {
		t.Errorf("expected BE and LE decodes of the same bytes to differ, both gave %#x", be)
	}
}

func TestInt32Sign(t *testing.T) {
	buf := make([]byte, 4)
	var le LE
	le.PutUint32(buf, 0, 0xFFFFFFFF)
	if got := le.Int32(buf, 0); got != -1 {
		t.Errorf("Int32 = %d, want -1", got)
	}
}
