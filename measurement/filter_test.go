package measurement

import (
	"encoding/binary"
	"testing"

	"github.com/aamcrae/speedwire/meter"
)

// recordedSample is one call a fakeConsumer observed.
type recordedSample struct {
	serial uint32
	m      Measurement
	value  float64
	ts     uint32
}

type fakeConsumer struct {
	samples []recordedSample
	batches []uint32
}

func (c *fakeConsumer) Consume(serial uint32, m Measurement, value float64, ts uint32) {
	c.samples = append(c.samples, recordedSample{serial, m, value, ts})
}

func (c *fakeConsumer) EndOfBatch(serial uint32, ts uint32) {
	c.batches = append(c.batches, ts)
}

// obisKey packs the four OBIS header fields the same way meter.Header.Key
// does, for building canned test payloads.
func obisKey(channel, index, typ, tariff uint8) uint32 {
	return uint32(channel)<<24 | uint32(index)<<16 | uint32(typ)<<8 | uint32(tariff)
}

// buildEmeterPayload constructs a minimal emeter Data2 functional payload:
// the 10 byte fixed header followed by a type-4 (unsigned32) OBIS element
// per entry in elems (channel, index, value).
func buildEmeterPayload(susy uint16, serial, when uint32, elems [][3]uint32) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:2], susy)
	binary.BigEndian.PutUint32(buf[2:6], serial)
	binary.BigEndian.PutUint32(buf[6:10], when)
	for _, e := range elems {
		head := make([]byte, 8)
		head[0] = byte(e[0]) // channel
		head[1] = byte(e[1]) // index
		head[2] = 4          // type: unsigned32
		head[3] = 0          // tariff
		binary.BigEndian.PutUint32(head[4:8], e[2])
		buf = append(buf, head...)
	}
	return buf
}

// TestOBISDecode is spec §8 scenario 2: OBIS (0,1,4,0) with payload 0x57
// should decode to 8.7W.
func TestOBISDecode(t *testing.T) {
	payload := buildEmeterPayload(0x3A, 0x1234, 1000, [][3]uint32{{0, 1, 0x57}})
	h, err := meter.ParseHeader(payload)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	f := NewOBISFilter()
	key := obisKey(0, 1, 4, 0)
	f.Register(key, Measurement{Static: PositiveActivePower, Wire: Total, Key: key}, 8)
	c := &fakeConsumer{}
	f.AddConsumer(c)

	f.Feed(0x1234, h)

	if len(c.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(c.samples))
	}
	got := c.samples[0]
	if got.value != 8.7 {
		t.Errorf("value = %v, want 8.7", got.value)
	}
	if got.ts != 1000 {
		t.Errorf("ts = %d, want 1000", got.ts)
	}
	if len(c.batches) != 1 || c.batches[0] != 1000 {
		t.Errorf("batches = %v, want [1000]", c.batches)
	}
}

// TestSignedTotalSynthesis is spec §8 scenario 3: positive=100,
// negative=30 at the same timestamp T should yield a signed total of +70
// once EndOfObisData runs.
func TestSignedTotalSynthesis(t *testing.T) {
	const T = 5000
	posKey := obisKey(0, 1, 4, 0)
	negKey := obisKey(0, 2, 4, 0)
	payload := buildEmeterPayload(0x3A, 0x1234, T, [][3]uint32{
		{0, 1, 1000}, // 100W at divisor 10
		{0, 2, 300},  // 30W at divisor 10
	})
	h, err := meter.ParseHeader(payload)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	emeter := NewOBISFilter()
	emeter.Register(posKey, Measurement{Static: PositiveActivePower, Wire: Total, Key: posKey}, 8)
	emeter.Register(negKey, Measurement{Static: NegativeActivePower, Wire: Total, Key: negKey}, 8)
	emeter.Feed(0x1234, h)

	dv := NewDerivedValues(emeter, nil)
	dv.Now = func() int64 { return int64(T) }
	c := &fakeConsumer{}
	dv.AddConsumer(c)

	dv.EndOfObisData(0x1234, T)

	var found bool
	for _, s := range c.samples {
		if s.m.Static.Quantity == Power && s.m.Wire == Total && s.m.Static.Direction == Signed {
			found = true
			if s.value != 70 {
				t.Errorf("signed total = %v, want 70", s.value)
			}
			if s.ts != T {
				t.Errorf("ts = %d, want %d", s.ts, T)
			}
		}
	}
	if !found {
		t.Fatal("no signed total published")
	}
}
