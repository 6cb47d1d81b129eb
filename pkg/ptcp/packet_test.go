package ptcp

import (
	"bytes"
	"testing"
)

func roundtrip(t *testing.T, p Packet) Packet {
	t.Helper()
	buf := p.Marshal(nil)
	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse(%x): %v", buf, err)
	}
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		p    Packet
	}{
		{"empty", Packet{Sent: 1, Recv: 2, PID: 3, LMID: 4, RMID: 5, Body: Empty()}},
		{"sync", Packet{Sent: 0, Recv: 0, PID: pidSync, LMID: 0, RMID: 0, Body: Sync()}},
		{"heartbeat", Packet{LMID: 9, Body: Heartbeat()}},
		{"command", Packet{LMID: 1, Body: Command([]byte{0x11, 0x00, 0x00, 0x00, 0xDE, 0xAD, 0xBE, 0xEF})}},
		{"payload", Packet{LMID: 2, Body: Payload(0xCAFEBABE, []byte("hello world"))}},
		{"payload-empty-data", Packet{LMID: 3, Body: Payload(1, nil)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundtrip(t, tc.p)
			if got.Sent != tc.p.Sent || got.Recv != tc.p.Recv || got.LMID != tc.p.LMID || got.RMID != tc.p.RMID {
				t.Fatalf("header mismatch: got %+v, want %+v", got, tc.p)
			}
			if got.Body.Kind != tc.p.Body.Kind || got.Body.Realm != tc.p.Body.Realm || !bytes.Equal(got.Body.Data, tc.p.Body.Data) {
				t.Fatalf("body mismatch: got %+v, want %+v", got.Body, tc.p.Body)
			}
		})
	}
}

func TestCodecSerializeInverseOfParse(t *testing.T) {
	// A well-formed wire capture of an Empty-bodied packet; serialize(parse(b)) == b.
	cases := [][]byte{
		append(append([]byte{}, magic[:]...), []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0}...),
	}
	for _, b := range cases {
		p, err := Parse(b)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		got := p.Marshal(nil)
		if !bytes.Equal(got, b) {
			t.Fatalf("serialize(parse(b)) != b: got %x, want %x", got, b)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		if _, err := Parse(make([]byte, 10)); err == nil {
			t.Fatal("expected error for short packet")
		}
	})
	t.Run("bad magic", func(t *testing.T) {
		buf := make([]byte, HeaderLen)
		copy(buf, "XXXX")
		if _, err := Parse(buf); err == nil {
			t.Fatal("expected error for bad magic")
		}
	})
	t.Run("bad payload padding", func(t *testing.T) {
		buf := make([]byte, HeaderLen)
		copy(buf, magic[:])
		body := []byte{0x10, 0x00, 0x00, 0x01, 0, 0, 0, 1, 0, 0, 0, 1, 0xAA}
		buf = append(buf, body...)
		if _, err := Parse(buf); err == nil {
			t.Fatal("expected error for nonzero padding")
		}
	})
	t.Run("bad payload length", func(t *testing.T) {
		buf := make([]byte, HeaderLen)
		copy(buf, magic[:])
		body := []byte{0x10, 0x00, 0x00, 0x05, 0, 0, 0, 1, 0, 0, 0, 0, 0xAA} // declares len 5, has 1
		buf = append(buf, body...)
		if _, err := Parse(buf); err == nil {
			t.Fatal("expected error for length mismatch")
		}
	})
}

func TestBodyLenMatchesMarshalLen(t *testing.T) {
	bodies := []Body{
		Empty(), Sync(), Heartbeat(),
		Command([]byte{0x12, 0x00, 0x00, 0x00}),
		Payload(1, []byte("12345")),
	}
	for _, b := range bodies {
		got := len(b.Marshal(nil))
		if got != b.Len() {
			t.Errorf("%s: Len()=%d, len(Marshal())=%d", b.Kind, b.Len(), got)
		}
	}
}
