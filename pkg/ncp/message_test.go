package ncp

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

var allKinds = []SignalKind{SignalData, SignalElectionRequest, SignalNomination, SignalVote, SignalVictory}

func TestEncodeLayout(t *testing.T) {
	m := NewMessage(0x0102, SignalVote, 1.0)
	got := m.Encode()
	want := []byte{0x01, 0x02, 0x03, 0x3f, 0x80, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = % x, want % x", got, want)
	}
}

func TestRoundTripSpecialValues(t *testing.T) {
	tests := []struct {
		name  string
		value float32
	}{
		{"zero", 0},
		{"negative zero", float32(math.Copysign(0, -1))},
		{"one", 1},
		{"max", math.MaxFloat32},
		{"smallest subnormal", math.SmallestNonzeroFloat32},
		{"quiet nan", math.Float32frombits(0x7fc00000)},
		{"signalling nan", math.Float32frombits(0x7f800001)},
		{"negative nan", math.Float32frombits(0xffc00001)},
		{"+inf", float32(math.Inf(1))},
		{"-inf", float32(math.Inf(-1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, kind := range allKinds {
				in := NewMessage(65535, kind, tt.value)
				out, err := Decode(in.Encode())
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if out.SenderID != in.SenderID || out.Kind != in.Kind {
					t.Fatalf("Decode() = %+v, want %+v", out, in)
				}
				if math.Float32bits(out.Value) != math.Float32bits(in.Value) {
					t.Fatalf("value bits = %#08x, want %#08x", math.Float32bits(out.Value), math.Float32bits(in.Value))
				}
			}
		})
	}
}

func TestRoundTripEverySenderID(t *testing.T) {
	for id := 0; id <= math.MaxUint16; id++ {
		kind := allKinds[id%len(allKinds)]
		in := NewMessage(uint16(id), kind, float32(id)/3)
		out, err := Decode(in.Encode())
		if err != nil {
			t.Fatalf("id %d: Decode() error = %v", id, err)
		}
		if out != in {
			t.Fatalf("id %d: got %+v, want %+v", id, out, in)
		}
	}
}

func TestDecodeUnknownSignalKind(t *testing.T) {
	for tag := 5; tag <= 255; tag++ {
		frame := []byte{0, 7, byte(tag), 0, 0, 0, 0}
		_, err := Decode(frame)
		if !errors.Is(err, ErrUnknownSignalKind) {
			t.Fatalf("tag %d: err = %v, want ErrUnknownSignalKind", tag, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	full := NewMessage(1, SignalData, 2).Encode()
	for n := 0; n < FrameSize; n++ {
		if _, err := Decode(full[:n]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("len %d: err = %v, want ErrTruncated", n, err)
		}
	}
}

func TestReadWriteStream(t *testing.T) {
	var buf bytes.Buffer
	sent := []Message{
		NewMessage(0, SignalData, 0),
		NewMessage(3, SignalElectionRequest, -1.5),
		NewMessage(9, SignalVictory, float32(math.Inf(1))),
	}
	for _, m := range sent {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
	if buf.Len() != len(sent)*FrameSize {
		t.Fatalf("stream length = %d, want %d", buf.Len(), len(sent)*FrameSize)
	}

	for i, want := range sent {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage(%d) error = %v", i, err)
		}
		if got != want {
			t.Fatalf("ReadMessage(%d) = %+v, want %+v", i, got, want)
		}
	}

	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Fatalf("ReadMessage at end = %v, want io.EOF", err)
	}
}

func TestReadMessagePartialFrame(t *testing.T) {
	r := bytes.NewReader([]byte{0, 1, 0})
	if _, err := ReadMessage(r); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestSignalKindString(t *testing.T) {
	if got := SignalNomination.String(); got != "nomination" {
		t.Fatalf("String() = %q", got)
	}
	if got := SignalKind(42).String(); got != "unknown(42)" {
		t.Fatalf("String() = %q", got)
	}
	if SignalKind(5).Valid() {
		t.Fatal("tag 5 should not be valid")
	}
}
