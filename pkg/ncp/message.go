// Package ncp defines the neuron communication protocol frame exchanged over
// peer sessions: a fixed 7-byte big-endian record with no length prefix.
//
//	offset  size  field
//	0       2     sender id
//	2       1     signal kind
//	3       4     value (IEEE-754 binary32)
package ncp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameSize is the encoded size of every Message.
const FrameSize = 7

var (
	ErrTruncated         = errors.New("ncp: truncated frame")
	ErrUnknownSignalKind = errors.New("ncp: unknown signal kind")
)

type SignalKind uint8

const (
	SignalData SignalKind = iota
	// Election kinds are reserved; nothing in this module acts on them.
	SignalElectionRequest
	SignalNomination
	SignalVote
	SignalVictory
)

func (k SignalKind) Valid() bool { return k <= SignalVictory }

func (k SignalKind) String() string {
	switch k {
	case SignalData:
		return "data"
	case SignalElectionRequest:
		return "election_request"
	case SignalNomination:
		return "nomination"
	case SignalVote:
		return "vote"
	case SignalVictory:
		return "victory"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is one protocol frame. Value travels bit-for-bit, so NaN payloads
// keep their exact bit pattern.
type Message struct {
	SenderID uint16
	Kind     SignalKind
	Value    float32
}

func NewMessage(senderID uint16, kind SignalKind, value float32) Message {
	return Message{SenderID: senderID, Kind: kind, Value: value}
}

// Encode returns the 7-byte frame for m.
func (m Message) Encode() []byte {
	return m.AppendFrame(make([]byte, 0, FrameSize))
}

// AppendFrame appends the encoded frame to dst.
func (m Message) AppendFrame(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, m.SenderID)
	dst = append(dst, byte(m.Kind))
	return binary.BigEndian.AppendUint32(dst, math.Float32bits(m.Value))
}

// Decode parses the first FrameSize bytes of frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) < FrameSize {
		return Message{}, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, len(frame), FrameSize)
	}
	kind := SignalKind(frame[2])
	if !kind.Valid() {
		return Message{}, fmt.Errorf("%w: tag %d", ErrUnknownSignalKind, frame[2])
	}
	return Message{
		SenderID: binary.BigEndian.Uint16(frame[0:2]),
		Kind:     kind,
		Value:    math.Float32frombits(binary.BigEndian.Uint32(frame[3:7])),
	}, nil
}

// ReadMessage reads exactly one frame from r. A stream that ends cleanly on a
// frame boundary yields io.EOF; one that ends mid-frame yields ErrTruncated.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [FrameSize]byte
	n, err := io.ReadFull(r, buf[:])
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Message{}, fmt.Errorf("%w: stream ended after %d bytes", ErrTruncated, n)
	case err != nil:
		return Message{}, err
	}
	return Decode(buf[:])
}

// WriteMessage writes the frame for m to w in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}
