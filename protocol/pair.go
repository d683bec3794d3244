package protocol

import (
	"errors"
	"time"
)

// ErrNotPairPacket indicates a packet of the wrong type was parsed as a pair packet.
var ErrNotPairPacket = errors.New("protocol: not a pair packet")

// PairMessage is the decoded body of a pair packet.
type PairMessage struct {
	Pair bool
	// Request is true when the sender is asking to pair and false when it is
	// answering a request. Only meaningful when Pair is true.
	Request bool
	// Timestamp is the requester's clock in unix seconds.
	Timestamp int64
	// Certificate is the sender's PEM certificate, present only when Pair is true.
	Certificate string
}

// NewPairRequest builds a pair request carrying the local certificate.
func NewPairRequest(certificatePEM string, timestamp time.Time) *Packet {
	return newPairPacket(certificatePEM, timestamp, true)
}

// NewPairAccept builds the answer to a pair request. A device that is already
// paired never answers an accept, so two accepts cannot bounce forever.
func NewPairAccept(certificatePEM string, timestamp time.Time) *Packet {
	return newPairPacket(certificatePEM, timestamp, false)
}

func newPairPacket(certificatePEM string, timestamp time.Time, request bool) *Packet {
	p := NewPacket(TypePair)
	p.Set("pair", true)
	p.Set("request", request)
	p.Set("timestamp", timestamp.Unix())
	p.Set("certificate", certificatePEM)
	return p
}

// NewUnpairPacket builds a pair=false packet used to reject, cancel or unpair.
func NewUnpairPacket() *Packet {
	p := NewPacket(TypePair)
	p.Set("pair", false)
	return p
}

// ParsePairPacket decodes a pair packet.
func ParsePairPacket(p *Packet) (PairMessage, error) {
	if p == nil || p.Type != TypePair {
		return PairMessage{}, ErrNotPairPacket
	}
	msg := PairMessage{
		Pair:      p.Bool("pair", false),
		Timestamp: p.Int("timestamp", 0),
	}
	if msg.Pair {
		msg.Request = p.Bool("request", false)
		msg.Certificate = p.String("certificate", "")
	}
	return msg, nil
}
