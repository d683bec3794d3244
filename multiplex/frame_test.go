package multiplex

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestFrameRoundTrip(t *testing.T) {
	id := uuid.New()
	var buf bytes.Buffer

	frames := []Frame{
		versionFrame(1, 1),
		{Type: FrameOpenChannel, Channel: id},
		readRequestFrame(id, 4096),
		{Type: FrameWrite, Channel: id, Payload: []byte("hello")},
		{Type: FrameCloseChannel, Channel: id},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame(%s) failed: %v", f.Type, err)
		}
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if got.Type != want.Type || got.Channel != want.Channel || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("frame mismatch: got %+v want %+v", got, want)
		}
	}

	if n := parseReadRequest(frames[2]); n != 4096 {
		t.Fatalf("parseReadRequest = %d, want 4096", n)
	}
	if lo, hi := parseVersion(frames[0]); lo != 1 || hi != 1 {
		t.Fatalf("parseVersion = %d-%d, want 1-1", lo, hi)
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	raw, err := Frame{Type: FrameWrite, Channel: id, Payload: []byte{0xAA, 0xBB}}.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(raw) != HeaderSize+2 {
		t.Fatalf("encoded length = %d, want %d", len(raw), HeaderSize+2)
	}
	if raw[0] != 4 || raw[1] != 0 || raw[2] != 2 {
		t.Fatalf("unexpected header prefix % x", raw[:3])
	}
	if !bytes.Equal(raw[3:HeaderSize], id[:]) {
		t.Fatalf("channel id not encoded in network order")
	}
}

func TestReadFrameRejectsMalformed(t *testing.T) {
	cases := []Frame{
		{Type: FrameType(9)},
		{Type: FrameProtocolVersion, Payload: []byte{0, 1}},
		{Type: FrameReadRequest, Channel: uuid.New(), Payload: []byte{1}},
	}
	for _, f := range cases {
		raw, err := f.Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("ReadFrame(%s) error = %v, want ErrInvalidFrame", f.Type, err)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := Frame{Type: FrameWrite, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := f.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Encode error = %v, want ErrFrameTooLarge", err)
	}
}
