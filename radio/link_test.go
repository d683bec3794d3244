package radio

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"peerlink/multiplex"
	"peerlink/protocol"
)

// muxLink returns a radio link and the peer's default channel, which the
// test writes raw packet lines to.
func muxLink(t *testing.T) (*Link, *multiplex.Channel) {
	t.Helper()
	left, right := net.Pipe()
	local := multiplex.New(left, multiplex.Options{})
	remote := multiplex.New(right, multiplex.Options{})
	l := newLink("bb", local, bufio.NewReader(local.DefaultChannel()), testIdentity("phone_b"), nil, nil)
	t.Cleanup(func() {
		_ = l.Close()
		_ = remote.Close()
	})
	return l, remote.DefaultChannel()
}

func writeLines(ch *multiplex.Channel, lines ...string) {
	for _, line := range lines {
		if _, err := ch.Write([]byte(line)); err != nil {
			return
		}
	}
}

func expectLinkFailure(t *testing.T, l *Link) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link stayed up after a protocol error")
	}
	if err := l.LastError(); err == nil || !strings.Contains(err.Error(), "malformed packet") {
		t.Fatalf("LastError() = %v, want a malformed packet error", err)
	}
	for packet := range l.Receive() {
		t.Fatalf("packet %s delivered after a protocol error", packet.Type)
	}
}

func TestMalformedLineClosesRadioLink(t *testing.T) {
	l, peer := muxLink(t)

	ping, err := protocol.NewPacket("peerlink.ping").Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	go writeLines(peer, "{not json\n", string(ping))

	expectLinkFailure(t, l)
}

func TestPayloadWithBadChannelIDClosesRadioLink(t *testing.T) {
	l, peer := muxLink(t)

	packet := protocol.NewPacket("peerlink.share.request")
	packet.Payload = &protocol.Payload{Size: 10}
	packet.PayloadTransferInfo = map[string]any{"uuid": "not-a-uuid"}
	line, err := packet.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	go writeLines(peer, string(line))

	expectLinkFailure(t, l)
}
