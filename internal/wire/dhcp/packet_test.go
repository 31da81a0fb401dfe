package dhcp

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func discoverBytes(mac net.HardwareAddr) []byte {
	p := &Packet{
		Op:     OpcodeBootRequest,
		HType:  1,
		HLen:   6,
		XID:    0xAABBCCDD,
		CHAddr: mac,
		CIAddr: net.IPv4zero,
		YIAddr: net.IPv4zero,
		SIAddr: net.IPv4zero,
		GIAddr: net.IPv4zero,
	}
	p.SetMessageType(MessageTypeDiscover)
	b, _ := p.MarshalBinary()
	return b
}

func TestParseRoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	b := discoverBytes(mac)

	got, err := Parse(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.XID != 0xAABBCCDD {
		t.Fatalf("xid = %#x, want 0xAABBCCDD", got.XID)
	}
	if got.CHAddr.String() != mac.String() {
		t.Fatalf("chaddr = %v, want %v", got.CHAddr, mac)
	}
	if got.MessageType() != MessageTypeDiscover {
		t.Fatalf("message type = %v, want DISCOVER", got.MessageType())
	}
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 100))
	if err == nil {
		t.Fatalf("expected error for short packet")
	}
}

func TestParseBadMagicCookieYieldsEmptyOptions(t *testing.T) {
	b := discoverBytes(net.HardwareAddr{1, 2, 3, 4, 5, 6})
	// corrupt the magic cookie
	b[headerLen] = 0x00
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Options) != 0 {
		t.Fatalf("expected no options when magic cookie is wrong, got %v", got.Options)
	}
}

func TestParseOptionLengthOverrun(t *testing.T) {
	b := discoverBytes(net.HardwareAddr{1, 2, 3, 4, 5, 6})
	// truncate right after the options begin so the declared length overruns
	b = b[:headerLen+6]
	if _, err := Parse(b); err == nil {
		t.Fatalf("expected error for option length exceeding buffer")
	}
}

func TestMessageTypeWrongLength(t *testing.T) {
	p := &Packet{Options: map[uint8][]byte{OptMessageType: {1, 2}}}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Parse(b); err == nil {
		t.Fatalf("expected error for option 53 with length != 1")
	}
}

func TestRelayAgentInformation(t *testing.T) {
	p := &Packet{}
	raw := []byte{
		SubOptCircuitID, 4, 'r', 'a', 'c', '3',
		SubOptRemoteID, 2, 'p', '8',
	}
	p.SetOption(OptRelayAgentInformation, raw)

	info, ok := p.RelayAgentInformation()
	if !ok {
		t.Fatalf("expected option 82 to be present")
	}
	if diff := cmp.Diff([]byte("rac3"), info.CircuitID); diff != "" {
		t.Fatalf("circuit id mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte("p8"), info.RemoteID); diff != "" {
		t.Fatalf("remote id mismatch (-want +got):\n%s", diff)
	}
}

func TestRoutersAndDNSServers(t *testing.T) {
	p := &Packet{}
	p.SetRouters([]net.IP{net.IPv4(192, 168, 1, 1)})
	p.SetDNSServers([]net.IP{net.IPv4(8, 8, 8, 8), net.IPv4(8, 8, 4, 4)})

	routers := p.Routers()
	if len(routers) != 1 || !routers[0].Equal(net.IPv4(192, 168, 1, 1)) {
		t.Fatalf("routers = %v", routers)
	}
	dns := p.DNSServers()
	if len(dns) != 2 {
		t.Fatalf("dns servers = %v, want 2 entries", dns)
	}
}
