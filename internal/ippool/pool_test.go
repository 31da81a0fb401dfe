package ippool

import (
	"testing"

	"inet.af/netaddr"
)

func mustPrefix(t *testing.T, s string) netaddr.IPPrefix {
	t.Helper()
	p, err := netaddr.ParseIPPrefix(s)
	if err != nil {
		t.Fatalf("parsing prefix %q: %v", s, err)
	}
	return p
}

func TestAllocateIPv4StaysInRange(t *testing.T) {
	p := New()
	prefix := mustPrefix(t, "192.168.1.0/24")
	p.AddSubnet(1, prefix)

	network := prefix.Masked().IP()
	broadcast := netaddr.MustParseIP("192.168.1.255")

	seen := map[netaddr.IP]struct{}{}
	for i := 0; i < 200; i++ {
		ip, ok := p.AllocateIPv4(nil)
		if !ok {
			t.Fatalf("allocation %d failed unexpectedly", i)
		}
		if ip == network || ip == broadcast {
			t.Fatalf("allocated network or broadcast address: %v", ip)
		}
		if _, dup := seen[ip]; dup {
			t.Fatalf("allocated the same address twice: %v", ip)
		}
		seen[ip] = struct{}{}
	}
}

func TestAllocateIPv4ExhaustsAndReleases(t *testing.T) {
	p := New()
	prefix := mustPrefix(t, "10.0.0.0/30") // usable: .1, .2
	p.AddSubnet(1, prefix)

	first, ok := p.AllocateIPv4(nil)
	if !ok {
		t.Fatalf("expected first allocation to succeed")
	}
	second, ok := p.AllocateIPv4(nil)
	if !ok {
		t.Fatalf("expected second allocation to succeed")
	}
	if first == second {
		t.Fatalf("allocated the same address twice")
	}

	if _, ok := p.AllocateIPv4(nil); ok {
		t.Fatalf("expected pool to be exhausted")
	}

	p.Release(first)
	if !p.IsAvailable(first) {
		t.Fatalf("expected %v to be available after release", first)
	}
	if _, ok := p.AllocateIPv4(nil); !ok {
		t.Fatalf("expected allocation to succeed after release")
	}
}

func TestMarkUsedPreventsAllocation(t *testing.T) {
	p := New()
	prefix := mustPrefix(t, "10.0.0.0/30")
	p.AddSubnet(1, prefix)

	reserved := netaddr.MustParseIP("10.0.0.1")
	p.MarkUsed(reserved)
	if p.IsAvailable(reserved) {
		t.Fatalf("expected %v to be marked used", reserved)
	}

	got, ok := p.AllocateIPv4(nil)
	if !ok {
		t.Fatalf("expected remaining address to be allocatable")
	}
	if got == reserved {
		t.Fatalf("allocated the reserved address")
	}
}

func TestAllocateIPv4ScopedToSubnet(t *testing.T) {
	p := New()
	one := mustPrefix(t, "10.1.0.0/24")
	two := mustPrefix(t, "10.2.0.0/24")
	p.AddSubnet(1, one)
	p.AddSubnet(2, two)

	id := int64(2)
	ip, ok := p.AllocateIPv4(&id)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	if !two.Contains(ip) {
		t.Fatalf("allocated %v outside of requested subnet %v", ip, two)
	}
}

func TestAllocateIPv6InsidePrefix(t *testing.T) {
	p := New()
	prefix := mustPrefix(t, "fd00:1234::/64")
	p.AddSubnet(1, prefix)

	for i := 0; i < 50; i++ {
		ip, ok := p.AllocateIPv6(nil)
		if !ok {
			t.Fatalf("allocation %d failed unexpectedly", i)
		}
		if !prefix.Contains(ip) {
			t.Fatalf("allocated %v outside of prefix %v", ip, prefix)
		}
	}
}

func TestIsAvailableUnknownAddress(t *testing.T) {
	p := New()
	p.AddSubnet(1, mustPrefix(t, "192.168.1.0/24"))
	if p.IsAvailable(netaddr.MustParseIP("172.16.0.5")) {
		t.Fatalf("address outside any bucket should not be available")
	}
}
