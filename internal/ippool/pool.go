// Package ippool allocates IPv4 and IPv6 addresses out of per-subnet
// ranges. It holds no knowledge of DHCP or leases; callers are expected to
// serialize access (see Pool's doc comment) and to seed it with any
// addresses that are already leased before taking new allocations.
package ippool

import (
	"encoding/binary"
	"math/rand"

	"inet.af/netaddr"
)

// Pool tracks, per subnet, the set of currently allocated IPv4 and IPv6
// addresses. Pool is not safe for concurrent use; callers that share a
// Pool across goroutines must hold an exclusive lock across any sequence
// of IsAvailable + Allocate* + MarkUsed that must be atomic, per the
// catalog-then-pool acquisition order used by the DHCP responder.
type Pool struct {
	v4 []*v4Bucket
	v6 []*v6Bucket
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{}
}

type v4Bucket struct {
	subnetID  int64
	prefix    netaddr.IPPrefix
	allocated map[netaddr.IP]struct{}
}

type v6Bucket struct {
	subnetID  int64
	prefix    netaddr.IPPrefix
	allocated map[netaddr.IP]struct{}
}

// AddSubnet registers a bucket for prefix under subnetID. Call it once
// per configured subnet at startup, for each of its IPv4 and IPv6 prefixes
// that are present.
func (p *Pool) AddSubnet(subnetID int64, prefix netaddr.IPPrefix) {
	if prefix.IP().Is4() {
		p.v4 = append(p.v4, &v4Bucket{subnetID: subnetID, prefix: prefix, allocated: map[netaddr.IP]struct{}{}})
		return
	}
	p.v6 = append(p.v6, &v6Bucket{subnetID: subnetID, prefix: prefix, allocated: map[netaddr.IP]struct{}{}})
}

// AllocateIPv4 allocates an address from the bucket matching subnetID, or
// from any bucket if subnetID is nil. It returns false if no address is
// available.
func (p *Pool) AllocateIPv4(subnetID *int64) (netaddr.IP, bool) {
	if subnetID != nil {
		for _, b := range p.v4 {
			if b.subnetID == *subnetID {
				return b.allocate()
			}
		}
		return netaddr.IP{}, false
	}
	for _, b := range p.v4 {
		if ip, ok := b.allocate(); ok {
			return ip, true
		}
	}
	return netaddr.IP{}, false
}

// AllocateIPv6 is the IPv6 analogue of AllocateIPv4.
func (p *Pool) AllocateIPv6(subnetID *int64) (netaddr.IP, bool) {
	if subnetID != nil {
		for _, b := range p.v6 {
			if b.subnetID == *subnetID {
				return b.allocate()
			}
		}
		return netaddr.IP{}, false
	}
	for _, b := range p.v6 {
		if ip, ok := b.allocate(); ok {
			return ip, true
		}
	}
	return netaddr.IP{}, false
}

// Release frees ip from whichever bucket owns it.
func (p *Pool) Release(ip netaddr.IP) {
	if ip.Is4() {
		for _, b := range p.v4 {
			if b.prefix.Contains(ip) {
				delete(b.allocated, ip)
			}
		}
		return
	}
	for _, b := range p.v6 {
		if b.prefix.Contains(ip) {
			delete(b.allocated, ip)
		}
	}
}

// MarkUsed records ip as allocated in whichever bucket owns it, without
// going through the random/sequential search. Used to seed the pool from
// existing leases at startup and to record a DECLINEd address.
func (p *Pool) MarkUsed(ip netaddr.IP) {
	if ip.Is4() {
		for _, b := range p.v4 {
			if b.prefix.Contains(ip) {
				b.allocated[ip] = struct{}{}
				return
			}
		}
		return
	}
	for _, b := range p.v6 {
		if b.prefix.Contains(ip) {
			b.allocated[ip] = struct{}{}
			return
		}
	}
}

// IsAvailable reports whether ip falls within a known bucket and is not
// currently allocated.
func (p *Pool) IsAvailable(ip netaddr.IP) bool {
	if ip.Is4() {
		for _, b := range p.v4 {
			if b.prefix.Contains(ip) {
				_, taken := b.allocated[ip]
				return !taken
			}
		}
		return false
	}
	for _, b := range p.v6 {
		if b.prefix.Contains(ip) {
			_, taken := b.allocated[ip]
			return !taken
		}
	}
	return false
}

// randomAttempts is how many uniformly random picks are tried before
// falling back to a sequential scan of the IPv4 range.
const randomAttempts = 100

func (b *v4Bucket) allocate() (netaddr.IP, bool) {
	networkAddr := b.prefix.Masked().IP()
	start := ipv4ToUint32(networkAddr) + 1
	end := broadcastUint32(b.prefix) - 1
	if start >= end {
		return netaddr.IP{}, false
	}

	span := end - start + 1
	for i := 0; i < randomAttempts; i++ {
		candidate := start + uint32(rand.Int63n(int64(span)))
		ip := uint32ToIPv4(candidate)
		if _, taken := b.allocated[ip]; !taken {
			b.allocated[ip] = struct{}{}
			return ip, true
		}
	}

	for v := start; v <= end; v++ {
		ip := uint32ToIPv4(v)
		if _, taken := b.allocated[ip]; !taken {
			b.allocated[ip] = struct{}{}
			return ip, true
		}
	}

	return netaddr.IP{}, false
}

// randomAttemptsV6 bounds the number of random-host-bits draws tried
// before giving up; collision probability is negligible for the /64-or-
// shorter prefixes this system expects.
const randomAttemptsV6 = 1000

func (b *v6Bucket) allocate() (netaddr.IP, bool) {
	prefixLen := b.prefix.Bits()
	if prefixLen >= 128 {
		return netaddr.IP{}, false
	}
	networkBytes := b.prefix.Masked().IP().As16()

	for i := 0; i < randomAttemptsV6; i++ {
		addrBytes := networkBytes

		hostBits := 128 - prefixLen
		hostBytes := (int(hostBits) + 7) / 8
		for j := 0; j < hostBytes; j++ {
			idx := 16 - hostBytes + j
			if idx >= 0 && idx < 16 {
				addrBytes[idx] = byte(rand.Intn(256))
			}
		}

		networkBytesWhole := int(prefixLen) / 8
		for j := 0; j < networkBytesWhole; j++ {
			addrBytes[j] = networkBytes[j]
		}

		if prefixLen%8 != 0 {
			idx := int(prefixLen) / 8
			if idx < 16 {
				mask := byte(0xFF << (8 - (prefixLen % 8)))
				addrBytes[idx] = (addrBytes[idx] &^ mask) | (networkBytes[idx] & mask)
			}
		}

		ip := netaddr.IPFrom16(addrBytes)
		if b.prefix.Contains(ip) {
			if _, taken := b.allocated[ip]; !taken {
				b.allocated[ip] = struct{}{}
				return ip, true
			}
		}
	}

	return netaddr.IP{}, false
}

func ipv4ToUint32(ip netaddr.IP) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToIPv4(v uint32) netaddr.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netaddr.IPFrom4(b)
}

func broadcastUint32(prefix netaddr.IPPrefix) uint32 {
	network := ipv4ToUint32(prefix.Masked().IP())
	bits := prefix.Bits()
	hostBits := 32 - bits
	if hostBits >= 32 {
		return 0xFFFFFFFF
	}
	mask := uint32(1)<<uint(hostBits) - 1
	return network | mask
}
