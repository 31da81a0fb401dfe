// Package data holds the records shared across the catalog, the IP pool,
// the DHCP responder, and the director: devices, their interfaces,
// subnets, leases, and the boot target a device should be offered next.
package data

import (
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"inet.af/netaddr"
)

// Device is a physical machine, identified by a stable UUID assigned the
// first time it is seen by either the DHCP responder or the HTTP iPXE
// endpoint.
type Device struct {
	UUID        string
	Provisioned bool
	LastSeenAt  time.Time
}

// Interface is one network interface belonging to a Device. MACAddress is
// unique across all interfaces in the catalog.
type Interface struct {
	ID             int64
	DeviceUUID     string
	MACAddress     net.HardwareAddr
	IPv4Address    netaddr.IP
	IPv6Address    netaddr.IP
	IsBMC          bool
	SubnetID       *int64
	RackIdentifier string
	RackPort       string
}

// HasIPv4 reports whether the interface currently has an IPv4 address on
// file.
func (i *Interface) HasIPv4() bool {
	return i != nil && !i.IPv4Address.IsZero()
}

// Subnet is an immutable (from the core's perspective) network
// configuration loaded from the catalog at startup.
type Subnet struct {
	ID         int64
	Name       string
	NetworkV4  *netaddr.IPPrefix
	NetworkV6  *netaddr.IPPrefix
	GatewayV4  netaddr.IP
	GatewayV6  netaddr.IP
	DNSServers []net.IP
	LeaseTime  time.Duration
}

// Lease ties an interface to an address for a span of time.
type Lease struct {
	ID          int64
	InterfaceID int64
	SubnetID    int64
	IPAddress   netaddr.IP
	LeaseStart  time.Time
	LeaseEnd    time.Time
	IsActive    bool
}

// NetbootProfile is the set of parameters the director uses to describe a
// NetBoot boot target for a device.
type NetbootProfile struct {
	Kernel  string
	Ramdisk string
	Cmdline string
}

// BootTargetKind distinguishes the two things a device can be told to do
// next.
type BootTargetKind uint8

const (
	BootLocalDisk BootTargetKind = iota
	BootNetBoot
)

// BootTarget is the director's decision for a device's next boot.
type BootTarget struct {
	Kind    BootTargetKind
	Profile NetbootProfile // only meaningful when Kind == BootNetBoot
}

// EncodeToAttributes renders an Interface as opentelemetry span attributes.
func (i *Interface) EncodeToAttributes() []attribute.KeyValue {
	if i == nil {
		return nil
	}
	var v4, v6 string
	if !i.IPv4Address.IsZero() {
		v4 = i.IPv4Address.String()
	}
	if !i.IPv6Address.IsZero() {
		v6 = i.IPv6Address.String()
	}
	return []attribute.KeyValue{
		attribute.String("interface.mac", i.MACAddress.String()),
		attribute.String("interface.ipv4", v4),
		attribute.String("interface.ipv6", v6),
		attribute.Bool("interface.is_bmc", i.IsBMC),
		attribute.String("interface.rack", strings.Join([]string{i.RackIdentifier, i.RackPort}, ":")),
	}
}

// EncodeToAttributes renders a Subnet as opentelemetry span attributes.
func (s *Subnet) EncodeToAttributes() []attribute.KeyValue {
	if s == nil {
		return nil
	}
	var v4 string
	if s.NetworkV4 != nil {
		v4 = s.NetworkV4.String()
	}
	return []attribute.KeyValue{
		attribute.String("subnet.name", s.Name),
		attribute.String("subnet.network_v4", v4),
		attribute.Float64("subnet.lease_time_seconds", s.LeaseTime.Seconds()),
	}
}
