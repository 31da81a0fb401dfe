// Package catalog is the relational store of devices, interfaces,
// subnets, and leases: component F of this system. The concrete
// implementation is backed by SQLite via github.com/mattn/go-sqlite3;
// callers depend on the Catalog interface so that tests can substitute an
// in-memory fake.
package catalog

import (
	"context"
	"net"
	"time"

	"github.com/rackops/director/data"
)

// Catalog is the set of operations the rest of this system needs from
// the relational store. See SPEC_FULL.md §6 for the authoritative
// contract table this mirrors.
type Catalog interface {
	IsDeviceKnown(ctx context.Context, uuid string) (bool, error)
	RegisterDevice(ctx context.Context, uuid string) error
	GetDevice(ctx context.Context, uuid string) (*data.Device, error)

	FindInterfaceByMAC(ctx context.Context, mac net.HardwareAddr) (*data.Interface, error)
	CreateInterface(ctx context.Context, deviceUUID string, mac net.HardwareAddr, isBMC bool, subnetID *int64, rackID, rackPort string) (*data.Interface, error)
	UpdateInterfaceIP(ctx context.Context, id int64, ipv4, ipv6 net.IP) error
	UpdateInterfaceRack(ctx context.Context, id int64, rackID, rackPort string) error

	ListSubnets(ctx context.Context) ([]*data.Subnet, error)
	GetSubnet(ctx context.Context, id int64) (*data.Subnet, error)

	CreateLease(ctx context.Context, interfaceID, subnetID int64, ip net.IP, start, end time.Time) error
	DeactivateLease(ctx context.Context, interfaceID int64, ip net.IP) error
	ListActiveLeases(ctx context.Context) ([]*data.Lease, error)

	Close() error
}
