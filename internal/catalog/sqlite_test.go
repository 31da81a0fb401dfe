package catalog

import (
	"context"
	"net"
	"testing"
	"time"
)

func openTestCatalog(t *testing.T) *SQLite {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterAndGetDevice(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	const uuid = "550e8400-e29b-41d4-a716-446655440000"

	known, err := c.IsDeviceKnown(ctx, uuid)
	if err != nil {
		t.Fatalf("IsDeviceKnown: %v", err)
	}
	if known {
		t.Fatalf("device should not be known yet")
	}

	if err := c.RegisterDevice(ctx, uuid); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	known, err = c.IsDeviceKnown(ctx, uuid)
	if err != nil {
		t.Fatalf("IsDeviceKnown: %v", err)
	}
	if !known {
		t.Fatalf("device should be known after registration")
	}

	// registering twice must not fail (idempotent upsert)
	if err := c.RegisterDevice(ctx, uuid); err != nil {
		t.Fatalf("second RegisterDevice: %v", err)
	}

	dev, err := c.GetDevice(ctx, uuid)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.UUID != uuid {
		t.Fatalf("uuid = %q, want %q", dev.UUID, uuid)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	c := openTestCatalog(t)
	if _, err := c.GetDevice(context.Background(), "unknown"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInterfaceLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	const uuid = "device-1"
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")

	if err := c.RegisterDevice(ctx, uuid); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	iface, err := c.CreateInterface(ctx, uuid, mac, false, nil, "rack-3", "12")
	if err != nil {
		t.Fatalf("CreateInterface: %v", err)
	}

	if err := c.UpdateInterfaceIP(ctx, iface.ID, net.IPv4(192, 168, 1, 42), nil); err != nil {
		t.Fatalf("UpdateInterfaceIP: %v", err)
	}

	got, err := c.FindInterfaceByMAC(ctx, mac)
	if err != nil {
		t.Fatalf("FindInterfaceByMAC: %v", err)
	}
	if got.IPv4Address.String() != "192.168.1.42" {
		t.Fatalf("ipv4 = %v, want 192.168.1.42", got.IPv4Address)
	}
	if got.RackIdentifier != "rack-3" || got.RackPort != "12" {
		t.Fatalf("rack info = %v/%v, want rack-3/12", got.RackIdentifier, got.RackPort)
	}
}

func TestFindInterfaceByMACNotFound(t *testing.T) {
	c := openTestCatalog(t)
	mac, _ := net.ParseMAC("00:00:00:00:00:00")
	if _, err := c.FindInterfaceByMAC(context.Background(), mac); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLeaseOnlyOneActivePerIP(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	const uuid = "device-2"
	mac1, _ := net.ParseMAC("aa:bb:cc:dd:ee:02")
	mac2, _ := net.ParseMAC("aa:bb:cc:dd:ee:03")

	if err := c.RegisterDevice(ctx, uuid); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if _, _, err := setupSubnet(ctx, c); err != nil {
		t.Fatalf("setupSubnet: %v", err)
	}
	subnetID := int64(1)

	iface1, err := c.CreateInterface(ctx, uuid, mac1, false, &subnetID, "", "")
	if err != nil {
		t.Fatalf("CreateInterface iface1: %v", err)
	}
	iface2, err := c.CreateInterface(ctx, uuid, mac2, false, &subnetID, "", "")
	if err != nil {
		t.Fatalf("CreateInterface iface2: %v", err)
	}

	ip := net.IPv4(192, 168, 1, 100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := c.CreateLease(ctx, iface1.ID, subnetID, ip, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateLease iface1: %v", err)
	}
	if err := c.CreateLease(ctx, iface2.ID, subnetID, ip, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateLease iface2: %v", err)
	}

	leases, err := c.ListActiveLeases(ctx)
	if err != nil {
		t.Fatalf("ListActiveLeases: %v", err)
	}
	var activeForIP int
	for _, l := range leases {
		if l.IPAddress.String() == "192.168.1.100" {
			activeForIP++
		}
	}
	if activeForIP != 1 {
		t.Fatalf("active leases for %v = %d, want 1", ip, activeForIP)
	}
}

func setupSubnet(ctx context.Context, c *SQLite) (int64, string, error) {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO subnets (name, network_ipv4, gateway_ipv4, dns_servers, lease_time) VALUES (?, ?, ?, ?, ?)`,
		"rack-a", "192.168.1.0/24", "192.168.1.1", "8.8.8.8", 3600)
	return 1, "rack-a", err
}
