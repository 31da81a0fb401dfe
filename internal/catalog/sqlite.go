package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver
	"inet.af/netaddr"

	"github.com/rackops/director/data"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("catalog: not found")

// SQLite is the Catalog implementation used in production, backed by a
// single SQLite file.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// any pending migrations.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	// SQLite serializes writers itself; a single connection avoids
	// "database is locked" errors under concurrent access from this
	// process without reaching for a connection pool it can't use well.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) IsDeviceKnown(ctx context.Context, uuid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM devices WHERE uuid = ?`, uuid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("catalog: checking device %s: %w", uuid, err)
	}
	return n > 0, nil
}

func (s *SQLite) RegisterDevice(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (uuid, last_seen_at) VALUES (?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		uuid, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("catalog: registering device %s: %w", uuid, err)
	}
	return nil
}

func (s *SQLite) GetDevice(ctx context.Context, uuid string) (*data.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, provisioned, last_seen_at FROM devices WHERE uuid = ?`, uuid)
	var d data.Device
	var provisioned int
	var lastSeen sql.NullTime
	if err := row.Scan(&d.UUID, &provisioned, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: getting device %s: %w", uuid, err)
	}
	d.Provisioned = provisioned != 0
	d.LastSeenAt = lastSeen.Time
	return &d, nil
}

func (s *SQLite) FindInterfaceByMAC(ctx context.Context, mac net.HardwareAddr) (*data.Interface, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_uuid, mac_address, ipv4_address, ipv6_address, is_bmc, subnet_id, rack_identifier, rack_port
		 FROM interfaces WHERE mac_address = ?`, mac.String())
	iface, err := scanInterface(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: finding interface for %s: %w", mac, err)
	}
	return iface, nil
}

func (s *SQLite) CreateInterface(ctx context.Context, deviceUUID string, mac net.HardwareAddr, isBMC bool, subnetID *int64, rackID, rackPort string) (*data.Interface, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interfaces (device_uuid, mac_address, is_bmc, subnet_id, rack_identifier, rack_port, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		deviceUUID, mac.String(), boolToInt(isBMC), nullableSubnetID(subnetID), nullableString(rackID), nullableString(rackPort), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("catalog: creating interface for %s: %w", mac, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("catalog: reading new interface id: %w", err)
	}
	return &data.Interface{
		ID:             id,
		DeviceUUID:     deviceUUID,
		MACAddress:     mac,
		IsBMC:          isBMC,
		SubnetID:       subnetID,
		RackIdentifier: rackID,
		RackPort:       rackPort,
	}, nil
}

func (s *SQLite) UpdateInterfaceIP(ctx context.Context, id int64, ipv4, ipv6 net.IP) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE interfaces SET ipv4_address = ?, ipv6_address = ?, updated_at = ? WHERE id = ?`,
		nullableIP(ipv4), nullableIP(ipv6), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: updating interface %d IP: %w", id, err)
	}
	return nil
}

func (s *SQLite) UpdateInterfaceRack(ctx context.Context, id int64, rackID, rackPort string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE interfaces SET rack_identifier = ?, rack_port = ?, updated_at = ? WHERE id = ?`,
		nullableString(rackID), nullableString(rackPort), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: updating interface %d rack info: %w", id, err)
	}
	return nil
}

func (s *SQLite) ListSubnets(ctx context.Context) ([]*data.Subnet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, network_ipv4, network_ipv6, gateway_ipv4, gateway_ipv6, dns_servers, lease_time FROM subnets`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing subnets: %w", err)
	}
	defer rows.Close()

	var out []*data.Subnet
	for rows.Next() {
		subnet, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning subnet: %w", err)
		}
		out = append(out, subnet)
	}
	return out, rows.Err()
}

func (s *SQLite) GetSubnet(ctx context.Context, id int64) (*data.Subnet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, network_ipv4, network_ipv6, gateway_ipv4, gateway_ipv6, dns_servers, lease_time FROM subnets WHERE id = ?`, id)
	subnet, err := scanSubnet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: getting subnet %d: %w", id, err)
	}
	return subnet, nil
}

func (s *SQLite) CreateLease(ctx context.Context, interfaceID, subnetID int64, ip net.IP, start, end time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: starting lease transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE leases SET is_active = 0 WHERE ip_address = ? AND is_active = 1`, ip.String()); err != nil {
		return fmt.Errorf("catalog: deactivating prior lease for %s: %w", ip, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leases (interface_id, subnet_id, ip_address, lease_start, lease_end, is_active) VALUES (?, ?, ?, ?, ?, 1)`,
		interfaceID, subnetID, ip.String(), start.UTC(), end.UTC()); err != nil {
		return fmt.Errorf("catalog: inserting lease for %s: %w", ip, err)
	}

	return tx.Commit()
}

func (s *SQLite) DeactivateLease(ctx context.Context, interfaceID int64, ip net.IP) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leases SET is_active = 0 WHERE interface_id = ? AND ip_address = ? AND is_active = 1`,
		interfaceID, ip.String())
	if err != nil {
		return fmt.Errorf("catalog: deactivating lease for interface %d: %w", interfaceID, err)
	}
	return nil
}

func (s *SQLite) ListActiveLeases(ctx context.Context) ([]*data.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, interface_id, subnet_id, ip_address, lease_start, lease_end, is_active FROM leases WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing active leases: %w", err)
	}
	defer rows.Close()

	var out []*data.Lease
	for rows.Next() {
		var l data.Lease
		var ip string
		var active int
		if err := rows.Scan(&l.ID, &l.InterfaceID, &l.SubnetID, &ip, &l.LeaseStart, &l.LeaseEnd, &active); err != nil {
			return nil, fmt.Errorf("catalog: scanning lease: %w", err)
		}
		l.IsActive = active != 0
		l.IPAddress = mustParseIP(ip)
		out = append(out, &l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInterface(row scanner) (*data.Interface, error) {
	var iface data.Interface
	var mac string
	var v4, v6 sql.NullString
	var subnetID sql.NullInt64
	var rackID, rackPort sql.NullString
	var isBMC int

	if err := row.Scan(&iface.ID, &iface.DeviceUUID, &mac, &v4, &v6, &isBMC, &subnetID, &rackID, &rackPort); err != nil {
		return nil, err
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("stored mac %q is invalid: %w", mac, err)
	}
	iface.MACAddress = hw
	iface.IsBMC = isBMC != 0
	if v4.Valid {
		iface.IPv4Address = mustParseIP(v4.String)
	}
	if v6.Valid {
		iface.IPv6Address = mustParseIP(v6.String)
	}
	if subnetID.Valid {
		id := subnetID.Int64
		iface.SubnetID = &id
	}
	iface.RackIdentifier = rackID.String
	iface.RackPort = rackPort.String
	return &iface, nil
}

func scanSubnet(row scanner) (*data.Subnet, error) {
	var s data.Subnet
	var v4, v6, gw4, gw6, dns sql.NullString
	var leaseSeconds int64

	if err := row.Scan(&s.ID, &s.Name, &v4, &v6, &gw4, &gw6, &dns, &leaseSeconds); err != nil {
		return nil, err
	}
	if v4.Valid {
		p := mustParsePrefix(v4.String)
		s.NetworkV4 = &p
	}
	if v6.Valid {
		p := mustParsePrefix(v6.String)
		s.NetworkV6 = &p
	}
	if gw4.Valid {
		s.GatewayV4 = mustParseIP(gw4.String)
	}
	if gw6.Valid {
		s.GatewayV6 = mustParseIP(gw6.String)
	}
	if dns.Valid && dns.String != "" {
		for _, addr := range strings.Split(dns.String, ",") {
			s.DNSServers = append(s.DNSServers, net.ParseIP(strings.TrimSpace(addr)))
		}
	}
	s.LeaseTime = time.Duration(leaseSeconds) * time.Second
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableSubnetID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableIP(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

// mustParseIP parses a stored address. Values in these columns are only
// ever written by this package via net.IP.String/netaddr.IP.String, so a
// parse failure indicates on-disk corruption worth panicking over rather
// than threading a parse error through every caller.
func mustParseIP(s string) netaddr.IP {
	ip, err := netaddr.ParseIP(s)
	if err != nil {
		panic(fmt.Sprintf("catalog: stored IP %q is invalid: %v", s, err))
	}
	return ip
}

func mustParsePrefix(s string) netaddr.IPPrefix {
	p, err := netaddr.ParseIPPrefix(s)
	if err != nil {
		panic(fmt.Sprintf("catalog: stored prefix %q is invalid: %v", s, err))
	}
	return p
}
