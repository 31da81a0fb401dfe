// Package dhcpserver implements the DHCP responder: component D, wired
// to the dispatcher/acceptor of component E. It answers DISCOVER,
// REQUEST, RELEASE, DECLINE, and INFORM against the catalog and IP pool;
// every other message type is ignored.
package dhcpserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"inet.af/netaddr"

	"github.com/rackops/director/data"
	"github.com/rackops/director/internal/catalog"
	"github.com/rackops/director/internal/ippool"
	dhcpwire "github.com/rackops/director/internal/wire/dhcp"
)

const tracerName = "github.com/rackops/director/internal/dhcpserver"

// Handler answers DHCP packets. catalogMu/poolMu are held per SPEC_FULL.md
// §5's resource model: acquire catalog, decide, release, then acquire
// pool — never the reverse, and never hold the pool lock across network
// or catalog I/O.
type Handler struct {
	Catalog  catalog.Catalog
	Pool     *ippool.Pool
	ServerIP net.IP
	Log      logr.Logger

	catalogMu sync.Mutex
	poolMu    sync.Mutex
}

// New returns a Handler ready to answer packets against cat and pool,
// identifying itself as serverIP in option 54 and siaddr.
func New(cat catalog.Catalog, pool *ippool.Pool, serverIP net.IP, log logr.Logger) *Handler {
	return &Handler{Catalog: cat, Pool: pool, ServerIP: serverIP, Log: log}
}

// Handle dispatches one inbound packet. reply is nil when no response
// should be sent (RELEASE, DECLINE, unknown message types, or drops).
func (h *Handler) Handle(ctx context.Context, pkt *dhcpwire.Packet) (reply *dhcpwire.Packet) {
	mt := pkt.MessageType()
	if mt == dhcpwire.MessageTypeNone {
		// no option 53: not a DHCP message this responder understands.
		return nil
	}

	log := h.Log.WithValues("mac", pkt.CHAddr.String(), "type", mt.String())
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, fmt.Sprintf("dhcp.%s", mt.String()),
		trace.WithAttributes(attribute.String("dhcp.mac", pkt.CHAddr.String()), attribute.String("dhcp.type", mt.String())))
	defer span.End()

	var err error
	switch mt {
	case dhcpwire.MessageTypeDiscover:
		reply, err = h.handleDiscover(ctx, pkt)
	case dhcpwire.MessageTypeRequest:
		reply, err = h.handleRequest(ctx, pkt)
	case dhcpwire.MessageTypeRelease:
		err = h.handleRelease(ctx, pkt)
	case dhcpwire.MessageTypeDecline:
		err = h.handleDecline(ctx, pkt)
	case dhcpwire.MessageTypeInform:
		reply, err = h.handleInform(ctx, pkt)
	default:
		log.V(1).Info("ignoring message type")
		return nil
	}

	if err != nil {
		log.Error(err, "handling DHCP message")
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	return reply
}

func (h *Handler) handleDiscover(ctx context.Context, pkt *dhcpwire.Packet) (*dhcpwire.Packet, error) {
	iface, err := h.lookupOrCreateInterface(ctx, pkt)
	if err != nil {
		return nil, err
	}

	offered, err := h.chooseAddress(ctx, iface)
	if err != nil {
		return nil, err
	}

	// Record the offer on the interface so a REQUEST for this same address
	// finds it via sameIP below, rather than bouncing to NAK because the
	// pool already marked it used by this very call.
	h.catalogMu.Lock()
	err = h.Catalog.UpdateInterfaceIP(ctx, iface.ID, offered, nil)
	h.catalogMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dhcpserver: recording offer for %s: %w", pkt.CHAddr, err)
	}
	if ip, ok := netaddr.FromStdIP(offered); ok {
		iface.IPv4Address = ip
	}

	subnet, err := h.subnetFor(ctx, iface)
	if err != nil {
		return nil, err
	}

	reply := h.buildReply(pkt, dhcpwire.MessageTypeOffer, offered, subnet)
	return reply, nil
}

func (h *Handler) handleRequest(ctx context.Context, pkt *dhcpwire.Packet) (*dhcpwire.Packet, error) {
	iface, err := h.lookupOrCreateInterface(ctx, pkt)
	if err != nil {
		return nil, err
	}

	requested := requestedAddress(pkt)
	if requested == nil {
		return nil, fmt.Errorf("dhcpserver: REQUEST with no requested address for %s", pkt.CHAddr)
	}

	subnet, err := h.subnetFor(ctx, iface)
	if err != nil {
		return nil, err
	}

	ip, ok := netaddr.FromStdIP(requested)
	if !ok {
		return h.nak(pkt), nil
	}

	h.poolMu.Lock()
	acceptable := h.Pool.IsAvailable(ip) || sameIP(iface.IPv4Address, ip)
	if acceptable {
		h.Pool.MarkUsed(ip)
	}
	h.poolMu.Unlock()

	if !acceptable {
		return h.nak(pkt), nil
	}

	leaseTime := subnetLeaseTime(subnet)
	now := time.Now().UTC()

	h.catalogMu.Lock()
	err = h.Catalog.CreateLease(ctx, iface.ID, subnetID(subnet), requested, now, now.Add(leaseTime))
	if err == nil {
		err = h.Catalog.UpdateInterfaceIP(ctx, iface.ID, requested, nil)
	}
	h.catalogMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dhcpserver: persisting lease for %s: %w", pkt.CHAddr, err)
	}

	return h.buildReply(pkt, dhcpwire.MessageTypeAck, requested, subnet), nil
}

func (h *Handler) handleRelease(ctx context.Context, pkt *dhcpwire.Packet) error {
	h.catalogMu.Lock()
	iface, err := h.Catalog.FindInterfaceByMAC(ctx, pkt.CHAddr)
	h.catalogMu.Unlock()
	if err == catalog.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dhcpserver: looking up interface for release %s: %w", pkt.CHAddr, err)
	}
	if !iface.HasIPv4() {
		return nil
	}

	ip := iface.IPv4Address.IPAddr().IP

	h.catalogMu.Lock()
	err = h.Catalog.DeactivateLease(ctx, iface.ID, ip)
	if err == nil {
		err = h.Catalog.UpdateInterfaceIP(ctx, iface.ID, nil, nil)
	}
	h.catalogMu.Unlock()
	if err != nil {
		return fmt.Errorf("dhcpserver: deactivating lease for %s: %w", pkt.CHAddr, err)
	}

	h.poolMu.Lock()
	h.Pool.Release(iface.IPv4Address)
	h.poolMu.Unlock()

	return nil
}

func (h *Handler) handleDecline(_ context.Context, pkt *dhcpwire.Packet) error {
	declined := pkt.RequestedIPAddress()
	if declined == nil {
		return nil
	}
	ip, ok := netaddr.FromStdIP(declined)
	if !ok {
		return nil
	}

	h.poolMu.Lock()
	h.Pool.MarkUsed(ip)
	h.poolMu.Unlock()
	return nil
}

func (h *Handler) handleInform(ctx context.Context, pkt *dhcpwire.Packet) (*dhcpwire.Packet, error) {
	iface, err := h.lookupOrCreateInterface(ctx, pkt)
	if err != nil {
		return nil, err
	}
	subnet, err := h.subnetFor(ctx, iface)
	if err != nil || subnet == nil {
		return nil, err
	}

	reply := &dhcpwire.Packet{
		Op:      dhcpwire.OpcodeBootReply,
		HType:   pkt.HType,
		HLen:    pkt.HLen,
		XID:     pkt.XID,
		CHAddr:  pkt.CHAddr,
		SIAddr:  h.ServerIP,
		Options: map[uint8][]byte{},
	}
	reply.SetMessageType(dhcpwire.MessageTypeAck)
	reply.SetServerIdentifier(h.ServerIP)
	applySubnetOptions(reply, subnet)
	// An INFORM reply grants no lease, so it carries no lease time option.
	delete(reply.Options, dhcpwire.OptLeaseTime)
	return reply, nil
}

// lookupOrCreateInterface finds iface by pkt's source MAC, creating it
// (and its device, if also unseen) on first contact. Option 82, if
// present and parseable, is persisted as rack identifier/port.
func (h *Handler) lookupOrCreateInterface(ctx context.Context, pkt *dhcpwire.Packet) (*data.Interface, error) {
	h.catalogMu.Lock()
	defer h.catalogMu.Unlock()

	iface, err := h.Catalog.FindInterfaceByMAC(ctx, pkt.CHAddr)
	if err == nil {
		if rid, rport, ok := relayInfo(pkt); ok {
			if rid != iface.RackIdentifier || rport != iface.RackPort {
				if err := h.Catalog.UpdateInterfaceRack(ctx, iface.ID, rid, rport); err != nil {
					return nil, fmt.Errorf("dhcpserver: updating rack info for %s: %w", pkt.CHAddr, err)
				}
				iface.RackIdentifier, iface.RackPort = rid, rport
			}
		}
		return iface, nil
	}
	if err != catalog.ErrNotFound {
		return nil, fmt.Errorf("dhcpserver: looking up interface for %s: %w", pkt.CHAddr, err)
	}

	uuid := deviceUUIDForMAC(pkt.CHAddr)
	if err := h.Catalog.RegisterDevice(ctx, uuid); err != nil {
		return nil, fmt.Errorf("dhcpserver: registering device for %s: %w", pkt.CHAddr, err)
	}

	rid, rport, _ := relayInfo(pkt)
	subnetID, err := h.selectSubnetID(ctx, pkt.GIAddr)
	if err != nil {
		return nil, fmt.Errorf("dhcpserver: selecting subnet for %s: %w", pkt.CHAddr, err)
	}
	iface, err = h.Catalog.CreateInterface(ctx, uuid, pkt.CHAddr, false, subnetID, rid, rport)
	if err != nil {
		return nil, fmt.Errorf("dhcpserver: creating interface for %s: %w", pkt.CHAddr, err)
	}
	return iface, nil
}

// selectSubnetID resolves which subnet a newly-seen interface belongs to:
// the subnet whose IPv4 prefix contains giaddr when the request arrived
// through a relay; otherwise the sole configured subnet if there is
// exactly one; otherwise none, left for an operator (or a later relayed
// DISCOVER) to assign.
func (h *Handler) selectSubnetID(ctx context.Context, giaddr net.IP) (*int64, error) {
	subnets, err := h.Catalog.ListSubnets(ctx)
	if err != nil {
		return nil, fmt.Errorf("dhcpserver: listing subnets: %w", err)
	}

	if giaddr != nil && !giaddr.IsUnspecified() {
		if relay, ok := netaddr.FromStdIP(giaddr); ok {
			for _, s := range subnets {
				if s.NetworkV4 != nil && s.NetworkV4.Contains(relay) {
					id := s.ID
					return &id, nil
				}
			}
		}
	}

	if len(subnets) == 1 {
		id := subnets[0].ID
		return &id, nil
	}
	return nil, nil
}

// chooseAddress prefers the interface's existing address if it is still
// free in the pool, otherwise allocates a fresh one scoped to its subnet.
func (h *Handler) chooseAddress(_ context.Context, iface *data.Interface) (net.IP, error) {
	h.poolMu.Lock()
	defer h.poolMu.Unlock()

	if iface.HasIPv4() && h.Pool.IsAvailable(iface.IPv4Address) {
		return iface.IPv4Address.IPAddr().IP, nil
	}

	ip, ok := h.Pool.AllocateIPv4(iface.SubnetID)
	if !ok {
		return nil, fmt.Errorf("dhcpserver: no free address for %s", iface.MACAddress)
	}
	return ip.IPAddr().IP, nil
}

func (h *Handler) subnetFor(ctx context.Context, iface *data.Interface) (*data.Subnet, error) {
	if iface.SubnetID == nil {
		return nil, nil
	}
	h.catalogMu.Lock()
	defer h.catalogMu.Unlock()
	subnet, err := h.Catalog.GetSubnet(ctx, *iface.SubnetID)
	if err == catalog.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dhcpserver: loading subnet %d: %w", *iface.SubnetID, err)
	}
	return subnet, nil
}

func (h *Handler) buildReply(req *dhcpwire.Packet, mt dhcpwire.MessageType, yiaddr net.IP, subnet *data.Subnet) *dhcpwire.Packet {
	reply := &dhcpwire.Packet{
		Op:      dhcpwire.OpcodeBootReply,
		HType:   req.HType,
		HLen:    req.HLen,
		XID:     req.XID,
		YIAddr:  yiaddr,
		SIAddr:  h.ServerIP,
		GIAddr:  req.GIAddr,
		CHAddr:  req.CHAddr,
		Options: map[uint8][]byte{},
	}
	reply.SetMessageType(mt)
	reply.SetServerIdentifier(h.ServerIP)
	if mt != dhcpwire.MessageTypeNak {
		applySubnetOptions(reply, subnet)
	}
	return reply
}

func (h *Handler) nak(req *dhcpwire.Packet) *dhcpwire.Packet {
	return h.buildReply(req, dhcpwire.MessageTypeNak, nil, nil)
}

func applySubnetOptions(reply *dhcpwire.Packet, subnet *data.Subnet) {
	if subnet == nil {
		return
	}
	if subnet.NetworkV4 != nil {
		reply.SetSubnetMask(net.CIDRMask(int(subnet.NetworkV4.Bits()), 32))
	}
	if !subnet.GatewayV4.IsZero() {
		reply.SetRouters([]net.IP{subnet.GatewayV4.IPAddr().IP})
	}
	if len(subnet.DNSServers) > 0 {
		reply.SetDNSServers(subnet.DNSServers)
	}
	reply.SetLeaseTime(uint32(subnetLeaseTime(subnet).Seconds()))
}

func subnetLeaseTime(subnet *data.Subnet) time.Duration {
	if subnet == nil || subnet.LeaseTime == 0 {
		return time.Hour
	}
	return subnet.LeaseTime
}

func subnetID(subnet *data.Subnet) int64 {
	if subnet == nil {
		return 0
	}
	return subnet.ID
}

func requestedAddress(pkt *dhcpwire.Packet) net.IP {
	if ip := pkt.RequestedIPAddress(); ip != nil {
		return ip
	}
	if !pkt.CIAddr.IsUnspecified() {
		return pkt.CIAddr
	}
	return nil
}

func relayInfo(pkt *dhcpwire.Packet) (rackID, rackPort string, ok bool) {
	info, present := pkt.RelayAgentInformation()
	if !present {
		return "", "", false
	}
	return string(info.CircuitID), string(info.RemoteID), true
}

func sameIP(a netaddr.IP, b netaddr.IP) bool {
	return !a.IsZero() && a == b
}

// deviceNamespace scopes the UUID v5 space this responder mints device
// identifiers in, so the same MAC always hashes to the same UUID across
// restarts without needing to persist a mapping anywhere.
var deviceNamespace = uuid.MustParse("c9c1a516-3b1b-4e8c-9f2a-9a1e9e6b8c1a")

// deviceUUIDForMAC derives a stable device identifier from a MAC address
// for the common case where a device has exactly one interface known to
// this responder; the HTTP iPXE endpoint and out-of-band provisioning
// tooling may assign a richer UUID later via RegisterDevice.
func deviceUUIDForMAC(mac net.HardwareAddr) string {
	return uuid.NewSHA1(deviceNamespace, mac).String()
}
