// Package telemetry translates wire-level DHCP packets into
// OpenTelemetry attributes, so a handler span can be annotated with
// the fields that mattered for a given request without every handler
// reimplementing the same option-by-option encoding.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dhcpwire "github.com/rackops/director/internal/wire/dhcp"
)

const keyNamespace = "DHCP"

// optNotFoundError marks an encoder's failure as "the packet simply
// didn't carry this option", distinct from a coding error — Encode
// logs it at V(1) rather than as a warning.
type optNotFoundError struct {
	optName string
}

func (e *optNotFoundError) Error() string {
	return fmt.Sprintf("%q not found in DHCP packet", e.optName)
}

func (e *optNotFoundError) found() bool { return true }

func (e *optNotFoundError) Is(target error) bool {
	_, ok := target.(*optNotFoundError)
	return ok
}

type found interface{ found() bool }

// OptNotFound reports whether err is an option-not-found error.
func OptNotFound(err error) bool {
	te, ok := err.(found)
	return ok && te.found()
}

// Encoder accumulates OpenTelemetry attributes from DHCP packets.
type Encoder struct {
	Log        logr.Logger
	Attributes []attribute.KeyValue
}

// PacketEncoderFunc adds zero or one attribute to an Encoder from a
// parsed DHCP packet, or returns an error explaining why it couldn't.
type PacketEncoderFunc func(pkt *dhcpwire.Packet, namespace string) error

// Encode runs every encoder against pkt, logging (not failing) any
// that could not add an attribute, and returns the accumulated set.
func (e *Encoder) Encode(pkt *dhcpwire.Packet, namespace string, encoders ...PacketEncoderFunc) []attribute.KeyValue {
	for _, enc := range encoders {
		if err := enc(pkt, namespace); err != nil {
			e.Log.V(1).Info("opentelemetry attribute not added", "error", err)
		}
	}
	return e.Attributes
}

func (e *Encoder) add(key, val string) {
	e.Attributes = append(e.Attributes, attribute.String(key, val))
}

// EncodeMessageType adds option 53.
func (e *Encoder) EncodeMessageType(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt53.MessageType", keyNamespace, namespace)
	if pkt != nil && pkt.MessageType() != dhcpwire.MessageTypeNone {
		e.add(key, pkt.MessageType().String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeSubnetMask adds option 1.
func (e *Encoder) EncodeSubnetMask(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt1.SubnetMask", keyNamespace, namespace)
	if pkt != nil && pkt.SubnetMask() != nil {
		e.add(key, pkt.SubnetMask().String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeRouters adds option 3.
func (e *Encoder) EncodeRouters(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt3.DefaultGateway", keyNamespace, namespace)
	if pkt != nil {
		if routers := joinIPs(pkt.Routers()); routers != "" {
			e.add(key, routers)
			return nil
		}
	}
	return &optNotFoundError{optName: key}
}

// EncodeDNSServers adds option 6.
func (e *Encoder) EncodeDNSServers(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt6.NameServers", keyNamespace, namespace)
	if pkt != nil {
		if ns := joinIPs(pkt.DNSServers()); ns != "" {
			e.add(key, ns)
			return nil
		}
	}
	return &optNotFoundError{optName: key}
}

// EncodeDomainName adds option 15.
func (e *Encoder) EncodeDomainName(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt15.DomainName", keyNamespace, namespace)
	if pkt != nil && pkt.DomainName() != "" {
		e.add(key, pkt.DomainName())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeRequestedIPAddress adds option 50.
func (e *Encoder) EncodeRequestedIPAddress(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt50.RequestedIPAddress", keyNamespace, namespace)
	if pkt != nil && pkt.RequestedIPAddress() != nil {
		e.add(key, pkt.RequestedIPAddress().String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeLeaseTime adds option 51.
func (e *Encoder) EncodeLeaseTime(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt51.LeaseTime", keyNamespace, namespace)
	if pkt != nil && pkt.LeaseTime() != 0 {
		e.Attributes = append(e.Attributes, attribute.Int64(key, int64(pkt.LeaseTime())))
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeServerIdentifier adds option 54.
func (e *Encoder) EncodeServerIdentifier(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt54.ServerIdentifier", keyNamespace, namespace)
	if pkt != nil && pkt.ServerIdentifier() != nil {
		e.add(key, pkt.ServerIdentifier().String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeRelayAgentInformation adds option 82's circuit-id/remote-id.
func (e *Encoder) EncodeRelayAgentInformation(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt82.RelayAgentInformation", keyNamespace, namespace)
	if pkt != nil {
		if info, ok := pkt.RelayAgentInformation(); ok {
			e.add(key, fmt.Sprintf("circuit-id=%x,remote-id=%x", info.CircuitID, info.RemoteID))
			return nil
		}
	}
	return &optNotFoundError{optName: key}
}

// EncodeYIADDR adds the yiaddr header field.
func (e *Encoder) EncodeYIADDR(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.yiaddr", keyNamespace, namespace)
	if pkt != nil && pkt.YIAddr != nil && !pkt.YIAddr.IsUnspecified() {
		e.add(key, pkt.YIAddr.String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeCHADDR adds the chaddr header field.
func (e *Encoder) EncodeCHADDR(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.chaddr", keyNamespace, namespace)
	if pkt != nil && pkt.CHAddr != nil {
		e.add(key, pkt.CHAddr.String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

// EncodeGIADDR adds the giaddr header field, present only on relayed requests.
func (e *Encoder) EncodeGIADDR(pkt *dhcpwire.Packet, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.giaddr", keyNamespace, namespace)
	if pkt != nil && pkt.GIAddr != nil && !pkt.GIAddr.IsUnspecified() {
		e.add(key, pkt.GIAddr.String())
		return nil
	}
	return &optNotFoundError{optName: key}
}

func joinIPs(ips []net.IP) string {
	if len(ips) == 0 {
		return ""
	}
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return strings.Join(out, ",")
}

// TraceparentFromContext extracts the binary trace id, span id, and
// trace flags from the running span in ctx as a 26-byte traceparent,
// suitable for carrying in a vendor-specific DHCP option for a client
// that understands it.
func TraceparentFromContext(ctx context.Context) []byte {
	sc := trace.SpanContextFromContext(ctx)
	tpBytes := make([]byte, 0, 26)

	tid := [16]byte(sc.TraceID())
	sid := [8]byte(sc.SpanID())

	tpBytes = append(tpBytes, 0x00)
	tpBytes = append(tpBytes, tid[:]...)
	tpBytes = append(tpBytes, sid[:]...)
	if sc.IsSampled() {
		tpBytes = append(tpBytes, 0x01)
	} else {
		tpBytes = append(tpBytes, 0x00)
	}

	return tpBytes
}
