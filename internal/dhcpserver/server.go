package dhcpserver

import (
	"context"
	"net"
	"sync"

	"github.com/go-logr/logr"

	dhcpwire "github.com/rackops/director/internal/wire/dhcp"
)

// Server is the DHCP acceptor: component E's DHCP half. It owns the
// listening socket on port 67 and spawns one goroutine per received
// datagram to run the Handler; replies are written back from the same
// listening socket.
type Server struct {
	Conn    *net.UDPConn
	Handler *Handler
	Logger  logr.Logger

	wg sync.WaitGroup
}

// ServerOpt configures a Server built by NewServer.
type ServerOpt func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log logr.Logger) ServerOpt {
	return func(s *Server) { s.Logger = log }
}

// NewServer binds addr (normally 0.0.0.0:67) and returns a Server ready
// to Serve packets to handler.
func NewServer(addr *net.UDPAddr, handler *Handler, opts ...ServerOpt) (*Server, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{Conn: conn, Handler: handler, Logger: logr.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Serve accepts datagrams until ctx is done or the socket errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Conn.Close()
	}()

	for {
		buf := make([]byte, 4096)
		n, peer, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.Logger.Error(err, "reading from listener")
			return err
		}

		pkt, err := dhcpwire.Parse(buf[:n])
		if err != nil {
			s.Logger.Info("dropping unparseable packet", "peer", peer.String(), "err", err.Error())
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleOne(ctx, pkt)
		}()
	}
}

// Wait blocks until every datagram accepted before Serve returned has
// been fully handled.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleOne(ctx context.Context, pkt *dhcpwire.Packet) {
	reply := s.Handler.Handle(ctx, pkt)
	if reply == nil {
		return
	}

	b, err := reply.MarshalBinary()
	if err != nil {
		s.Logger.Error(err, "marshaling reply")
		return
	}

	if _, err := s.Conn.WriteToUDP(b, replyDestination(pkt)); err != nil {
		s.Logger.Error(err, "writing reply")
	}
}

// replyDestination chooses where to send a reply per RFC 2131 relay-agent
// behavior: giaddr:67 when the request came through a relay, otherwise
// broadcast to 255.255.255.255:68 if the client has no address yet, else
// unicast to ciaddr:68. An earlier revision of this responder ignored
// giaddr entirely; relayed requests are now routed back through the relay.
func replyDestination(pkt *dhcpwire.Packet) *net.UDPAddr {
	if !pkt.GIAddr.IsUnspecified() {
		return &net.UDPAddr{IP: pkt.GIAddr, Port: 67}
	}
	if pkt.CIAddr.IsUnspecified() {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	}
	return &net.UDPAddr{IP: pkt.CIAddr, Port: 68}
}
