package tftpserver

import (
	"context"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/rackops/director/internal/wire/tftp"
)

// maxSessions bounds how many transfers this server will run
// concurrently; beyond that an RRQ is rejected with ERROR{Undefined,"busy"}.
const maxSessions = 1024

// Server listens on the well-known TFTP port, accepting RRQs and handing
// each off to its own session goroutine with its own ephemeral socket.
type Server struct {
	Conn     *net.UDPConn
	Provider FileProvider
	Logger   logr.Logger

	sessions chan struct{}
	wg       sync.WaitGroup
}

// ServerOpt configures a Server constructed by NewServer.
type ServerOpt func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log logr.Logger) ServerOpt {
	return func(s *Server) { s.Logger = log }
}

// NewServer binds addr (normally :69) and returns a Server ready to Serve.
func NewServer(addr *net.UDPAddr, provider FileProvider, opts ...ServerOpt) (*Server, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Conn:     conn,
		Provider: provider,
		Logger:   logr.Discard(),
		sessions: make(chan struct{}, maxSessions),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Serve accepts RRQs until ctx is done or the listening socket errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
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

		pkt, err := tftp.Parse(buf[:n])
		if err != nil {
			s.Logger.Info("dropping unparseable packet", "peer", peer.String(), "err", err.Error())
			continue
		}

		rrq, ok := pkt.(*tftp.RRQ)
		if !ok {
			s.Logger.Info("rejecting non-RRQ on listener socket", "peer", peer.String(), "opcode", pkt.Opcode().String())
			if b, err := (&tftp.TFTPError{Code: tftp.ErrIllegalOperation}).MarshalBinary(); err == nil {
				_, _ = s.Conn.WriteToUDP(b, peer)
			}
			continue
		}

		s.accept(peer, rrq)
	}
}

// accept starts a session for rrq from peer, rejecting it if the server
// is already running maxSessions transfers.
func (s *Server) accept(peer *net.UDPAddr, rrq *tftp.RRQ) {
	select {
	case s.sessions <- struct{}{}:
	default:
		s.rejectBusy(peer)
		return
	}

	sess, err := newSession(peer, s.Provider, s.Logger)
	if err != nil {
		<-s.sessions
		s.Logger.Error(err, "opening session socket", "peer", peer.String())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sessions }()
		sess.run(rrq)
	}()
}

// Wait blocks until every session accepted before Serve returned has
// finished. Callers shut down by canceling Serve's context, then call
// Wait before exiting so in-flight transfers unwind instead of being
// cut off mid-block.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) rejectBusy(peer *net.UDPAddr) {
	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		s.Logger.Error(err, "rejecting busy client", "peer", peer.String())
		return
	}
	defer conn.Close()

	b, err := (&tftp.TFTPError{Code: tftp.ErrUndefined, Message: "busy"}).MarshalBinary()
	if err != nil {
		return
	}
	_, _ = conn.Write(b)
}
