package tftpserver

import (
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/rackops/director/internal/wire/tftp"
)

// retransmitInterval is how long a session waits for an ACK before
// resending the current DATA block.
const retransmitInterval = 1 * time.Second

// maxConsecutiveTimeouts is how many consecutive ACK timeouts end a
// session: every timeout before the last resends the current DATA block,
// and the last closes the session without a resend.
const maxConsecutiveTimeouts = 5

// session owns one ephemeral UDP socket "connected" to a single client,
// for the lifetime of one transfer. Sessions share no mutable state.
type session struct {
	conn  *net.UDPConn
	state *transferState
	log   logr.Logger
}

// newSession dials an ephemeral UDP socket toward client and returns a
// session ready to drive a transfer, or an error if the socket could not
// be opened.
func newSession(client *net.UDPAddr, provider FileProvider, log logr.Logger) (*session, error) {
	conn, err := net.DialUDP("udp", nil, client)
	if err != nil {
		return nil, err
	}
	return &session{
		conn:  conn,
		state: newTransferState(provider),
		log:   log.WithValues("client", client.String()),
	}, nil
}

// run drives the session to completion: send the initial reply for rrq,
// then loop reading ACK/ERROR packets from the dedicated socket until the
// state machine closes.
func (s *session) run(rrq *tftp.RRQ) {
	defer s.conn.Close()

	cf := s.state.handlePacket(rrq)
	if !s.send(cf) {
		return
	}

	timeouts := 0
	buf := make([]byte, 2048)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(retransmitInterval)); err != nil {
			s.log.Error(err, "setting read deadline")
			return
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				timeouts++
				if timeouts >= maxConsecutiveTimeouts {
					s.log.Info("giving up after consecutive timeouts")
					return
				}
				if !s.send(s.state.handleTimeout()) {
					return
				}
				continue
			}
			s.log.Error(err, "reading from session socket")
			return
		}
		timeouts = 0

		pkt, err := tftp.Parse(buf[:n])
		if err != nil {
			s.log.Info("dropping unparseable packet", "err", err.Error())
			continue
		}

		if !s.send(s.state.handlePacket(pkt)) {
			return
		}
	}
}

// send writes cf.reply, if any, and reports whether the session should
// keep running.
func (s *session) send(cf controlFlow) bool {
	if cf.reply != nil {
		b, err := cf.reply.MarshalBinary()
		if err != nil {
			s.log.Error(err, "marshaling reply")
			return false
		}
		if _, err := s.conn.Write(b); err != nil {
			s.log.Error(err, "writing reply")
			return false
		}
	}
	return !cf.closed
}
