// Package tftpserver implements the TFTP transfer engine: component C.
// RRQ-only, lock-step, one ephemeral UDP socket per session.
package tftpserver

import (
	"fmt"

	"github.com/rackops/director/internal/wire/tftp"
)

// FileProvider is the external collaborator a session reads file
// contents from. CreateReader rejects filenames that are not on the
// whitelist the caller configured it with.
type FileProvider interface {
	CreateReader(filename string) (Reader, error)
}

// Reader returns at most tftp.BlockSize bytes per call, returning a
// short read exactly once, at end of file. It is called at most once
// concurrently per session.
type Reader interface {
	Read() ([]byte, error)
}

// stateKind names the transfer state machine's three states.
type stateKind uint8

const (
	stateUninitialized stateKind = iota
	stateReading
	stateComplete
)

// controlFlow is what handling a packet or a timeout tells the session
// to do next.
type controlFlow struct {
	reply  tftp.Packet // nil if nothing should be sent
	closed bool        // true once the session should tear down
}

// transferState is the session's state machine, grounded on
// SPEC_FULL.md §4.C's state table. It holds no network handle of its
// own; session.go drives it from packets/timeouts and does the I/O.
type transferState struct {
	kind     stateKind
	provider FileProvider

	block    uint16
	reader   Reader
	lastData []byte
}

func newTransferState(provider FileProvider) *transferState {
	return &transferState{kind: stateUninitialized, provider: provider}
}

// handlePacket advances the state machine on a received packet.
func (s *transferState) handlePacket(pkt tftp.Packet) controlFlow {
	switch s.kind {
	case stateUninitialized:
		rrq, ok := pkt.(*tftp.RRQ)
		if !ok {
			return s.illegalOperation()
		}
		return s.startReading(rrq)

	case stateReading:
		switch p := pkt.(type) {
		case *tftp.Ack:
			return s.handleAck(p.Block)
		case *tftp.TFTPError:
			s.kind = stateComplete
			return controlFlow{closed: true}
		default:
			return s.illegalOperation()
		}

	default: // stateComplete
		return controlFlow{closed: true}
	}
}

// handleTimeout advances the state machine on a retransmit-interval
// timeout with no packet received.
func (s *transferState) handleTimeout() controlFlow {
	switch s.kind {
	case stateReading:
		return controlFlow{reply: &tftp.Data{Block: s.block, Bytes: s.lastData}}
	default:
		s.kind = stateComplete
		return controlFlow{closed: true}
	}
}

func (s *transferState) startReading(rrq *tftp.RRQ) controlFlow {
	reader, err := s.provider.CreateReader(rrq.Filename)
	if err != nil {
		s.kind = stateComplete
		return controlFlow{
			reply:  &tftp.TFTPError{Code: tftp.ErrFileNotFound, Message: "file not found"},
			closed: true,
		}
	}
	chunk, err := reader.Read()
	if err != nil {
		return s.illegalOperation()
	}

	s.kind = stateReading
	s.reader = reader
	s.block = 1
	s.lastData = chunk
	return controlFlow{reply: &tftp.Data{Block: s.block, Bytes: chunk}}
}

func (s *transferState) handleAck(acked uint16) controlFlow {
	switch {
	case acked == s.block:
		if len(s.lastData) < tftp.BlockSize {
			s.kind = stateComplete
			return controlFlow{closed: true}
		}
		chunk, err := s.reader.Read()
		if err != nil {
			return s.illegalOperation()
		}
		s.block++
		s.lastData = chunk
		return controlFlow{reply: &tftp.Data{Block: s.block, Bytes: chunk}}

	case acked == s.block-1:
		return controlFlow{reply: &tftp.Data{Block: s.block, Bytes: s.lastData}}

	default:
		return s.illegalOperation()
	}
}

func (s *transferState) illegalOperation() controlFlow {
	s.kind = stateComplete
	return controlFlow{
		reply:  &tftp.TFTPError{Code: tftp.ErrIllegalOperation, Message: "illegal TFTP operation"},
		closed: true,
	}
}

// errUnsupportedFile is returned by FileProvider implementations for any
// filename not on their whitelist.
var errUnsupportedFile = fmt.Errorf("tftpserver: unsupported file")
