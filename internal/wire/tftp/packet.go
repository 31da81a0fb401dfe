// Package tftp implements the RFC 1350 TFTP packet wire format: parsing
// inbound datagrams into typed packets and serializing typed packets back
// to bytes. It has no knowledge of sockets, sessions, or retransmission;
// see internal/tftpserver for that.
package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies the kind of a TFTP packet.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// ErrorCode is the TFTP error code carried in an ERROR packet.
type ErrorCode uint16

const (
	ErrUndefined         ErrorCode = 0
	ErrFileNotFound      ErrorCode = 1
	ErrAccessViolation   ErrorCode = 2
	ErrDiskFull          ErrorCode = 3
	ErrIllegalOperation  ErrorCode = 4
	ErrUnknownTransferID ErrorCode = 5
	ErrFileAlreadyExists ErrorCode = 6
	ErrNoSuchUser        ErrorCode = 7
)

// BlockSize is the number of data bytes carried in a full DATA block. A
// DATA packet with fewer than BlockSize bytes signals the end of transfer.
const BlockSize = 512

// Packet is any parsed TFTP message.
type Packet interface {
	// Opcode reports the packet's wire opcode.
	Opcode() Opcode
	// CanInitiate reports whether this packet type may open a new transfer.
	// Only RRQ and WRQ can.
	CanInitiate() bool
	// MarshalBinary renders the packet to its wire representation.
	MarshalBinary() ([]byte, error)
}

// RRQ is a read request: the client asking to download filename.
type RRQ struct {
	Filename string
	Mode     string
}

func (RRQ) Opcode() Opcode     { return OpRRQ }
func (RRQ) CanInitiate() bool  { return true }
func (p RRQ) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeOpcode(&buf, OpRRQ)
	writeString(&buf, p.Filename)
	writeString(&buf, p.Mode)
	return buf.Bytes(), nil
}

// WRQ is a write request. The server in this system always rejects these.
type WRQ struct {
	Filename string
	Mode     string
}

func (WRQ) Opcode() Opcode    { return OpWRQ }
func (WRQ) CanInitiate() bool { return true }
func (p WRQ) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeOpcode(&buf, OpWRQ)
	writeString(&buf, p.Filename)
	writeString(&buf, p.Mode)
	return buf.Bytes(), nil
}

// Data carries up to BlockSize bytes of file content for Block.
type Data struct {
	Block uint16
	Bytes []byte
}

func (Data) Opcode() Opcode    { return OpDATA }
func (Data) CanInitiate() bool { return false }
func (p Data) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeOpcode(&buf, OpDATA)
	writeUint16(&buf, p.Block)
	buf.Write(p.Bytes)
	return buf.Bytes(), nil
}

// Ack acknowledges receipt of Block.
type Ack struct {
	Block uint16
}

func (Ack) Opcode() Opcode    { return OpACK }
func (Ack) CanInitiate() bool { return false }
func (p Ack) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	// ACK's opcode is 4, distinct from DATA's 3. An earlier revision of
	// this codec reused DATA's opcode here; that is corrected.
	writeOpcode(&buf, OpACK)
	writeUint16(&buf, p.Block)
	return buf.Bytes(), nil
}

// TFTPError is an ERROR packet, terminating a transfer.
type TFTPError struct {
	Code    ErrorCode
	Message string
}

func (TFTPError) Opcode() Opcode    { return OpERROR }
func (TFTPError) CanInitiate() bool { return false }
func (p TFTPError) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	// The opcode field is always 5; the error classification lives in the
	// body. An earlier revision of this codec wrote the error code itself
	// into the opcode field, which is corrected here.
	writeOpcode(&buf, OpERROR)
	writeUint16(&buf, uint16(p.Code))
	writeString(&buf, p.Message)
	return buf.Bytes(), nil
}

// Parse decodes a raw UDP payload into a Packet.
func Parse(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("tftp: packet too short to contain an opcode")
	}
	op := Opcode(binary.BigEndian.Uint16(b[:2]))
	rest := b[2:]

	switch op {
	case OpRRQ:
		filename, rest, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("tftp: parsing RRQ filename: %w", err)
		}
		mode, rest, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("tftp: parsing RRQ mode: %w", err)
		}
		if len(rest) > 0 {
			// trailing bytes are ignored; Parse does not report them
			_ = rest
		}
		return &RRQ{Filename: filename, Mode: mode}, nil
	case OpWRQ:
		filename, rest, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("tftp: parsing WRQ filename: %w", err)
		}
		mode, rest, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("tftp: parsing WRQ mode: %w", err)
		}
		_ = rest
		return &WRQ{Filename: filename, Mode: mode}, nil
	case OpDATA:
		if len(rest) < 2 {
			return nil, fmt.Errorf("tftp: DATA packet missing block number")
		}
		block := binary.BigEndian.Uint16(rest[:2])
		return &Data{Block: block, Bytes: append([]byte{}, rest[2:]...)}, nil
	case OpACK:
		if len(rest) < 2 {
			return nil, fmt.Errorf("tftp: ACK packet missing block number")
		}
		block := binary.BigEndian.Uint16(rest[:2])
		return &Ack{Block: block}, nil
	case OpERROR:
		if len(rest) < 2 {
			return nil, fmt.Errorf("tftp: ERROR packet missing code")
		}
		code := ErrorCode(binary.BigEndian.Uint16(rest[:2]))
		msg, _, err := readString(rest[2:])
		if err != nil {
			return nil, fmt.Errorf("tftp: parsing ERROR message: %w", err)
		}
		return &TFTPError{Code: code, Message: msg}, nil
	default:
		return nil, fmt.Errorf("tftp: unknown opcode %d", uint16(op))
	}
}

func writeOpcode(buf *bytes.Buffer, op Opcode) {
	writeUint16(buf, uint16(op))
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

// writeString appends s followed by a null terminator, per RFC 1350.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0x00)
}

// readString reads a null-terminated string from the front of b, returning
// the string and the remainder of b after the terminator.
func readString(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0x00)
	if idx < 0 {
		return "", nil, fmt.Errorf("missing null terminator")
	}
	return string(b[:idx]), b[idx+1:], nil
}
