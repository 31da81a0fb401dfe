package tftp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := map[string]struct {
		in      []byte
		want    Packet
		wantErr bool
	}{
		"rrq": {
			in:   []byte{0x00, 0x01, 'a', '.', 'e', 'f', 'i', 0x00, 'o', 'c', 't', 'e', 't', 0x00},
			want: &RRQ{Filename: "a.efi", Mode: "octet"},
		},
		"wrq": {
			in:   []byte{0x00, 0x02, 'x', 0x00, 'n', 'e', 't', 'a', 's', 'c', 'i', 'i', 0x00},
			want: &WRQ{Filename: "x", Mode: "netascii"},
		},
		"data": {
			in:   []byte{0x00, 0x03, 0x00, 0x01, 'h', 'i'},
			want: &Data{Block: 1, Bytes: []byte("hi")},
		},
		"data empty": {
			in:   []byte{0x00, 0x03, 0x00, 0x02},
			want: &Data{Block: 2, Bytes: []byte{}},
		},
		"ack": {
			in:   []byte{0x00, 0x04, 0x00, 0x07},
			want: &Ack{Block: 7},
		},
		"error": {
			in:   []byte{0x00, 0x05, 0x00, 0x01, 'n', 'o', 'p', 'e', 0x00},
			want: &TFTPError{Code: ErrFileNotFound, Message: "nope"},
		},
		"unknown opcode": {
			in:      []byte{0x00, 0x09},
			wantErr: true,
		},
		"rrq missing terminator": {
			in:      []byte{0x00, 0x01, 'a'},
			wantErr: true,
		},
		"too short": {
			in:      []byte{0x00},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected packet (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMarshalBinary(t *testing.T) {
	tests := map[string]struct {
		in   Packet
		want []byte
	}{
		"rrq": {
			in:   RRQ{Filename: "ipxe.efi", Mode: "octet"},
			want: append(append([]byte{0x00, 0x01}, []byte("ipxe.efi\x00octet\x00")...)),
		},
		"ack uses opcode 4, not DATA's opcode": {
			in:   Ack{Block: 3},
			want: []byte{0x00, 0x04, 0x00, 0x03},
		},
		"data": {
			in:   Data{Block: 2, Bytes: []byte{1, 2, 3}},
			want: []byte{0x00, 0x03, 0x00, 0x02, 1, 2, 3},
		},
		"error preserves opcode 5 separate from its code": {
			in:   TFTPError{Code: ErrIllegalOperation, Message: "bad"},
			want: append([]byte{0x00, 0x05, 0x00, 0x04}, []byte("bad\x00")...),
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tt.in.MarshalBinary()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected bytes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	pkts := []Packet{
		&RRQ{Filename: "undionly.kpxe", Mode: "octet"},
		&WRQ{Filename: "x", Mode: "octet"},
		&Data{Block: 1, Bytes: []byte("hello")},
		&Ack{Block: 9},
		&TFTPError{Code: ErrUnknownTransferID, Message: "tid mismatch"},
	}
	for _, p := range pkts {
		b, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := Parse(b)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if diff := cmp.Diff(p, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestCanInitiate(t *testing.T) {
	if !(RRQ{}).CanInitiate() {
		t.Fatalf("RRQ should be able to initiate a transfer")
	}
	if !(WRQ{}).CanInitiate() {
		t.Fatalf("WRQ should be able to initiate a transfer")
	}
	if (Ack{}).CanInitiate() {
		t.Fatalf("ACK should not be able to initiate a transfer")
	}
	if (Data{}).CanInitiate() {
		t.Fatalf("DATA should not be able to initiate a transfer")
	}
	if (TFTPError{}).CanInitiate() {
		t.Fatalf("ERROR should not be able to initiate a transfer")
	}
}
