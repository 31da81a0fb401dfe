package tftpserver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rackops/director/internal/wire/tftp"
)

// DiskProvider serves files out of a root directory, restricted to a
// fixed whitelist of boot-loader filenames.
type DiskProvider struct {
	Root      string
	Whitelist map[string]bool
}

// DefaultWhitelist is the set of boot loader filenames this system's
// iPXE flow actually hands out over TFTP.
var DefaultWhitelist = map[string]bool{
	"ipxe.efi":      true,
	"undionly.kpxe": true,
	"snp.efi":       true,
}

// NewDiskProvider returns a DiskProvider rooted at root, using
// DefaultWhitelist.
func NewDiskProvider(root string) *DiskProvider {
	return &DiskProvider{Root: root, Whitelist: DefaultWhitelist}
}

func (p *DiskProvider) CreateReader(filename string) (Reader, error) {
	if !p.Whitelist[filename] {
		return nil, fmt.Errorf("%w: %s", errUnsupportedFile, filename)
	}
	f, err := os.Open(filepath.Join(p.Root, filename))
	if err != nil {
		return nil, err
	}
	return &diskReader{br: bufio.NewReader(f), f: f}, nil
}

// diskReader reads a file in tftp.BlockSize chunks, producing exactly one
// short (possibly empty) final read, per the Reader contract.
type diskReader struct {
	br   *bufio.Reader
	f    *os.File
	done bool
}

func (r *diskReader) Read() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	buf := make([]byte, tftp.BlockSize)
	n, err := io.ReadFull(r.br, buf)
	switch {
	case err == nil:
		return buf, nil
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		r.done = true
		_ = r.f.Close()
		return buf[:n], nil
	default:
		_ = r.f.Close()
		return nil, err
	}
}
