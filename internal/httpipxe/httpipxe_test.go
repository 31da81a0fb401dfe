package httpipxe

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/rackops/director/data"
	"github.com/rackops/director/internal/catalog"
)

type fakePolicy struct {
	target data.BootTarget
	err    error
}

func (f *fakePolicy) NextBootTarget(context.Context, string) (data.BootTarget, error) {
	return f.target, f.err
}

type fakeCatalog struct {
	catalog.Catalog
	iface *data.Interface
	err   error
}

func (f *fakeCatalog) FindInterfaceByMAC(context.Context, net.HardwareAddr) (*data.Interface, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.iface, nil
}

func TestHandleByUUIDMissingParam(t *testing.T) {
	s := New(&fakePolicy{}, &fakeCatalog{}, logr.Discard())
	req := httptest.NewRequest("GET", "/ipxe", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleByUUIDLocalDisk(t *testing.T) {
	s := New(&fakePolicy{target: data.BootTarget{Kind: data.BootLocalDisk}}, &fakeCatalog{}, logr.Discard())
	req := httptest.NewRequest("GET", "/ipxe?uuid=abc", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "#!ipxe\nsanboot --no-describe --drive 0x80\n" {
		t.Fatalf("body = %q", got)
	}
}

func TestHandleByUUIDNetBoot(t *testing.T) {
	target := data.BootTarget{
		Kind: data.BootNetBoot,
		Profile: data.NetbootProfile{
			Kernel:  "http://x/vmlinuz",
			Ramdisk: "http://x/initrd",
			Cmdline: "console=ttyS0",
		},
	}
	s := New(&fakePolicy{target: target}, &fakeCatalog{}, logr.Discard())
	req := httptest.NewRequest("GET", "/ipxe?uuid=abc", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "kernel http://x/vmlinuz") || !strings.Contains(body, "console=ttyS0") {
		t.Fatalf("body missing expected fields: %q", body)
	}
}

func TestHandleByUUIDPolicyErrorYields500(t *testing.T) {
	s := New(&fakePolicy{err: errors.New("boom")}, &fakeCatalog{}, logr.Discard())
	req := httptest.NewRequest("GET", "/ipxe?uuid=abc", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("internal error detail leaked to client: %q", rec.Body.String())
	}
}

func TestHandleByMACUnknownInterface(t *testing.T) {
	s := New(&fakePolicy{}, &fakeCatalog{err: catalog.ErrNotFound}, logr.Discard())
	req := httptest.NewRequest("GET", "/ipxe/aa:bb:cc:dd:ee:ff", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleByMACResolvesUUID(t *testing.T) {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	s := New(&fakePolicy{target: data.BootTarget{Kind: data.BootLocalDisk}}, &fakeCatalog{
		iface: &data.Interface{DeviceUUID: "device-1", MACAddress: mac},
	}, logr.Discard())

	req := httptest.NewRequest("GET", "/ipxe/aa:bb:cc:dd:ee:ff", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

