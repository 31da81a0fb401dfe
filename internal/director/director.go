// Package director implements the Policy contract: component G. It
// decides, for a given device UUID, whether the next boot should go to
// local disk or to the network installer, and keeps the catalog's
// device/last-seen record current as it does so.
package director

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rackops/director/data"
	"github.com/rackops/director/internal/catalog"
)

const tracerName = "github.com/rackops/director/internal/director"

// DefaultInstaller describes the NetBoot target handed to devices that
// have not completed intake. It is sourced from configuration at
// startup; the zero value is usable but produces an iPXE script whose
// kernel, initrd and imgargs lines carry empty values.
type DefaultInstaller struct {
	Kernel  string
	Ramdisk string
	Cmdline string
}

// Director implements Policy against a Catalog. It holds no boot-target
// state of its own; every decision is read fresh from the catalog so
// that provisioning flips made by an out-of-band system take effect on
// the device's next boot attempt without restarting this process.
type Director struct {
	Catalog   catalog.Catalog
	Installer DefaultInstaller
	Log       logr.Logger
}

// New returns a Director backed by cat, handing out def as the NetBoot
// target for any device that is unknown or not yet provisioned.
func New(cat catalog.Catalog, def DefaultInstaller, log logr.Logger) *Director {
	return &Director{Catalog: cat, Installer: def, Log: log}
}

// RegisterDevice upserts uuid into the catalog and bumps its
// last_seen_at. It is idempotent: calling it for a device that already
// exists only refreshes the timestamp.
func (d *Director) RegisterDevice(ctx context.Context, uuid string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "RegisterDevice", trace.WithAttributes(attribute.String("device.uuid", uuid)))
	defer span.End()

	if err := d.Catalog.RegisterDevice(ctx, uuid); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("director: registering device %s: %w", uuid, err)
	}
	return nil
}

// NextBootTarget decides what uuid should boot into next.
//
//   - Unknown device (first boot): register it and return NetBoot with
//     the default installer. An unseen machine goes to the installer,
//     never straight to local disk.
//   - Known and provisioned: return LocalDisk.
//   - Known and not yet provisioned: return NetBoot with the default
//     installer, same as an unseen device.
func (d *Director) NextBootTarget(ctx context.Context, uuid string) (data.BootTarget, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "NextBootTarget", trace.WithAttributes(attribute.String("device.uuid", uuid)))
	defer span.End()

	netboot := data.BootTarget{
		Kind: data.BootNetBoot,
		Profile: data.NetbootProfile{
			Kernel:  d.Installer.Kernel,
			Ramdisk: d.Installer.Ramdisk,
			Cmdline: d.Installer.Cmdline,
		},
	}

	known, err := d.Catalog.IsDeviceKnown(ctx, uuid)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return data.BootTarget{}, fmt.Errorf("director: checking device %s: %w", uuid, err)
	}
	if !known {
		d.Log.Info("unseen device, registering and sending to installer", "uuid", uuid)
		if err := d.Catalog.RegisterDevice(ctx, uuid); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return data.BootTarget{}, fmt.Errorf("director: registering device %s: %w", uuid, err)
		}
		span.SetAttributes(attribute.String("boot.target", "netboot"), attribute.Bool("device.known", false))
		return netboot, nil
	}

	dev, err := d.Catalog.GetDevice(ctx, uuid)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return data.BootTarget{}, fmt.Errorf("director: loading device %s: %w", uuid, err)
	}

	if dev.Provisioned {
		span.SetAttributes(attribute.String("boot.target", "localdisk"), attribute.Bool("device.known", true))
		return data.BootTarget{Kind: data.BootLocalDisk}, nil
	}

	span.SetAttributes(attribute.String("boot.target", "netboot"), attribute.Bool("device.known", true))
	return netboot, nil
}
