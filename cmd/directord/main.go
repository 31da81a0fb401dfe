// Command directord is the boot-orchestrator entry point: it loads
// configuration, opens the catalog, seeds the IP pool, and runs the
// TFTP, DHCP, and HTTP iPXE servers until told to shut down.
package main

import (
	"context"
	"flag"
	stdlog "log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/viper"

	"github.com/rackops/director/internal/catalog"
	"github.com/rackops/director/internal/config"
	"github.com/rackops/director/internal/dhcpserver"
	"github.com/rackops/director/internal/director"
	"github.com/rackops/director/internal/httpipxe"
	"github.com/rackops/director/internal/ippool"
	"github.com/rackops/director/internal/tftpserver"
)

const serviceName = "github.com/rackops/director"

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer stop()

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, serviceName)
	defer otelShutdown(ctx)

	log := stdr.New(stdlog.New(os.Stdout, "", stdlog.Lshortfile)).WithName(serviceName)

	cfg, err := config.Load(*configPath, viper.New())
	if err != nil {
		log.Error(err, "loading configuration", "path", *configPath)
		os.Exit(1)
	}
	stdr.SetVerbosity(cfg.LogVerbosity)
	if dump, err := config.Dump(cfg); err == nil {
		log.Info("starting", "config", dump)
	}

	if err := run(ctx, cfg, *configPath, log); err != nil {
		log.Error(err, "exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, log logr.Logger) error {
	cat, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return err
	}
	defer cat.Close()

	pool, err := loadPool(ctx, cat)
	if err != nil {
		return err
	}

	dir := director.New(cat, director.DefaultInstaller{
		Kernel:  cfg.Netboot.Kernel,
		Ramdisk: cfg.Netboot.Ramdisk,
		Cmdline: cfg.Netboot.Cmdline,
	}, log)

	config.Watch(configPath, viper.New(), log, func(newCfg *config.Config, restartRequired bool) {
		if restartRequired {
			return
		}
		stdr.SetVerbosity(newCfg.LogVerbosity)
		log.Info("configuration hot-reloaded", "logVerbosity", newCfg.LogVerbosity)
	})

	tftpAddr, err := net.ResolveUDPAddr("udp", cfg.TFTP.BindAddr)
	if err != nil {
		return err
	}
	tftpSrv, err := tftpserver.NewServer(tftpAddr, tftpserver.NewDiskProvider(cfg.TFTP.Root), tftpserver.WithLogger(log.WithName("tftp")))
	if err != nil {
		return err
	}

	var dhcpSrv *dhcpserver.Server
	if cfg.DHCP.IsEnabled() {
		dhcpAddr, err := net.ResolveUDPAddr("udp", cfg.DHCP.BindAddr)
		if err != nil {
			return err
		}
		serverIP := net.ParseIP(cfg.ServerIPv4)
		handler := dhcpserver.New(cat, pool, serverIP, log.WithName("dhcp"))
		dhcpSrv, err = dhcpserver.NewServer(dhcpAddr, handler, dhcpserver.WithLogger(log.WithName("dhcp")))
		if err != nil {
			return err
		}
	}

	httpSrv := httpipxe.New(dir, cat, log.WithName("httpipxe"))

	go func() { logServeError(log, "tftp", tftpSrv.Serve(ctx)) }()
	if dhcpSrv != nil {
		go func() { logServeError(log, "dhcp", dhcpSrv.Serve(ctx)) }()
	}
	go func() { logServeError(log, "httpipxe", httpSrv.ListenAndServe(ctx, cfg.HTTP.BindAddr)) }()

	log.Info("serving", "tftp", cfg.TFTP.BindAddr, "dhcp", cfg.DHCP.BindAddr, "dhcpEnabled", cfg.DHCP.IsEnabled(), "http", cfg.HTTP.BindAddr)

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for in-flight sessions")

	tftpSrv.Wait()
	if dhcpSrv != nil {
		dhcpSrv.Wait()
	}

	return nil
}

// loadPool builds the in-memory IP pool from the catalog's subnets,
// then seeds every active lease's address so it won't be re-allocated.
func loadPool(ctx context.Context, cat catalog.Catalog) (*ippool.Pool, error) {
	pool := ippool.New()

	subnets, err := cat.ListSubnets(ctx)
	if err != nil {
		return nil, err
	}
	for _, subnet := range subnets {
		if subnet.NetworkV4 != nil {
			pool.AddSubnet(subnet.ID, *subnet.NetworkV4)
		}
		if subnet.NetworkV6 != nil {
			pool.AddSubnet(subnet.ID, *subnet.NetworkV6)
		}
	}

	leases, err := cat.ListActiveLeases(ctx)
	if err != nil {
		return nil, err
	}
	for _, lease := range leases {
		pool.MarkUsed(lease.IPAddress)
	}

	return pool, nil
}

func logServeError(log logr.Logger, name string, err error) {
	if err != nil {
		log.Error(err, "server stopped", "server", name)
	}
}
