// Package config loads directord's YAML configuration, layering
// command-line flags and compiled-in defaults on top of the file, and
// watches the file for changes.
package config

import (
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/imdario/mergo"
	"github.com/spf13/viper"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "/etc/directord/config.yaml"

// Netboot holds the boot artifacts the director hands to every device it
// sends to NetBoot.
type Netboot struct {
	Kernel  string `mapstructure:"kernel"`
	Ramdisk string `mapstructure:"ramdisk"`
	Cmdline string `mapstructure:"cmdline"`
}

// TFTP holds the TFTP transfer engine's settings. BindAddr and Root are
// passed to tftpserver; SessionTimeout, MaxConsecutiveTimeouts and
// MaxSessions are loaded but not passed to it, and tftpserver uses its
// own compiled-in values (1s, 5 and 1024).
type TFTP struct {
	BindAddr               string        `mapstructure:"bindAddr"`
	Root                   string        `mapstructure:"root"`
	SessionTimeout         time.Duration `mapstructure:"sessionTimeout"`
	MaxConsecutiveTimeouts int           `mapstructure:"maxConsecutiveTimeouts"`
	MaxSessions            int           `mapstructure:"maxSessions"`
}

// DHCP holds the DHCP responder's bind settings. Enabled is a pointer
// so mergo can tell "unset, take the default" apart from an explicit
// false — a bare bool's zero value is indistinguishable from "disabled
// on purpose" once mergo treats it as empty.
type DHCP struct {
	Enabled   *bool  `mapstructure:"enabled"`
	BindAddr  string `mapstructure:"bindAddr"`
	ServerIP4 string `mapstructure:"serverIp4"`
}

func boolPtr(b bool) *bool { return &b }

// IsEnabled reports whether the DHCP responder should start; absent
// configuration defaults to enabled (mergo fills Enabled from
// defaults() before validate/Watch ever see it, so nil only shows up
// if Load was bypassed).
func (d DHCP) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// HTTP holds the HTTP iPXE endpoint's bind settings.
type HTTP struct {
	BindAddr string `mapstructure:"bindAddr"`
}

// Config is directord's full, merged configuration.
type Config struct {
	// ServerIPv4 is this host's address as seen by booting clients;
	// used as the siaddr/next-server for netboot responses.
	ServerIPv4 string `mapstructure:"serverIpv4"`
	// ServerIPv6 is optional; no server in this process reads it.
	ServerIPv6 string `mapstructure:"serverIpv6"`

	// CatalogDSN is a sqlite3 DSN, usually a file path.
	CatalogDSN string `mapstructure:"catalogDsn"`

	TFTP    TFTP    `mapstructure:"tftp"`
	DHCP    DHCP    `mapstructure:"dhcp"`
	HTTP    HTTP    `mapstructure:"http"`
	Netboot Netboot `mapstructure:"netboot"`

	// LogVerbosity is a logr V-level; hot-reloadable.
	LogVerbosity int `mapstructure:"logVerbosity"`
}

// defaults returns the compiled-in fallback values merged in beneath
// whatever the file/flags/env supplied.
func defaults() *Config {
	return &Config{
		ServerIPv4: "0.0.0.0",
		CatalogDSN: "/var/lib/directord/catalog.db",
		TFTP: TFTP{
			BindAddr:               "0.0.0.0:69",
			Root:                   "/var/lib/directord/tftpboot",
			SessionTimeout:         1 * time.Second,
			MaxConsecutiveTimeouts: 5,
			MaxSessions:            1024,
		},
		DHCP: DHCP{
			Enabled:  boolPtr(true),
			BindAddr: "0.0.0.0:67",
		},
		HTTP: HTTP{
			BindAddr: "0.0.0.0:8080",
		},
		LogVerbosity: 0,
	}
}

// Transformer fills a zero time.Duration field from the defaults during
// the mergo merge; every other type is left to mergo's own rules. Mirrors
// the teacher's own mergo.Transformer use for merging its Listener defaults.
func (c *Config) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf(time.Duration(0)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if dst.CanSet() && dst.Int() == 0 {
			dst.SetInt(src.Int())
		}
		return nil
	}
}

// Load reads path (YAML), layers in environment variables prefixed
// DIRECTORD_ and any flags already bound to v, then fills every
// unset field from the compiled-in defaults.
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DIRECTORD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := mergo.Merge(cfg, defaults(), mergo.WithTransformers(cfg)); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump renders cfg as YAML, for logging the effective configuration
// at startup.
func Dump(cfg *Config) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling effective config: %w", err)
	}
	return string(b), nil
}

func (c *Config) validate() error {
	if net.ParseIP(c.ServerIPv4) == nil {
		return fmt.Errorf("serverIpv4 %q does not parse as an IP address", c.ServerIPv4)
	}
	if c.CatalogDSN == "" {
		return fmt.Errorf("catalogDsn must not be empty")
	}
	if c.TFTP.MaxSessions <= 0 {
		return fmt.Errorf("tftp.maxSessions must be positive")
	}
	return nil
}

// socketFields are compared by Watch to decide whether a reloaded
// config requires a restart rather than a hot swap.
type socketFields struct {
	TFTPBindAddr string
	DHCPBindAddr string
	DHCPEnabled  bool
	HTTPBindAddr string
	CatalogDSN   string
}

func (c *Config) socketFields() socketFields {
	return socketFields{
		TFTPBindAddr: c.TFTP.BindAddr,
		DHCPBindAddr: c.DHCP.BindAddr,
		DHCPEnabled:  c.DHCP.IsEnabled(),
		HTTPBindAddr: c.HTTP.BindAddr,
		CatalogDSN:   c.CatalogDSN,
	}
}

// Watch re-reads the config file on every change viper's underlying
// fsnotify watch reports. onReload is called with the newly merged
// Config; callers apply only the fields that changed. When a field
// that requires rebinding a listening socket changed, restartRequired
// is true and the caller should log it and ignore the rest of the
// reload rather than try to hot-swap a socket.
func Watch(path string, v *viper.Viper, log logr.Logger, onReload func(cfg *Config, restartRequired bool)) {
	prev, err := Load(path, v)
	if err != nil {
		log.Error(err, "loading config for watch")
		return
	}
	prevSockets := prev.socketFields()

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(path, viper.New())
		if err != nil {
			log.Error(err, "reloading config")
			return
		}
		sockets := cfg.socketFields()
		restart := sockets != prevSockets
		if restart {
			log.Info("config change requires restart, ignoring until then", "path", path)
		} else {
			prevSockets = sockets
		}
		onReload(cfg, restart)
	})
	v.WatchConfig()
}
