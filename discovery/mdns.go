package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_hbbr._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second

	txtVersion = "version"
	txtKey     = "key"
	txtWSPort  = "ws_port"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and scanning.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// Instance is the advertised instance name; defaults to hbbr-<hostname>.
	Instance  string
	Port      int
	WSPort    int
	PublicKey string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "relay"
		}
		out.Instance = "hbbr-" + host
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("relay port must be > 0")
	}
	return nil
}

// Broadcaster advertises the relay via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtKey + "=" + cfg.PublicKey,
	}
	if cfg.WSPort > 0 {
		txt = append(txt, txtWSPort+"="+strconv.Itoa(cfg.WSPort))
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Advertise broadcasts until ctx is done.
func Advertise(ctx context.Context, config Config) error {
	broadcaster, err := StartBroadcaster(config)
	if err != nil {
		return err
	}
	defer broadcaster.Stop()

	<-ctx.Done()
	return nil
}
