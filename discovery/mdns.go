package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultResolveTimeout bounds a peer identifier lookup.
	DefaultResolveTimeout = 10 * time.Second
)

// ErrPeerNotFound indicates no advertiser answered for a peer identifier.
var ErrPeerNotFound = errors.New("discovery: peer not found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and lookups.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	ResolveTimeout  time.Duration

	// PeerID is the advertised sender identifier. Scanners skip it.
	PeerID     string
	DeviceName string
	Port       int
	Transport  string

	Logger logrus.FieldLogger

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
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = DefaultResolveTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Advertiser publishes one sender on the LAN.
type Advertiser struct {
	server *zeroconf.Server
	log    logrus.FieldLogger
}

// Advertise registers the sender's peer identifier and rendezvous port.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"peer_id=" + cfg.PeerID,
		"version=" + strconv.Itoa(cfg.Version),
	}
	if cfg.Transport != "" {
		txt = append(txt, "transport="+cfg.Transport)
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	log := cfg.Logger.WithFields(logrus.Fields{
		"peer": cfg.PeerID,
		"port": cfg.Port,
	})
	log.Info("Advertising sender")
	return &Advertiser{server: server, log: log}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Debug("Advertisement stopped")
}

// Resolve browses until an advertiser for peerID answers. It returns
// ErrPeerNotFound when the resolve timeout elapses first.
func Resolve(ctx context.Context, config Config, peerID string) (Peer, error) {
	cfg := config.withDefaults()
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return Peer{}, errors.New("peer ID is required")
	}

	browse, err := cfg.browser()
	if err != nil {
		return Peer{}, err
	}

	resolveCtx, cancel := context.WithTimeout(ctx, cfg.ResolveTimeout)
	defer cancel()

	// The self filter must not hide the peer being resolved.
	cfg.PeerID = ""
	var found *Peer
	err = browseOnce(resolveCtx, cfg, browse, func(peer Peer) bool {
		if peer.PeerID != peerID || len(peer.Addresses) == 0 {
			return true
		}
		found = &peer
		return false
	})
	if found != nil {
		cfg.Logger.WithFields(logrus.Fields{
			"peer":    peerID,
			"address": found.Address(),
		}).Debug("Resolved peer")
		return *found, nil
	}
	if err != nil {
		return Peer{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Peer{}, ctxErr
	}
	return Peer{}, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
}

// Scan browses for one scan window and returns every advertised sender.
func Scan(ctx context.Context, config Config) ([]Peer, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	collected := make(map[string]Peer)
	if err := browseOnce(scanCtx, cfg, browse, func(peer Peer) bool {
		collected[peer.PeerID] = peer
		return true
	}); err != nil {
		return nil, err
	}
	return sortedPeers(collected), nil
}

// browseOnce feeds parsed entries to visit until visit returns false or ctx
// ends. A context ending is not an error.
func browseOnce(ctx context.Context, cfg Config, browse browseFunc, visit func(Peer) bool) error {
	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, cfg.PeerID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				if !visit(peer) {
					cancel()
					return
				}
			}
		}
	}()

	browseErr := browse(browseCtx, cfg.Service, cfg.Domain, entries)
	if browseErr == nil || errors.Is(browseErr, context.DeadlineExceeded) || errors.Is(browseErr, context.Canceled) {
		<-browseCtx.Done()
		browseErr = nil
	} else {
		cancel()
	}
	<-collectorDone

	if browseErr != nil {
		return fmt.Errorf("browse mDNS: %w", browseErr)
	}
	return nil
}
