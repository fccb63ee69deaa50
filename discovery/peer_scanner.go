package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a sender appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen sender disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for watchers.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is one advertised sender.
type Peer struct {
	PeerID     string
	DeviceName string
	Transport  string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	host := p.Addresses[0]
	for _, candidate := range p.Addresses {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			host = candidate
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner keeps a live view of advertised senders with periodic and
// manual mDNS browse operations.
type PeerScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]Peer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes the event stream.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the current snapshot ordered by device name.
func (s *PeerScanner) ListPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPeers(s.peers)
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	collected := make(map[string]Peer)
	if err := browseOnce(scanCtx, s.cfg, s.browse, func(peer Peer) bool {
		collected[peer.PeerID] = peer
		return true
	}); err != nil {
		s.cfg.Logger.WithError(err).Warn("Peer scan failed")
		return err
	}

	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(collected)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func sortedPeers(peers map[string]Peer) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfPeerID {
		return Peer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return Peer{
		PeerID:     peerID,
		DeviceName: name,
		Transport:  strings.TrimSpace(txt["transport"]),
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b Peer) bool {
	return a.PeerID == b.PeerID &&
		a.DeviceName == b.DeviceName &&
		a.Transport == b.Transport &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
