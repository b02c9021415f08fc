// Package registry implements the node registry and failure detector:
// periodic HTTP probing of every address on a configured IPv4 /24,
// consecutive-failure tracking, and peer-loss/peer-join events
// consumed by the replica directory.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Peer is one tracked cluster member.
type Peer struct {
	ID      string
	Addr    string // host:port probed via HTTP GET /
	lastErr error
}

type peerState struct {
	addr                string
	consecutiveFailures int
	everSucceeded       bool
}

// Event is emitted on PeerLoss/PeerJoin whenever the registry's view of
// the live-peer set changes.
type Event struct {
	Kind EventKind
	Peer Peer
}

type EventKind int

const (
	EventPeerJoin EventKind = iota
	EventPeerLoss
)

// Config tunes a Registry.
type Config struct {
	Subnet         string // CIDR, e.g. "10.0.1.0/24"
	Port           int
	ProbeInterval  time.Duration
	NetworkTimeout time.Duration
	FailThreshold  int
	FanOutLimit    int
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:  5 * time.Second,
		NetworkTimeout: 5 * time.Second,
		FailThreshold:  3,
		FanOutLimit:    32,
	}
}

// Prober abstracts the network call so tests can substitute a fake.
// The production implementation is httpProber, an HTTP GET /.
type Prober interface {
	Probe(ctx context.Context, addr string) (id string, err error)
}

// httpProber issues a real HTTP GET / and reads the node id from the
// JSON descriptor body's "id" field, matching the GET / handler that
// returns the node descriptor.
type httpProber struct {
	client *http.Client
}

func newHTTPProber(timeout time.Duration) *httpProber {
	return &httpProber{client: &http.Client{Timeout: timeout}}
}

func (p *httpProber) Probe(ctx context.Context, addr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry: probe %s returned status %d", addr, resp.StatusCode)
	}
	var desc struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return "", fmt.Errorf("registry: probe %s returned an unreadable descriptor: %w", addr, err)
	}
	return desc.ID, nil
}

// Registry tracks peer liveness and runs the periodic probe loop.
type Registry struct {
	cfg    Config
	prober Prober

	mu    sync.Mutex
	peers map[string]*peerState

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Registry that will probe every host in cfg.Subnet on
// cfg.Port. Pass a nil prober to use the real HTTP prober.
func New(cfg Config, prober Prober) (*Registry, error) {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultConfig().NetworkTimeout
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultConfig().FailThreshold
	}
	if cfg.FanOutLimit <= 0 {
		cfg.FanOutLimit = DefaultConfig().FanOutLimit
	}
	if prober == nil {
		prober = newHTTPProber(cfg.NetworkTimeout)
	}

	r := &Registry{
		cfg:    cfg,
		prober: prober,
		peers:  make(map[string]*peerState),
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
	}

	if cfg.Subnet != "" {
		addrs, err := subnetAddresses(cfg.Subnet, cfg.Port)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			r.peers[addr] = &peerState{addr: addr}
		}
	}
	return r, nil
}

// subnetAddresses enumerates every usable host address in a /24 (or
// narrower) CIDR block at the given port, excluding network and
// broadcast addresses.
func subnetAddresses(cidr string, port int) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid subnet %q: %w", cidr, err)
	}
	var addrs []string
	ip := ipNet.IP.Mask(ipNet.Mask)
	for ; ipNet.Contains(ip); incIP(ip) {
		host := make(net.IP, len(ip))
		copy(host, ip)
		if isNetworkOrBroadcast(host, ipNet) {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", host.String(), port))
	}
	return addrs, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func isNetworkOrBroadcast(ip net.IP, ipNet *net.IPNet) bool {
	if ip.Equal(ipNet.IP.Mask(ipNet.Mask)) {
		return true
	}
	broadcast := make(net.IP, len(ipNet.IP))
	for i := range broadcast {
		broadcast[i] = ipNet.IP[i] | ^ipNet.Mask[i]
	}
	return ip.Equal(broadcast)
}

// Events returns the channel peer-join/peer-loss events are delivered
// on. Consumers (the replica directory) must drain it promptly.
func (r *Registry) Events() <-chan Event { return r.events }

// Start begins the periodic probe loop, using the same ticker-select
// idiom a sync or compaction loop uses, applied to network probing
// instead of disk I/O.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Registry) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probeAll()
		}
	}
}

// Stop halts the probe loop.
func (r *Registry) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *Registry) probeAll() {
	r.mu.Lock()
	addrs := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		addrs = append(addrs, addr)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NetworkTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FanOutLimit)

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			_, err := r.prober.Probe(gctx, addr)
			r.recordProbeResult(addr, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) recordProbeResult(addr string, probeErr error) {
	r.mu.Lock()
	st, ok := r.peers[addr]
	if !ok {
		st = &peerState{addr: addr}
		r.peers[addr] = st
	}

	var event *Event
	if probeErr == nil {
		wasKnown := st.everSucceeded
		st.consecutiveFailures = 0
		st.everSucceeded = true
		if !wasKnown {
			event = &Event{Kind: EventPeerJoin, Peer: Peer{ID: addr, Addr: addr}}
		}
	} else {
		st.consecutiveFailures++
		if st.everSucceeded && st.consecutiveFailures == r.cfg.FailThreshold {
			st.everSucceeded = false
			event = &Event{Kind: EventPeerLoss, Peer: Peer{ID: addr, Addr: addr, lastErr: probeErr}}
		}
	}
	r.mu.Unlock()

	if event != nil {
		select {
		case r.events <- *event:
		default:
			// event channel is full; the consumer is falling behind and
			// will pick up the repaired state on the next probe cycle.
		}
	}
}

// LivePeers returns the addresses of every peer currently considered
// live (at least one successful probe, below FailThreshold).
func (r *Registry) LivePeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]string, 0, len(r.peers))
	for addr, st := range r.peers {
		if st.everSucceeded {
			live = append(live, addr)
		}
	}
	return live
}

// RegisterPeer adds or refreshes a peer learned out-of-band, e.g. via a
// JOIN_CLUSTER message rather than subnet probing.
func (r *Registry) RegisterPeer(addr string) {
	r.mu.Lock()
	if _, ok := r.peers[addr]; !ok {
		r.peers[addr] = &peerState{addr: addr}
	}
	r.mu.Unlock()
}
