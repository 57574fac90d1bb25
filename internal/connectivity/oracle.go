// Package connectivity tracks whether the worktime server is reachable
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	"go.uber.org/zap"
)

// DialFunc opens a connection, matching net.Dialer.DialContext
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProberOptions configures a Prober
type ProberOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
}

// Prober probes the API host with TCP dials and publishes transitions
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *zap.Logger

	mu        sync.RWMutex
	online    bool
	checkedAt time.Time
	hub       hub
}

var _ interfaces.ConnectivityOracle = (*Prober)(nil)

// NewProber creates a prober for the host of baseURL
func NewProber(baseURL string, opts ProberOptions, logger *zap.Logger) (*Prober, error) {
	addr, err := hostPort(baseURL)
	if err != nil {
		return nil, err
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		addr:     addr,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		dial:     opts.Dial,
		logger:   logger,
	}, nil
}

// Online returns the cached state, probing first when it is stale
func (p *Prober) Online(ctx context.Context) bool {
	p.mu.RLock()
	fresh := !p.checkedAt.IsZero() && time.Since(p.checkedAt) < p.interval
	online := p.online
	p.mu.RUnlock()

	if fresh {
		return online
	}
	return p.Probe(ctx)
}

// Probe dials the server once and records the result
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	online := err == nil
	if conn != nil {
		conn.Close()
	}

	p.mu.Lock()
	changed := online != p.online || p.checkedAt.IsZero()
	p.online = online
	p.checkedAt = time.Now()
	p.mu.Unlock()

	if changed {
		if online {
			p.logger.Info("Server reachable", zap.String("addr", p.addr))
		} else {
			p.logger.Warn("Server unreachable", zap.String("addr", p.addr), zap.Error(err))
		}
		p.hub.publish(online)
	}
	return online
}

// Run probes periodically until ctx is cancelled
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Subscribe registers for reachability transitions
func (p *Prober) Subscribe() (<-chan bool, func()) {
	return p.hub.subscribe()
}

// Static is an oracle with a fixed, externally controlled state
type Static struct {
	mu     sync.RWMutex
	online bool
	hub    hub
}

var _ interfaces.ConnectivityOracle = (*Static)(nil)

// NewStatic creates a static oracle
func NewStatic(online bool) *Static {
	return &Static{online: online}
}

// Online returns the current state
func (s *Static) Online(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set changes the state and publishes the transition
func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		s.hub.publish(online)
	}
}

// Subscribe registers for reachability transitions
func (s *Static) Subscribe() (<-chan bool, func()) {
	return s.hub.subscribe()
}

// hub fans transitions out to subscribers. Each subscriber sees the latest
// state; an unread older value is replaced.
type hub struct {
	mu   sync.Mutex
	subs map[chan bool]struct{}
}

func (h *hub) subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan bool]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

func hostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", baseURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
