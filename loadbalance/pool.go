package loadbalance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Prober reports whether addr currently answers, used by Pool's background ticker to
// clear quarantined endpoints once they recover. A nil Prober falls back to TCPProber.
type Prober func(addr string) bool

// probeDialTimeout bounds each liveness probe's TCP connect.
const probeDialTimeout = 500 * time.Millisecond

// TCPProber is the default liveness probe: a plain TCP connect with a short timeout,
// closed immediately on success.
func TCPProber(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

const (
	defaultTickEvery = 5 * time.Second
	minWeight        = 1
	maxWeight        = 100
)

// Pool is the weighted-round-robin load balancer with quarantine: each service's
// endpoint list is expanded into a shuffled repetition list sized by weight and walked
// with an atomic per-service cursor (Pick). PickAffine offers consistent-hash
// selection over the same endpoint set for callers that need a stable correspondent.
// A background goroutine runs two tasks on each scheduler tick: re-probing
// quarantined endpoints, and reloading the backing config file when its mtime has
// changed (the quarantine set survives a reload).
//
// Config file format: a JSON object mapping service names to an object of
// "host:port" -> weight entries. Weights below 1 are raised to 1, above 100 clamped
// to 100.
type Pool struct {
	logger     *zap.Logger
	configPath string
	prober     Prober
	tickEvery  time.Duration

	mu       sync.RWMutex
	repeated map[string][]string  // serviceName -> shuffled, weight-expanded address list
	rings    map[string]*hashRing // serviceName -> affinity ring over the distinct addresses
	cursors  sync.Map             // serviceName -> *atomic.Int64
	broken   sync.Map             // address -> struct{}

	lastMtime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewPool loads configPath once synchronously (returning an error if it can't be read
// or parsed, which callers should treat as fatal at startup) and starts the background
// scheduler.
func NewPool(configPath string, logger *zap.Logger, prober Prober) (*Pool, error) {
	return NewPoolWithTick(configPath, logger, prober, defaultTickEvery)
}

// NewPoolWithTick is NewPool with an explicit scheduler period, mainly useful for
// tests that don't want to wait out the production default.
func NewPoolWithTick(configPath string, logger *zap.Logger, prober Prober, tickEvery time.Duration) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prober == nil {
		prober = TCPProber
	}
	p := &Pool{
		logger:     logger,
		configPath: configPath,
		prober:     prober,
		tickEvery:  tickEvery,
		repeated:   make(map[string][]string),
		rings:      make(map[string]*hashRing),
		stopCh:     make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	go p.backgroundLoop()
	return p, nil
}

func (p *Pool) reload() error {
	info, err := os.Stat(p.configPath)
	if err != nil {
		return fmt.Errorf("loadbalance: stat config: %w", err)
	}
	raw, err := os.ReadFile(p.configPath)
	if err != nil {
		return fmt.Errorf("loadbalance: read config: %w", err)
	}
	var services map[string]map[string]int
	if err := json.Unmarshal(raw, &services); err != nil {
		return fmt.Errorf("loadbalance: parse config: %w", err)
	}

	repeated := make(map[string][]string, len(services))
	rings := make(map[string]*hashRing, len(services))
	for service, endpoints := range services {
		addrs := make([]string, 0, len(endpoints))
		for addr := range endpoints {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		var list []string
		for _, addr := range addrs {
			w := endpoints[addr]
			if w < minWeight {
				w = minWeight
			}
			if w > maxWeight {
				w = maxWeight
			}
			for i := 0; i < w; i++ {
				list = append(list, addr)
			}
		}
		rand.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
		repeated[service] = list
		rings[service] = newHashRing(addrs)
	}

	p.mu.Lock()
	p.repeated = repeated
	p.rings = rings
	p.lastMtime = info.ModTime()
	p.mu.Unlock()
	return nil
}

// backgroundLoop is the quarantine-recovery scheduler: one ticker whose every tick
// first re-probes the broken set, then checks the config file's mtime and reloads it
// in place when stale. Both tasks share the tick so a reload and a probe pass are
// always observed together rather than racing on independent timers.
func (p *Pool) backgroundLoop() {
	ticker := time.NewTicker(p.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.broken.Range(func(key, _ any) bool {
				addr := key.(string)
				if p.prober(addr) {
					p.broken.Delete(addr)
					p.logger.Info("loadbalance: endpoint recovered", zap.String("addr", addr))
				}
				return true
			})

			info, err := os.Stat(p.configPath)
			if err != nil {
				p.logger.Warn("loadbalance: config stat failed during reload poll", zap.Error(err))
				continue
			}
			p.mu.RLock()
			stale := info.ModTime().After(p.lastMtime)
			p.mu.RUnlock()
			if stale {
				if err := p.reload(); err != nil {
					p.logger.Warn("loadbalance: config reload failed", zap.Error(err))
				} else {
					p.logger.Info("loadbalance: config reloaded")
				}
			}
		}
	}
}

// Close stops the background scheduler.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Pick returns the next non-quarantined address for service, advancing that service's
// cursor. Returns an error if the service is unknown or has no configured endpoints.
// If every configured endpoint is currently quarantined, falls back to the first entry
// of the service's shuffled, weight-expanded list rather than failing the call, since a
// false-positive quarantine should not take the whole service down.
func (p *Pool) Pick(service string) (string, error) {
	p.mu.RLock()
	list := p.repeated[service]
	p.mu.RUnlock()
	if len(list) == 0 {
		return "", fmt.Errorf("loadbalance: no endpoints configured for %q", service)
	}

	counterIface, _ := p.cursors.LoadOrStore(service, new(atomic.Int64))
	counter := counterIface.(*atomic.Int64)

	for attempt := 0; attempt < len(list); attempt++ {
		idx := counter.Add(1) % int64(len(list))
		addr := list[idx]
		if _, quarantined := p.broken.Load(addr); !quarantined {
			return addr, nil
		}
	}
	return list[0], nil
}

// PickAffine returns the endpoint key consistently maps to for service, walking the
// service's hash ring past quarantined endpoints to the next live successor. The same
// key keeps routing to the same endpoint until the endpoint set changes, which gives
// cache-affine callers a stable correspondent; weights do not apply on this path.
// When every endpoint is quarantined it falls back to the first entry of the shuffled
// weighted list, same as Pick.
func (p *Pool) PickAffine(service, key string) (string, error) {
	p.mu.RLock()
	ring := p.rings[service]
	list := p.repeated[service]
	p.mu.RUnlock()
	if ring == nil || len(list) == 0 {
		return "", fmt.Errorf("loadbalance: no endpoints configured for %q", service)
	}

	var chosen string
	ring.walk(key, func(addr string) bool {
		if _, quarantined := p.broken.Load(addr); quarantined {
			return false
		}
		chosen = addr
		return true
	})
	if chosen == "" {
		return list[0], nil
	}
	return chosen, nil
}

// MarkBroken quarantines addr so Pick and PickAffine skip it until the background
// prober clears it; a config reload leaves the quarantine in place.
func (p *Pool) MarkBroken(addr string) {
	p.broken.Store(addr, struct{}{})
	p.logger.Warn("loadbalance: endpoint quarantined", zap.String("addr", addr))
}
