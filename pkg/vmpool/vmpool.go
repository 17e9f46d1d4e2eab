// Package vmpool implements the VM pool backend: the canonical hard-resource
// backend that leases pre-started virtual machines to sessions and resets
// them on release instead of tearing them down.
package vmpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/sandboxd/pkg/logger"
)

// Item is a handle to a single running VM. At any moment it is in exactly
// one of three states: idle-in-pool, leased-to-session, or being-reset.
type Item struct {
	PoolID       string
	Provider     Provider
	PathToVM     string
	VMIP         string
	ServerPort   int
	ChromiumPort int
	VNCPort      int
	VLCPort      int
	OSType       string
	ScreenSize   [2]int
	Headless     bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// Fingerprint is the subset of a session's merged config compared by value
// equality against the pool's captured warmup config to decide whether a
// pooled item can be reused.
type Fingerprint struct {
	Provider   string
	Region     string
	OSType     string
	Headless   bool
	ScreenSize [2]int
	Ports      [4]int
	UseProxy   bool
	VMPath     string
}

func buildFingerprint(cfg map[string]interface{}) Fingerprint {
	return Fingerprint{
		Provider:   stringOr(cfg, "provider", "docker"),
		Region:     stringOr(cfg, "region", ""),
		OSType:     stringOr(cfg, "os_type", "linux"),
		Headless:   boolOr(cfg, "headless", true),
		ScreenSize: normalizeScreenSize(cfg["screen_size"]),
		Ports: [4]int{
			intOr(cfg, "server_port", 5000),
			intOr(cfg, "chromium_port", 9222),
			intOr(cfg, "vnc_port", 8006),
			intOr(cfg, "vlc_port", 8080),
		},
		UseProxy: boolOr(cfg, "use_proxy", false),
		VMPath:   stringOr(cfg, "vm_path", ""),
	}
}

func normalizeScreenSize(v interface{}) [2]int {
	if pair, ok := v.([2]int); ok {
		return pair
	}
	if list, ok := v.([]int); ok && len(list) == 2 {
		return [2]int{list[0], list[1]}
	}
	return [2]int{1920, 1080}
}

func stringOr(cfg map[string]interface{}, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolOr(cfg map[string]interface{}, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

func intOr(cfg map[string]interface{}, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// Provider starts, stops, and queries a VM image. A docker-backed
// implementation lives in provider_docker.go.
type Provider interface {
	StartEmulator(ctx context.Context, path string, headless bool, osType string) (address string, err error)
	StopEmulator(ctx context.Context, path string) error
	GetIPAddress(ctx context.Context, path string) (string, error)
	RevertToSnapshot(ctx context.Context, path, snapshot string) (newPath string, err error)
}

// Pool manages a deque of idle Items for a single fingerprint, created lazily
// at warmup and recycled between sessions on release.
type Pool struct {
	mu          sync.Mutex
	items       []*Item
	size        int
	initialized bool
	fingerprint Fingerprint
	provider    Provider
}

// NewPool builds an empty, uninitialized pool. Only Warmup populates it;
// Acquire on an unwarmed pool creates non-pooled items.
func NewPool(provider Provider) *Pool {
	return &Pool{provider: provider}
}

// Warmup creates size items up front if the pool hasn't been initialized yet,
// applying applySetup to each and discarding any item whose setup fails. It is
// a no-op when size <= 0 or the pool was already warmed.
func (p *Pool) Warmup(ctx context.Context, cfg map[string]interface{}, size int, applySetup func(context.Context, *Item) error) {
	if size <= 0 {
		logger.Infof("[vmpool] warmup skipped (pool_size=%d)", size)
		return
	}

	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	p.size = size
	p.fingerprint = buildFingerprint(cfg)
	p.mu.Unlock()

	logger.Infof("[vmpool] warmup start: pool_size=%d", size)
	for i := 0; i < size; i++ {
		item, err := p.create(ctx, cfg)
		if err != nil {
			logger.Errorf("[vmpool] warmup failed to create pool item %d: %v", i+1, err)
			continue
		}
		if applySetup != nil {
			if err := applySetup(ctx, item); err != nil {
				logger.Errorf("[vmpool] warmup base setup failed for pool item %d: %v", i+1, err)
				_ = p.provider.StopEmulator(ctx, item.PathToVM)
				continue
			}
		}
		p.mu.Lock()
		p.items = append(p.items, item)
		p.mu.Unlock()
		logger.Infof("[vmpool] warmup created pool item %d/%d (vm=%s)", i+1, size, item.PathToVM)
	}
}

func (p *Pool) create(ctx context.Context, cfg map[string]interface{}) (*Item, error) {
	path := stringOr(cfg, "vm_path", uuid.NewString())
	osType := stringOr(cfg, "os_type", "linux")
	headless := boolOr(cfg, "headless", true)

	address, err := p.provider.StartEmulator(ctx, path, headless, osType)
	if err != nil {
		return nil, fmt.Errorf("start emulator: %w", err)
	}
	vmIP, ports, err := parseAddress(address, [4]int{
		intOr(cfg, "server_port", 5000), intOr(cfg, "chromium_port", 9222),
		intOr(cfg, "vnc_port", 8006), intOr(cfg, "vlc_port", 8080),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Item{
		PoolID:       uuid.NewString()[:8],
		Provider:     p.provider,
		PathToVM:     path,
		VMIP:         vmIP,
		ServerPort:   ports[0],
		ChromiumPort: ports[1],
		VNCPort:      ports[2],
		VLCPort:      ports[3],
		OSType:       osType,
		ScreenSize:   normalizeScreenSize(cfg["screen_size"]),
		Headless:     headless,
		CreatedAt:    now,
		LastUsedAt:   now,
	}, nil
}

// parseAddress parses a "host:port1:port2:port3:port4" provider address,
// falling back to the requested ports for any slot the address omits.
func parseAddress(address string, fallback [4]int) (string, [4]int, error) {
	if address == "" {
		return "", fallback, fmt.Errorf("empty VM address")
	}
	parts := splitAddress(address)
	if len(parts) == 0 {
		return "", fallback, fmt.Errorf("malformed VM address %q", address)
	}
	host := parts[0]
	ports := fallback
	for i := 0; i < 4 && i+1 < len(parts); i++ {
		var port int
		if _, err := fmt.Sscanf(parts[i+1], "%d", &port); err == nil && port > 0 {
			ports[i] = port
		}
	}
	return host, ports, nil
}

func splitAddress(address string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(address); i++ {
		if address[i] == ':' {
			parts = append(parts, address[start:i])
			start = i + 1
		}
	}
	parts = append(parts, address[start:])
	return parts
}

// Acquire returns an idle item whose fingerprint matches cfg, or creates a
// fresh (non-pooled) one otherwise. The bool return reports whether the item
// came from the pool.
func (p *Pool) Acquire(ctx context.Context, cfg map[string]interface{}) (*Item, bool, error) {
	fp := buildFingerprint(cfg)

	p.mu.Lock()
	matches := p.initialized && fp == p.fingerprint && len(p.items) > 0
	var reused *Item
	if matches {
		reused = p.items[0]
		p.items = p.items[1:]
	}
	p.mu.Unlock()

	if reused != nil {
		return reused, true, nil
	}

	item, err := p.create(ctx, cfg)
	if err != nil {
		return nil, false, err
	}
	return item, false, nil
}

// Release returns item to the pool after resetting it, or stops it outright
// when it is non-pooled, the pool is already full, or the reset fails.
func (p *Pool) Release(ctx context.Context, item *Item, nonPooled bool, cfg map[string]interface{}, applySetup func(context.Context, *Item) error) {
	item.LastUsedAt = time.Now()

	p.mu.Lock()
	canReuse := !nonPooled && p.size > 0 && len(p.items) < p.size
	p.mu.Unlock()

	if !canReuse {
		p.stop(ctx, item)
		return
	}

	if !p.reset(ctx, item, cfg) {
		p.stop(ctx, item)
		return
	}
	if applySetup != nil {
		if err := applySetup(ctx, item); err != nil {
			logger.Warnf("[vmpool] pool base setup failed: %v", err)
			p.stop(ctx, item)
			return
		}
	}

	p.mu.Lock()
	if p.size > 0 && len(p.items) < p.size {
		p.items = append(p.items, item)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.stop(ctx, item)
}

// reset reverts item to a named snapshot, or stops and restarts the
// provider, then re-queries its connection endpoint. pool_reset=false
// short-circuits to success without touching the VM. Any failure along the
// way returns false, signalling the caller to discard the item.
func (p *Pool) reset(ctx context.Context, item *Item, cfg map[string]interface{}) bool {
	if !boolOr(cfg, "pool_reset", true) {
		return true
	}

	snapshot := stringOr(cfg, "snapshot_name", "")
	if snapshot != "" {
		newPath, err := item.Provider.RevertToSnapshot(ctx, item.PathToVM, snapshot)
		if err != nil {
			logger.Warnf("[vmpool] pool reset (snapshot) failed: %v", err)
			return false
		}
		if newPath != "" {
			item.PathToVM = newPath
		}
	} else {
		if err := item.Provider.StopEmulator(ctx, item.PathToVM); err != nil {
			logger.Warnf("[vmpool] pool reset (stop) failed: %v", err)
			return false
		}
		if _, err := item.Provider.StartEmulator(ctx, item.PathToVM, item.Headless, item.OSType); err != nil {
			logger.Warnf("[vmpool] pool reset (restart) failed: %v", err)
			return false
		}
	}

	address, err := item.Provider.GetIPAddress(ctx, item.PathToVM)
	if err != nil {
		logger.Warnf("[vmpool] pool reset (address) failed: %v", err)
		return false
	}
	vmIP, ports, err := parseAddress(address, [4]int{item.ServerPort, item.ChromiumPort, item.VNCPort, item.VLCPort})
	if err != nil {
		logger.Warnf("[vmpool] pool reset (address) failed: %v", err)
		return false
	}
	item.VMIP = vmIP
	item.ServerPort, item.ChromiumPort, item.VNCPort, item.VLCPort = ports[0], ports[1], ports[2], ports[3]
	return true
}

func (p *Pool) stop(ctx context.Context, item *Item) {
	if err := item.Provider.StopEmulator(ctx, item.PathToVM); err != nil {
		logger.Warnf("[vmpool] failed to stop VM %s: %v", item.PathToVM, err)
	}
}

// Shutdown stops every idle item and empties the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	items := p.items
	p.items = nil
	p.mu.Unlock()
	for _, item := range items {
		p.stop(ctx, item)
	}
}

// Size reports the current idle-pool length (for tests and diagnostics).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
