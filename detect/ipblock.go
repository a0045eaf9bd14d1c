package detect

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/metrics"
)

// ipBlock is one active block with its optional release timer.
type ipBlock struct {
	Reason    string
	BlockedAt time.Time
	timer     *time.Timer // nil for indefinite blocks
}

// IPBlocklist maintains the set of blocked IPs. Lookup is a plain map read so
// IsBlocked stays O(1) on the fast path; timed blocks release themselves via
// a cancellable timer rather than lazy expiry.
type IPBlocklist struct {
	mu      sync.RWMutex
	blocked map[string]*ipBlock
	logger  *zap.SugaredLogger
}

// NewIPBlocklist creates an empty blocklist.
func NewIPBlocklist(logger *zap.SugaredLogger) *IPBlocklist {
	return &IPBlocklist{
		blocked: make(map[string]*ipBlock),
		logger:  logger,
	}
}

// Block adds an IP to the blocklist. A positive duration schedules automatic
// release; zero blocks until explicitly unblocked. Re-blocking an IP replaces
// any pending release timer.
func (b *IPBlocklist) Block(ip, reason string, duration time.Duration) {
	if ip == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.blocked[ip]; ok && existing.timer != nil {
		existing.timer.Stop()
	}

	entry := &ipBlock{Reason: reason, BlockedAt: time.Now()}
	if duration > 0 {
		entry.timer = time.AfterFunc(duration, func() { b.release(ip, entry) })
	}
	b.blocked[ip] = entry
	metrics.IPsBlocked.Inc()

	b.logger.Warnw("AUDIT: IP blocked",
		"ip", ip,
		"reason", reason,
		"duration", duration.String())
}

// release is the timer callback for scheduled unblocks. A fired timer whose
// Stop raced with a re-block may still run after its entry was replaced, so
// the entry identity is checked before deleting.
func (b *IPBlocklist) release(ip string, entry *ipBlock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked[ip] == entry {
		delete(b.blocked, ip)
		b.logger.Infow("IP block expired", "ip", ip)
	}
}

// Unblock removes an IP immediately, cancelling any pending release.
func (b *IPBlocklist) Unblock(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.blocked[ip]
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(b.blocked, ip)
	b.logger.Infow("AUDIT: IP unblocked", "ip", ip)
	return true
}

// IsBlocked reports whether the IP is currently blocked.
func (b *IPBlocklist) IsBlocked(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[ip]
	return ok
}

// Count returns the number of currently blocked IPs.
func (b *IPBlocklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blocked)
}

// Stop cancels all pending release timers. Used during shutdown.
func (b *IPBlocklist) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.blocked {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}
