// Package supervisor implements the Timeout Supervisor (spec.md §4.9): the
// component responsible for noticing when something has gone quiet. It keeps
// four tickers — per-block timeout, progress watchdog, per-peer health and
// keep-alive — serviced by one select loop, so the checks run one at a time
// and a slow check delays the others. Each ticker takes a typed target
// (a Roster, a ProgressFunc), never a closure over shared state (spec.md
// §9's "intervals as module state" design note).
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"torrentswarm/session"
)

const (
	// BlockCheckInterval is how often outstanding requests are swept for
	// the 30-second per-block timeout.
	BlockCheckInterval = 5 * time.Second
	// ProgressCheckInterval is how often the watchdog samples downloaded
	// bytes against its deadlines.
	ProgressCheckInterval = 10 * time.Second
	// DefaultStallTimeout is the default "no increase in downloaded bytes"
	// deadline (spec.md §4.9).
	DefaultStallTimeout = 5 * time.Minute
	// DefaultMinSpeedBps and DefaultMinSpeedWindow are the default
	// sustained-low-speed deadline.
	DefaultMinSpeedBps    = 1024
	DefaultMinSpeedWindow = 10 * time.Minute
	// PeerHealthInterval is how often sessions are checked for silent death.
	PeerHealthInterval = 30 * time.Second
	// PeerHealthIdleThreshold is how long a session may go without an
	// inbound byte, while still holding outstanding requests, before it is
	// destroyed (spec.md §4.9 "peer health").
	PeerHealthIdleThreshold = 2 * time.Minute
	// KeepAliveInterval is how often a zero-length frame is sent on every
	// Ready session to avoid remote timeouts during slow downloads.
	KeepAliveInterval = 90 * time.Second
)

// Roster is the live set of sessions the supervisor inspects.
type Roster interface {
	Sessions() []*session.Session
}

// ProgressFunc reports cumulative bytes downloaded so far, used by the
// stall and low-speed watchdog checks.
type ProgressFunc func() uint64

// StalledFunc is invoked exactly once, the moment the progress watchdog's
// terminal condition fires. Per spec.md §7 this is a single terminal signal
// propagated to the orchestrator, never retried.
type StalledFunc func(reason error)

// WatchdogConfig holds the progress watchdog's four configurable deadlines
// (spec.md §4.9). Zero StallTimeout, MinSpeedBps and MinSpeedWindow fall
// back to their Default* constants when the checks read them; a zero
// MaxTotalTimeout disables the total-time check.
type WatchdogConfig struct {
	StallTimeout    time.Duration
	MinSpeedBps     float64
	MinSpeedWindow  time.Duration
	MaxTotalTimeout time.Duration
}

// DefaultWatchdogConfig returns the spec's defaults given a torrent's total
// length in bytes, used to compute max_total_ms = max(24h, 1 min/MiB).
func DefaultWatchdogConfig(totalLength int64) WatchdogConfig {
	const mib = 1 << 20
	perMiB := time.Duration(float64(totalLength)/mib) * time.Minute
	maxTotal := 24 * time.Hour
	if perMiB > maxTotal {
		maxTotal = perMiB
	}
	return WatchdogConfig{
		StallTimeout:    DefaultStallTimeout,
		MinSpeedBps:     DefaultMinSpeedBps,
		MinSpeedWindow:  DefaultMinSpeedWindow,
		MaxTotalTimeout: maxTotal,
	}
}

// Supervisor runs the per-block timeout, progress watchdog, peer health and
// keep-alive checks against a Roster, each on its own ticker.
type Supervisor struct {
	roster   Roster
	progress ProgressFunc
	onStall  StalledFunc
	cfg      WatchdogConfig

	startedAt       time.Time
	lastDownloaded  uint64
	lastProgressAt  time.Time
	lowSpeedSince   time.Time
	stalledReported bool

	lastProgress int // not read by any check
}

// New builds a Supervisor over roster, sampling cumulative downloaded bytes
// via progressFn and reporting a terminal stall exactly once via onStall.
func New(roster Roster, progressFn ProgressFunc, onStall StalledFunc, cfg WatchdogConfig) *Supervisor {
	now := time.Now()
	return &Supervisor{
		roster:         roster,
		progress:       progressFn,
		onStall:        onStall,
		cfg:            cfg,
		startedAt:      now,
		lastProgressAt: now,
	}
}

// Run drives all four checks on their own tickers until ctx is canceled.
func (sv *Supervisor) Run(ctx context.Context) {
	blockTicker := time.NewTicker(BlockCheckInterval)
	progressTicker := time.NewTicker(ProgressCheckInterval)
	healthTicker := time.NewTicker(PeerHealthInterval)
	keepAliveTicker := time.NewTicker(KeepAliveInterval)
	defer blockTicker.Stop()
	defer progressTicker.Stop()
	defer healthTicker.Stop()
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-blockTicker.C:
			sv.checkBlockTimeouts(now)
		case now := <-progressTicker.C:
			sv.checkProgress(now)
		case now := <-healthTicker.C:
			sv.checkPeerHealth(now)
		case <-keepAliveTicker.C:
			sv.sendKeepAlives()
		}
	}
}

func (sv *Supervisor) checkBlockTimeouts(now time.Time) {
	for _, s := range sv.roster.Sessions() {
		if s.State() == session.Ready {
			s.CheckBlockTimeouts(now)
		}
	}
}

// checkProgress evaluates the three independent terminal conditions of
// spec.md §4.9's progress watchdog: no byte-count increase for StallTimeout,
// sustained speed below MinSpeedBps for MinSpeedWindow, or total elapsed
// time past MaxTotalTimeout. The first to fire reports once via onStall and
// the watchdog goes quiet afterward (a single terminal signal, not retried).
func (sv *Supervisor) checkProgress(now time.Time) {
	if sv.stalledReported {
		return
	}

	current := sv.progress()
	if current != sv.lastDownloaded {
		sv.lastDownloaded = current
		sv.lastProgressAt = now
		sv.lowSpeedSince = time.Time{}
	}
	sv.lastProgress = int(current)

	if now.Sub(sv.lastProgressAt) > sv.stallTimeout() {
		sv.reportStall(fmt.Errorf("supervisor: no progress for longer than %s", sv.stallTimeout()))
		return
	}

	if sv.minSpeedWindow() > 0 {
		observedSpeed := sv.observedSpeed(now)
		if observedSpeed < sv.minSpeedBps() {
			if sv.lowSpeedSince.IsZero() {
				sv.lowSpeedSince = now
			} else if now.Sub(sv.lowSpeedSince) > sv.minSpeedWindow() {
				sv.reportStall(fmt.Errorf("supervisor: download speed below %.0f B/s for longer than %s", sv.minSpeedBps(), sv.minSpeedWindow()))
				return
			}
		} else {
			sv.lowSpeedSince = time.Time{}
		}
	}

	if sv.maxTotalTimeout() > 0 && now.Sub(sv.startedAt) > sv.maxTotalTimeout() {
		sv.reportStall(fmt.Errorf("supervisor: total download time exceeded %s", sv.maxTotalTimeout()))
	}
}

// observedSpeed is the average bytes/sec since the download started; a
// coarse but deadline-appropriate measure for the sustained-low-speed check.
func (sv *Supervisor) observedSpeed(now time.Time) float64 {
	elapsed := now.Sub(sv.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(sv.lastDownloaded) / elapsed
}

func (sv *Supervisor) reportStall(err error) {
	sv.stalledReported = true
	log.Warn().Err(err).Msg("supervisor: progress watchdog triggered")
	if sv.onStall != nil {
		sv.onStall(err)
	}
}

func (sv *Supervisor) stallTimeout() time.Duration {
	if sv.cfg.StallTimeout > 0 {
		return sv.cfg.StallTimeout
	}
	return DefaultStallTimeout
}

func (sv *Supervisor) minSpeedBps() float64 {
	if sv.cfg.MinSpeedBps > 0 {
		return sv.cfg.MinSpeedBps
	}
	return DefaultMinSpeedBps
}

func (sv *Supervisor) minSpeedWindow() time.Duration {
	if sv.cfg.MinSpeedWindow > 0 {
		return sv.cfg.MinSpeedWindow
	}
	return DefaultMinSpeedWindow
}

func (sv *Supervisor) maxTotalTimeout() time.Duration {
	return sv.cfg.MaxTotalTimeout
}

// checkPeerHealth destroys any Ready session that has both gone quiet for
// PeerHealthIdleThreshold and still holds outstanding requests: it is not
// merely slow, it is unresponsive to the requests we already sent it
// (spec.md §4.9 "peer health").
func (sv *Supervisor) checkPeerHealth(now time.Time) {
	for _, s := range sv.roster.Sessions() {
		if s.State() != session.Ready {
			continue
		}
		snap := s.Snapshot()
		if now.Sub(snap.LastInboundAt) > PeerHealthIdleThreshold && snap.ActiveRequests > 0 {
			log.Warn().Str("peer", s.PeerID).Msg("supervisor: peer unresponsive with outstanding requests, closing")
			s.Close("peer health: idle with outstanding requests")
		}
	}
}

// sendKeepAlives writes a zero-length frame on every Ready session,
// unconditionally, so a slow but otherwise healthy download doesn't trip a
// remote peer's own inactivity timeout (spec.md §4.9 "keep-alive").
func (sv *Supervisor) sendKeepAlives() {
	for _, s := range sv.roster.Sessions() {
		if s.State() != session.Ready {
			continue
		}
		if err := s.SendKeepAlive(); err != nil {
			log.Debug().Err(err).Str("peer", s.PeerID).Msg("supervisor: keep-alive send failed")
		}
	}
}
