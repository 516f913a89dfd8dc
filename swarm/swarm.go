// Package swarm is the Swarm Orchestrator (spec.md §4.11): it owns one
// torrent's descriptor and every core component, wires discovery into the
// peer pool, and exposes a single progress snapshot for callers (the CLI,
// a future UI) to poll. It is the one package allowed to know about every
// other core package at once; everything else only knows its neighbors.
package swarm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"torrentswarm/choke"
	"torrentswarm/discovery"
	"torrentswarm/endgame"
	"torrentswarm/filestore"
	"torrentswarm/metainfo"
	"torrentswarm/piecestore"
	"torrentswarm/pool"
	"torrentswarm/requestqueue"
	"torrentswarm/session"
	"torrentswarm/supervisor"
)

// Config bundles the tunables an operator can set per download (spec.md's
// expanded configuration surface, not present in the distilled spec).
type Config struct {
	DownloadDir      string
	ListenPort       uint16
	MaxPeers         int
	CacheItems       int
	CacheBytes       int64
	AnnounceInterval time.Duration
}

// DefaultConfig returns the tunables the teacher's own defaults map to.
func DefaultConfig(downloadDir string) Config {
	return Config{
		DownloadDir:      downloadDir,
		ListenPort:       6881,
		MaxPeers:         pool.MaxConcurrentSessions,
		CacheItems:       filestore.DefaultCacheItems,
		CacheBytes:       filestore.DefaultCacheBytes,
		AnnounceInterval: 30 * time.Minute,
	}
}

// Swarm owns every core component for one torrent's lifetime.
type Swarm struct {
	descriptor *metainfo.TorrentDescriptor
	cfg        Config
	selfID     [20]byte

	pieces *piecestore.Store
	queue  *requestqueue.Queue
	files  *filestore.Store

	discoveryMgr *discovery.Manager
	peers        *pool.Manager
	chokeCtl     *choke.Controller
	endgameCtl   *endgame.Controller
	super        *supervisor.Supervisor

	mu        sync.Mutex
	completed bool
	startedAt time.Time
	fatalErr  error
	cancelRun context.CancelFunc
	seeders   int
	leechers  int
}

// New wires a complete Swarm for descriptor d under cfg. The piece store's
// onVerified callback is the only place a HAVE broadcast can originate,
// satisfying the verified-before-relay invariant (spec.md §4.2).
func New(d *metainfo.TorrentDescriptor, cfg Config, selfID [20]byte) (*Swarm, error) {
	files, err := filestore.Open(cfg.DownloadDir, d, cfg.CacheItems, cfg.CacheBytes)
	if err != nil {
		return nil, fmt.Errorf("swarm: %w", err)
	}

	sw := &Swarm{
		descriptor: d,
		cfg:        cfg,
		selfID:     selfID,
		files:      files,
		queue:      requestqueue.New(),
	}
	sw.pieces = piecestore.New(d, sw.onPieceVerified)
	sw.peers = pool.New(d, sw.pieces, sw.queue, files, sw, selfID)
	sw.discoveryMgr = discovery.NewManager(d, selfID, cfg.ListenPort, cfg.AnnounceInterval)
	sw.chokeCtl = choke.New(sw.peers, time.Now().UnixNano())
	sw.endgameCtl = endgame.New(d, sw.pieces, sw.queue, sw.peers)
	sw.super = supervisor.New(sw.peers, sw.totalDownloaded, sw.onStalled, supervisor.DefaultWatchdogConfig(d.TotalLength))

	for p := 0; p < d.NumPieces(); p++ {
		p := p
		sw.queue.EnqueuePiece(p, d.NumBlocks(p), func(blockIdx int) int64 {
			return d.BlockLength(p, blockIdx)
		})
	}

	return sw, nil
}

// Run starts discovery, the peer pool and the periodic controllers, and
// blocks until ctx is canceled or the torrent completes.
func (sw *Swarm) Run(ctx context.Context) error {
	sw.mu.Lock()
	sw.startedAt = time.Now()
	sw.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sw.mu.Lock()
	sw.cancelRun = cancel
	sw.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.discoveryMgr.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sw.discoveryMgr.Events() {
			if ev.Err != nil {
				log.Warn().Err(ev.Err).Str("tracker", ev.Source).Msg("swarm: tracker announce failed")
				continue
			}
			sw.peers.AddCandidates(ev.Candidates)
			if ev.Stats.Seeders > 0 || ev.Stats.Leechers > 0 {
				sw.mu.Lock()
				sw.seeders = ev.Stats.Seeders
				sw.leechers = ev.Stats.Leechers
				sw.mu.Unlock()
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sw.peers.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Error().Err(err).Msg("swarm: peer pool stopped unexpectedly")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.super.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.chokeCtl.Run(runCtx.Done())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.watchCompletion(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.listenInbound(runCtx)
	}()

	<-runCtx.Done()
	wg.Wait()

	sw.mu.Lock()
	fatal := sw.fatalErr
	sw.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// onStalled is the Timeout Supervisor's terminal signal (spec.md §4.9, §7):
// a single, non-retried fatal error that ends the run. It is one of only
// three user-visible fatal conditions the core ever raises.
func (sw *Swarm) onStalled(reason error) {
	sw.mu.Lock()
	if sw.fatalErr == nil {
		sw.fatalErr = fmt.Errorf("swarm: progress watchdog: %w", reason)
	}
	cancel := sw.cancelRun
	sw.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// totalDownloaded sums the per-session downloaded-bytes counters across
// every known session, for the progress watchdog's byte-count sampling.
func (sw *Swarm) totalDownloaded() uint64 {
	var total uint64
	for _, s := range sw.peers.Sessions() {
		total += s.Snapshot().Downloaded
	}
	return total
}

// watchCompletion polls verification state every second and cancels the run
// once every piece has verified.
func (sw *Swarm) watchCompletion(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.endgameCtl.Evaluate()
			if sw.pieces.IsDone() {
				sw.mu.Lock()
				sw.completed = true
				sw.mu.Unlock()
				log.Info().Str("torrent", sw.descriptor.Name).Msg("swarm: download complete")
				return
			}
		}
	}
}

// listenInbound accepts peer connections on the configured listen port for
// the lifetime of the run, handing each one to the pool as soon as the
// handshake's underlying socket is established. A bind failure is logged
// and swallowed rather than treated as fatal: outbound dialing from
// discovery still works without it (spec.md §7 reserves fatal status for
// path-traversal, I/O failure at start, and the stall watchdog).
func (sw *Swarm) listenInbound(ctx context.Context) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", sw.cfg.ListenPort))
	if err != nil {
		log.Warn().Err(err).Uint16("port", sw.cfg.ListenPort).Msg("swarm: inbound listener failed to bind")
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("swarm: inbound accept error")
			continue
		}
		go func() {
			err := sw.peers.AcceptInbound(ctx, conn.RemoteAddr().String(), func(s *session.Session) error {
				return s.Accept(ctx, conn)
			})
			if err != nil {
				conn.Close()
			}
		}()
	}
}

func (sw *Swarm) onPieceVerified(piece int) {
	log.Info().Int("piece", piece).Str("torrent", sw.descriptor.Name).Msg("swarm: piece verified")
	sw.BroadcastHave(piece)
}

// VerifiedPieceIndices returns the indices of every piece verified so far,
// for the `download`/`resume` commands' checkpoint sidecar (spec.md §6).
func (sw *Swarm) VerifiedPieceIndices() []int {
	var out []int
	for i := 0; i < sw.descriptor.NumPieces(); i++ {
		if sw.pieces.IsVerified(i) {
			out = append(out, i)
		}
	}
	return out
}

// DownloadedBytes returns the cumulative bytes downloaded across every
// known session, the same figure the progress watchdog samples.
func (sw *Swarm) DownloadedBytes() uint64 {
	return sw.totalDownloaded()
}

// totalUploaded sums the per-session uploaded-bytes counters across every
// known session, the upload-side counterpart of totalDownloaded.
func (sw *Swarm) totalUploaded() uint64 {
	var total uint64
	for _, s := range sw.peers.Sessions() {
		total += s.Snapshot().Uploaded
	}
	return total
}

func (sw *Swarm) verifiedPieceCount() int {
	n := 0
	for i := 0; i < sw.descriptor.NumPieces(); i++ {
		if sw.pieces.IsVerified(i) {
			n++
		}
	}
	return n
}

// BroadcastHave implements session.Hub: it sends HAVE to every Ready
// session, the only path allowed to trigger one (spec.md §4.2).
func (sw *Swarm) BroadcastHave(piece int) {
	for _, s := range sw.peers.Sessions() {
		if s.State() == session.Ready {
			if err := s.SendHave(piece); err != nil {
				log.Debug().Err(err).Str("peer", s.PeerID).Msg("swarm: have send failed")
			}
		}
	}
}

// CancelOutstanding implements session.Hub by delegating to the endgame
// package's roster-wide cancel fan-out.
func (sw *Swarm) CancelOutstanding(piece int, offset, length int64, except *session.Session) {
	endgame.CancelOutstanding(sw.peers, piece, offset, length, except)
}

// EndgameActive implements session.Hub.
func (sw *Swarm) EndgameActive() bool { return sw.endgameCtl.Active() }

// NotifyReady implements session.Hub: a freshly-Ready session gets an
// immediate choking round rather than waiting up to 10s (spec.md §4.7).
func (sw *Swarm) NotifyReady(s *session.Session) {
	log.Info().Str("peer", s.PeerID).Msg("swarm: session ready")
	sw.chokeCtl.RunRound(time.Now())
}

// NotifyClosed implements session.Hub: removes the session from the pool so
// its slot can be reused.
func (sw *Swarm) NotifyClosed(s *session.Session) {
	sw.peers.RemoveSession(s.PeerID)
}

// Progress is the point-in-time snapshot returned by Snapshot.
type Progress struct {
	TorrentName     string
	TotalPieces     int
	VerifiedPieces  int
	ConnectedPeers  int
	QueuedBlocks    int
	EndgameActive   bool
	Completed       bool
	Uptime          time.Duration
	DownloadRateBps float64
	UploadRateBps   float64
	TotalDownloaded uint64
	TotalUploaded   uint64
	Seeders         int
	Leechers        int
}

// Snapshot returns the current progress_snapshot() view of the download
// (spec.md §4.11), including the tracker-reported swarm size and the
// cumulative byte totals a UI needs alongside the instantaneous rates.
func (sw *Swarm) Snapshot() Progress {
	sw.mu.Lock()
	completed := sw.completed
	startedAt := sw.startedAt
	seeders := sw.seeders
	leechers := sw.leechers
	sw.mu.Unlock()

	var downRate, upRate float64
	sessions := sw.peers.Sessions()
	for _, s := range sessions {
		snap := s.Snapshot()
		downRate += snap.DownloadRateBps
		upRate += snap.UploadRateBps
	}

	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	return Progress{
		TorrentName:     sw.descriptor.Name,
		TotalPieces:     sw.descriptor.NumPieces(),
		VerifiedPieces:  sw.verifiedPieceCount(),
		ConnectedPeers:  len(sessions),
		QueuedBlocks:    sw.queue.Len(),
		EndgameActive:   sw.endgameCtl.Active(),
		Completed:       completed,
		Uptime:          uptime,
		DownloadRateBps: downRate,
		UploadRateBps:   upRate,
		TotalDownloaded: sw.totalDownloaded(),
		TotalUploaded:   sw.totalUploaded(),
		Seeders:         seeders,
		Leechers:        leechers,
	}
}

// Bitfield returns our current verified-piece bitfield, a copy of the piece
// store's.
func (sw *Swarm) Bitfield() []byte {
	return sw.pieces.Bitfield()
}

// BootstrapVerified marks every piece already verified without downloading
// anything, for the `seed` command: the caller has already confirmed the
// on-disk bytes match via metainfo.VerifyAgainstDisk, so there is nothing
// left for the request queue to hand out. Must be called before Run.
func (sw *Swarm) BootstrapVerified() {
	all := make([]bool, sw.descriptor.NumPieces())
	for i := range all {
		all[i] = true
	}
	sw.BootstrapFromDisk(all)
}

// BootstrapFromDisk marks every piece verified[i] as already verified, for
// the `resume` command: the checkpoint file or metainfo.ScanDisk has already
// determined which pieces of a partially-downloaded torrent are intact, so only the
// remainder needs to go through the request queue. Must be called before
// Run.
func (sw *Swarm) BootstrapFromDisk(verified []bool) {
	for p, ok := range verified {
		if !ok {
			continue
		}
		sw.pieces.MarkVerified(p)
		sw.queue.RemovePiece(p)
	}
}
