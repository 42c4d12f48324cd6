package sync

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/cirrusdrive/cirrus/internal/client/workspace"
	"github.com/cirrusdrive/cirrus/internal/davsdk"
	"github.com/cirrusdrive/cirrus/internal/queue"
	"github.com/cirrusdrive/cirrus/internal/utils"
)

const (
	retryBaseDelay  = 500 * time.Millisecond
	minLimiterBurst = 256 * 1024
)

var errBlockedByAncestor = errors.New("blocked by failed ancestor this pass")

// SchedulerConfig carries the transfer knobs snapshot for one scheduler.
type SchedulerConfig struct {
	Workers        int
	MaxRetries     int
	UploadKBps     int
	DownloadKBps   int
	ChunkThreshold int64
}

// PassReport summarizes one Execute run.
type PassReport struct {
	mu        sync.Mutex
	Succeeded int
	Failed    int
	Blocked   int
	Cancelled int
}

func (r *PassReport) add(f func(*PassReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// Processed is the number of operations that ran to a decision.
func (r *PassReport) Processed() int {
	return r.Succeeded + r.Failed + r.Blocked + r.Cancelled
}

// Scheduler executes reconciler operations against the transport with a
// bounded worker pool. Per-path locks keep related paths serialized, token
// buckets throttle each direction, transient failures retry with backoff,
// and every success commits its own baseline row so a crash loses at most
// the in-flight actions.
type Scheduler struct {
	transport Transport
	ws        *workspace.Workspace
	journal   *SyncJournal
	status    *SyncStatus
	stats     *SyncStats
	watcher   *FileWatcher
	local     *SyncLocalState
	enc       Encryptor

	cfg   SchedulerConfig
	limUp *rate.Limiter
	limDn *rate.Limiter

	capsMu sync.RWMutex
	caps   davsdk.Capabilities

	guard *pathGuard
}

func NewScheduler(
	transport Transport,
	ws *workspace.Workspace,
	journal *SyncJournal,
	status *SyncStatus,
	stats *SyncStats,
	watcher *FileWatcher,
	local *SyncLocalState,
	enc Encryptor,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	return &Scheduler{
		transport: transport,
		ws:        ws,
		journal:   journal,
		status:    status,
		stats:     stats,
		watcher:   watcher,
		local:     local,
		enc:       enc,
		cfg:       cfg,
		limUp:     newByteLimiter(cfg.UploadKBps),
		limDn:     newByteLimiter(cfg.DownloadKBps),
		guard:     newPathGuard(),
	}
}

func newByteLimiter(kbps int) *rate.Limiter {
	if kbps <= 0 {
		return nil
	}
	bps := kbps * 1024
	return rate.NewLimiter(rate.Limit(bps), max(bps, minLimiterBurst))
}

// SetCapabilities records what the server advertised for this session.
func (s *Scheduler) SetCapabilities(caps davsdk.Capabilities) {
	s.capsMu.Lock()
	defer s.capsMu.Unlock()
	s.caps = caps
}

func (s *Scheduler) chunkedUploads() bool {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	return s.caps.ChunkedUpload
}

// Execute runs the operations to completion or cancellation. Operations are
// fed to the pool in dependency order; the per-path guard keeps a child from
// running while its ancestor is still in flight. Failure tracking is scoped
// to this call, so overlapping Execute runs never shadow each other.
func (s *Scheduler) Execute(ctx context.Context, ops []*SyncOperation) *PassReport {
	report := &PassReport{}
	if len(ops) == 0 {
		return report
	}

	failed := newFailSet()

	q := queue.NewPriorityQueue[*SyncOperation]()
	for _, op := range ops {
		q.Enqueue(op, opPriority(op))
	}

	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					s.drainCancelled(q, report)
					return
				}
				op, ok := q.Dequeue()
				if !ok {
					return
				}
				s.run(ctx, op, report, failed)
			}
		}()
	}
	wg.Wait()

	return report
}

func (s *Scheduler) drainCancelled(q *queue.PriorityQueue[*SyncOperation], report *PassReport) {
	for {
		op, ok := q.Dequeue()
		if !ok {
			return
		}
		s.status.SetPending(op.RelPath)
		report.add(func(r *PassReport) { r.Cancelled++ })
	}
}

func (s *Scheduler) run(ctx context.Context, op *SyncOperation, report *PassReport, failed *failSet) {
	path := op.RelPath

	if failed.blocks(op) {
		// the failed ancestor keeps the baseline untouched, so the next
		// pass re-derives this operation
		s.status.SetPending(path)
		_ = s.journal.AppendHistory(path, string(op.Op), false, errBlockedByAncestor)
		report.add(func(r *PassReport) { r.Blocked++ })
		return
	}

	if err := s.guard.acquire(ctx, path); err != nil {
		s.status.SetPending(path)
		report.add(func(r *PassReport) { r.Cancelled++ })
		return
	}
	defer s.guard.release(path)

	s.status.SetSyncing(path, opDirection(op))

	err := s.runWithRetry(ctx, op)
	switch {
	case err == nil:
		s.status.SetSynced(path)
		// delete ops removed their item row in apply; writing a synced
		// record here would resurrect the path as a phantom
		if op.Op != OpDeleteLocal && op.Op != OpDeleteRemote {
			_ = s.journal.SetItem(&SyncItem{
				Path:      path,
				IsDir:     op.isDir(),
				Status:    StatusSynced(),
				Direction: opDirection(op),
			})
		}
		_ = s.journal.AppendHistory(path, string(op.Op), true, nil)
		report.add(func(r *PassReport) { r.Succeeded++ })

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.status.SetPending(path)
		report.add(func(r *PassReport) { r.Cancelled++ })

	default:
		slog.Error("sync op failed", "op", op.Op, "path", path, "error", err)
		failed.mark(path)
		s.status.SetError(path, err)
		s.stats.AddError()
		_ = s.journal.SetItem(&SyncItem{
			Path:      path,
			IsDir:     op.isDir(),
			Status:    StatusError(err.Error()),
			Direction: opDirection(op),
		})
		_ = s.journal.AppendHistory(path, string(op.Op), false, err)
		report.add(func(r *PassReport) { r.Failed++ })
	}
}

func (s *Scheduler) runWithRetry(ctx context.Context, op *SyncOperation) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.apply(ctx, op)
		if err == nil || !davsdk.IsTransient(err) || attempt >= s.cfg.MaxRetries {
			return err
		}

		delay := retryBaseDelay << attempt
		slog.Warn("transient failure, retrying", "op", op.Op, "path", op.RelPath, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Scheduler) apply(ctx context.Context, op *SyncOperation) error {
	switch op.Op {
	case OpUpload:
		return s.applyUpload(ctx, op)
	case OpDownload:
		return s.applyDownload(ctx, op)
	case OpMkdirRemote:
		return s.applyMkdirRemote(ctx, op)
	case OpMkdirLocal:
		return s.applyMkdirLocal(op)
	case OpDeleteRemote:
		return s.applyDeleteRemote(ctx, op)
	case OpDeleteLocal:
		return s.applyDeleteLocal(op)
	case OpMove:
		return s.applyLocalMove(op)
	}
	return fmt.Errorf("unknown operation %q for %s", op.Op, op.RelPath)
}

// applyUpload streams the local file to the transport. With encryption on,
// a pipe feeds sealed segments to the request as they are produced, so the
// file is never buffered whole in memory.
func (s *Scheduler) applyUpload(ctx context.Context, op *SyncOperation) error {
	absPath := s.ws.AbsPath(op.RelPath)

	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("open for upload: %w", err)
	}
	defer f.Close()

	var body io.Reader = f
	size := op.Local.Size
	if s.enc != nil {
		pr, pw := io.Pipe()
		go func() {
			_, serr := s.enc.SealStream(pw, f)
			pw.CloseWithError(serr)
		}()
		// closing the read end unblocks the sealer if the transfer dies early
		defer pr.Close()
		body = pr
		size = s.enc.SealedStreamSize(op.Local.Size)
	}
	body = newThrottledReader(ctx, body, s.limUp)

	var etag string
	if s.chunkedUploads() && s.cfg.ChunkThreshold > 0 && size >= s.cfg.ChunkThreshold {
		etag, err = s.transport.PutChunked(ctx, op.RelPath, body, size, davsdk.DefaultChunkSize, nil)
	} else {
		etag, err = s.transport.Put(ctx, op.RelPath, body, size)
	}
	if err != nil {
		return err
	}

	s.stats.AddUploaded(op.Local.Size)
	slog.Debug("uploaded", "path", op.RelPath, "size", humanize.IBytes(uint64(op.Local.Size)))
	return s.commitUpload(op, etag)
}

func (s *Scheduler) commitUpload(op *SyncOperation, etag string) error {
	base := *op.Local
	base.ETag = etag
	return s.journal.SetBaseline(&base)
}

// applyDownload streams remote content into a temp file beside the target
// and renames it into place, hashing the plaintext as it passes through.
// Nothing is buffered whole; a failed transfer leaves the target untouched.
func (s *Scheduler) applyDownload(ctx context.Context, op *SyncOperation) error {
	absPath := s.ws.AbsPath(op.RelPath)

	staged, err := utils.NewAtomicFile(absPath)
	if err != nil {
		return fmt.Errorf("stage download: %w", err)
	}
	defer staged.Abort()

	hasher := sha256.New()
	sink := &countingWriter{w: io.MultiWriter(staged, hasher)}

	var etag string
	if s.enc == nil {
		etag, err = s.transport.Get(ctx, op.RelPath, newThrottledWriter(ctx, sink, s.limDn))
		if err != nil {
			return err
		}
	} else {
		pr, pw := io.Pipe()
		openDone := make(chan error, 1)
		go func() {
			oerr := s.enc.OpenStream(sink, pr)
			// closing the read end unblocks the transfer if we bailed early
			pr.CloseWithError(oerr)
			openDone <- oerr
		}()
		etag, err = s.transport.Get(ctx, op.RelPath, newThrottledWriter(ctx, pw, s.limDn))
		pw.CloseWithError(err)
		oerr := <-openDone
		if err != nil {
			return err
		}
		if oerr != nil {
			return fmt.Errorf("open downloaded envelope: %w", oerr)
		}
	}

	// the engine wrote this file; the watcher must not re-trigger on it
	s.watcher.IgnoreOnce(absPath)
	if err := staged.Commit(); err != nil {
		return fmt.Errorf("write download: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat download: %w", err)
	}
	size := sink.n
	s.local.Forget(absPath)
	s.stats.AddDownloaded(size)
	slog.Debug("downloaded", "path", op.RelPath, "size", humanize.IBytes(uint64(size)))

	base := FileMetadata{
		Path:         op.RelPath,
		Size:         size,
		Hash:         fmt.Sprintf("%x", hasher.Sum(nil)),
		ETag:         etag,
		LastModified: info.ModTime(),
	}
	if etag == "" && op.Remote != nil {
		base.ETag = op.Remote.ETag
	}
	if op.Remote != nil {
		base.MimeType = op.Remote.MimeType
	}
	return s.journal.SetBaseline(&base)
}

func (s *Scheduler) applyMkdirRemote(ctx context.Context, op *SyncOperation) error {
	if err := s.transport.MkCol(ctx, op.RelPath); err != nil {
		return err
	}
	base := FileMetadata{Path: op.RelPath, IsDir: true, LastModified: time.Now()}
	if op.Local != nil {
		base.LastModified = op.Local.LastModified
	}
	return s.journal.SetBaseline(&base)
}

func (s *Scheduler) applyMkdirLocal(op *SyncOperation) error {
	absPath := s.ws.AbsPath(op.RelPath)
	s.watcher.IgnoreOnce(absPath)
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	base := FileMetadata{Path: op.RelPath, IsDir: true, LastModified: time.Now()}
	if op.Remote != nil {
		base.ETag = op.Remote.ETag
		base.LastModified = op.Remote.LastModified
	}
	return s.journal.SetBaseline(&base)
}

func (s *Scheduler) applyDeleteRemote(ctx context.Context, op *SyncOperation) error {
	err := s.transport.Delete(ctx, op.RelPath)
	// already gone is the goal state
	if err != nil && !davsdk.IsNotFound(err) {
		return err
	}
	if err := s.journal.DeleteBaseline(op.RelPath); err != nil {
		return err
	}
	return s.journal.DeleteItem(op.RelPath)
}

func (s *Scheduler) applyDeleteLocal(op *SyncOperation) error {
	absPath := s.ws.AbsPath(op.RelPath)
	s.watcher.IgnoreOnce(absPath)
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete local: %w", err)
	}
	s.local.Forget(absPath)
	if err := s.journal.DeleteBaseline(op.RelPath); err != nil {
		return err
	}
	return s.journal.DeleteItem(op.RelPath)
}

// applyLocalMove renames a conflicted local copy aside. Dropping the
// baseline afterwards makes the next pass treat the remote side as created
// (download into the original path) and the renamed copy as a new upload.
func (s *Scheduler) applyLocalMove(op *SyncOperation) error {
	fromAbs := s.ws.AbsPath(op.RelPath)
	toAbs := s.ws.AbsPath(op.MoveTo)
	s.watcher.IgnoreOnce(fromAbs)
	s.watcher.IgnoreOnce(toAbs)
	if err := os.Rename(fromAbs, toAbs); err != nil {
		return fmt.Errorf("rename conflicted copy: %w", err)
	}
	s.local.Forget(fromAbs)
	return s.journal.DeleteBaseline(op.RelPath)
}

// failSet tracks the paths that failed within one Execute run. Scoping it to
// the run keeps a conflict resolution executing mid-pass from clearing or
// polluting the pass's own tracking.
type failSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newFailSet() *failSet {
	return &failSet{paths: make(map[string]struct{})}
}

func (f *failSet) mark(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[path] = struct{}{}
}

// blocks reports whether an earlier failure this run shadows the operation:
// a failed ancestor blocks everything beneath it, and a failed child blocks
// deleting its parent directory.
func (f *failSet) blocks(op *SyncOperation) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for failed := range f.paths {
		if strings.HasPrefix(op.RelPath, failed+"/") {
			return true
		}
		if (op.Op == OpDeleteLocal || op.Op == OpDeleteRemote) && strings.HasPrefix(failed, op.RelPath+"/") {
			return true
		}
	}
	return false
}

func opDirection(op *SyncOperation) Direction {
	switch op.Op {
	case OpUpload, OpMkdirRemote, OpDeleteRemote:
		return DirectionUpload
	case OpDownload, OpMkdirLocal, OpDeleteLocal:
		return DirectionDownload
	}
	return DirectionNone
}

// pathGuard serializes operations on related paths: an acquire on p blocks
// while any held path is an ancestor or descendant of p (or p itself).
type pathGuard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active map[string]struct{}
}

func newPathGuard() *pathGuard {
	g := &pathGuard{active: make(map[string]struct{})}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *pathGuard) acquire(ctx context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.conflictsLocked(path) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	g.active[path] = struct{}{}
	return nil
}

func (g *pathGuard) release(path string) {
	g.mu.Lock()
	delete(g.active, path)
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *pathGuard) conflictsLocked(path string) bool {
	for held := range g.active {
		if held == path ||
			strings.HasPrefix(path, held+"/") ||
			strings.HasPrefix(held, path+"/") {
			return true
		}
	}
	return false
}

// throttledReader blocks on the token bucket for each chunk read, never for
// the whole file, so throughput degrades gracefully under contention.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func newThrottledReader(ctx context.Context, r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, lim: lim}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// countingWriter tallies the bytes that reached its target.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

func newThrottledWriter(ctx context.Context, w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, w: w, lim: lim}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if burst := t.lim.Burst(); len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := t.lim.WaitN(t.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := t.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
