package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cirrusdrive/cirrus/internal/client/config"
	"github.com/cirrusdrive/cirrus/internal/client/workspace"
	"github.com/cirrusdrive/cirrus/internal/davsdk"
)

const (
	historyOpFullSync = "full_sync"
	reconnectInterval = 30 * time.Second
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
	ErrNoSuchConflict     = errors.New("no pending conflict for path")
)

// SyncEngine drives the reconcile-resolve-transfer loop for one workspace.
// All collaborators are injected; the engine owns no global state.
type SyncEngine struct {
	cfg        *config.Config
	ws         *workspace.Workspace
	transport  Transport
	journal    *SyncJournal
	localState *SyncLocalState
	ignoreList *SyncIgnoreList
	syncStatus *SyncStatus
	stats      *SyncStats
	watcher    *FileWatcher
	intake     *ChangeIntake
	reconciler *Reconciler
	resolver   *ConflictResolver
	scheduler  *Scheduler
	state      *StateMachine

	trigger chan struct{}
	wg      sync.WaitGroup
	muSync  sync.Mutex

	passMu     sync.Mutex
	passCancel context.CancelFunc
}

func NewSyncEngine(
	cfg *config.Config,
	ws *workspace.Workspace,
	transport Transport,
	enc Encryptor,
	metered MeteredFunc,
) (*SyncEngine, error) {
	journal := NewSyncJournal(ws.JournalPath())
	if err := journal.Open(); err != nil {
		return nil, fmt.Errorf("failed to open sync journal: %w", err)
	}

	localState, err := NewSyncLocalState(ws, cfg.SyncHiddenFiles)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("failed to create local state: %w", err)
	}

	ignoreList := NewSyncIgnoreList(ws.Root, cfg)
	ignoreList.Load()

	syncStatus := NewSyncStatus()
	stats := &SyncStats{}
	watcher := NewFileWatcher(ws.Root)
	watcher.FilterPaths(func(absPath string) bool {
		if !ws.Contains(absPath) {
			return true
		}
		relPath, err := ws.RelPath(absPath)
		if err != nil {
			return true
		}
		return ignoreList.ShouldIgnore(relPath)
	})

	intake := NewChangeIntake(cfg.SyncInterval, cfg.DebounceWindow, watcher.Events(), metered)

	scheduler := NewScheduler(transport, ws, journal, syncStatus, stats, watcher, localState, enc, SchedulerConfig{
		Workers:        cfg.MaxTransfers,
		MaxRetries:     cfg.MaxRetries,
		UploadKBps:     cfg.UploadKBps,
		DownloadKBps:   cfg.DownloadKBps,
		ChunkThreshold: cfg.ChunkThreshold,
	})

	return &SyncEngine{
		cfg:        cfg,
		ws:         ws,
		transport:  transport,
		journal:    journal,
		localState: localState,
		ignoreList: ignoreList,
		syncStatus: syncStatus,
		stats:      stats,
		watcher:    watcher,
		intake:     intake,
		reconciler: NewReconciler(ignoreList, syncStatus.IsBusy),
		resolver:   NewConflictResolver(cfg.ConflictPolicy),
		scheduler:  scheduler,
		state:      NewStateMachine(),
		trigger:    make(chan struct{}, 1),
	}, nil
}

// Start runs the initial pass, then the watcher, the intake pump and the
// pass loop. Returns after the goroutines are up; Stop tears them down.
func (se *SyncEngine) Start(ctx context.Context) error {
	slog.Info("sync engine start", "root", se.ws.Root)

	if caps, err := se.transport.Capabilities(ctx); err == nil {
		se.scheduler.SetCapabilities(*caps)
		slog.Debug("server capabilities", "chunked", caps.ChunkedUpload, "delta", caps.DeltaSync)
	}

	slog.Info("running initial sync")
	if err := se.RunSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("initial sync failed", "error", err)
	}

	if err := se.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	se.wg.Add(1)
	go func() {
		defer se.wg.Done()
		se.intake.Run(ctx)
	}()

	se.wg.Add(1)
	go func() {
		defer se.wg.Done()
		se.passLoop(ctx)
	}()

	return nil
}

// Stop shuts the engine down. The context given to Start must be cancelled
// first so the loops exit.
func (se *SyncEngine) Stop() error {
	slog.Info("sync engine stop")
	se.watcher.Stop()
	se.wg.Wait()
	se.syncStatus.Close()
	return se.journal.Close()
}

func (se *SyncEngine) passLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-se.intake.Requests():
		case <-se.trigger:
		}

		if se.state.State() == StateOffline {
			se.waitForReconnect(ctx)
			continue
		}

		if err := se.RunSync(ctx); err != nil {
			var notRunnable *ErrNotRunnable
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.As(err, &notRunnable):
				slog.Debug("pass skipped", "state", notRunnable.State)
			default:
				slog.Error("sync pass failed", "error", err)
			}
		}
	}
}

// waitForReconnect probes the server until it answers, then restores the
// pre-offline state and triggers a pass.
func (se *SyncEngine) waitForReconnect(ctx context.Context) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := se.transport.Probe(ctx); err == nil {
				slog.Info("server reachable again")
				se.state.SetOnline()
				se.TriggerSync()
				return
			}
		}
	}
}

// TriggerSync requests a pass without waiting for the timer. Coalesced: a
// pending trigger absorbs later ones.
func (se *SyncEngine) TriggerSync() {
	select {
	case se.trigger <- struct{}{}:
	default:
	}
}

// RunSync performs one full reconciliation and transfer pass.
func (se *SyncEngine) RunSync(ctx context.Context) error {
	if !se.muSync.TryLock() {
		return ErrSyncAlreadyRunning
	}
	defer se.muSync.Unlock()

	if err := se.state.BeginSync(); err != nil {
		return err
	}

	passCtx, cancel := context.WithCancel(ctx)
	se.passMu.Lock()
	se.passCancel = cancel
	se.passMu.Unlock()
	defer func() {
		cancel()
		se.passMu.Lock()
		se.passCancel = nil
		se.passMu.Unlock()
	}()

	err := se.runPass(passCtx)
	if isConnectionLost(err) {
		slog.Warn("server unreachable, going offline", "error", err)
		se.state.SetOffline()
		se.TriggerSync()
		return nil
	}
	se.state.FinishSync(err)
	return err
}

func (se *SyncEngine) runPass(ctx context.Context) error {
	tStart := time.Now()

	// paths a cancelled pass parked as pending are re-derived below
	se.syncStatus.Prune()

	// local scan and remote list touch disjoint resources; overlap them
	var localState, remoteState map[string]*FileMetadata
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localState, err = se.localState.Scan()
		if err != nil {
			return fmt.Errorf("scan local state: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		remoteState, err = se.remoteSnapshot(gctx)
		if err != nil {
			return fmt.Errorf("list remote state: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	baseline, err := se.journal.BaselineState()
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}

	se.applySkips(localState, remoteState, baseline)

	result := se.reconciler.Reconcile(localState, remoteState, baseline)

	// convergent edits and dropped pairs need only journal bookkeeping
	for path, meta := range result.Rebaselines {
		if err := se.journal.SetBaseline(meta); err != nil {
			slog.Error("rebaseline failed", "path", path, "error", err)
		}
	}
	for path := range result.Cleanups {
		_ = se.journal.DeleteBaseline(path)
		_ = se.journal.DeleteItem(path)
		_ = se.journal.DeleteConflict(path)
	}

	actions := result.Actions()
	actions = append(actions, se.routeConflicts(result.Conflicts)...)
	sortOperations(actions)

	se.stats.BeginPass(
		len(result.Uploads)+len(result.RemoteMkdirs)+len(result.RemoteDeletes),
		len(result.Downloads)+len(result.LocalMkdirs)+len(result.LocalDeletes),
	)
	se.refreshConflictCount()

	report := se.scheduler.Execute(ctx, actions)

	if quota, err := se.transport.Quota(ctx); err == nil {
		se.stats.SetQuota(quota.Used, quota.Available)
	}
	se.stats.FinishPass(time.Now().Add(se.cfg.SyncInterval))

	if result.HasChanges() || report.Processed() > 0 {
		slog.Info("full sync",
			"uploads", len(result.Uploads),
			"downloads", len(result.Downloads),
			"localDeletes", len(result.LocalDeletes),
			"remoteDeletes", len(result.RemoteDeletes),
			"mkdirs", len(result.LocalMkdirs)+len(result.RemoteMkdirs),
			"conflicts", len(result.Conflicts),
			"unchanged", len(result.Unchanged),
			"ignored", len(result.Ignored),
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"blocked", report.Blocked,
			"took", time.Since(tStart),
		)
		passErr := error(nil)
		if engineLevelFailure(report) {
			passErr = fmt.Errorf("pass failed: %d of %d operations errored", report.Failed, report.Processed())
		}
		_ = se.journal.AppendHistory("", historyOpFullSync, passErr == nil, passErr)
		if passErr != nil {
			return passErr
		}
	}

	return ctx.Err()
}

// engineLevelFailure decides when per-item failures add up to an engine
// failure: a majority of the pass failing, never a single bad file.
func engineLevelFailure(report *PassReport) bool {
	return report.Failed > 0 && report.Failed*2 > report.Processed()
}

// applySkips filters the snapshot triple through the skip tombstones. A
// tombstone whose recorded pair still matches reality removes its path from
// all three maps, so the reconciler never sees the frozen disagreement. A
// tombstone a side has moved past is dropped, and the path reconciles
// normally again.
func (se *SyncEngine) applySkips(localState, remoteState, baseline map[string]*FileMetadata) {
	skips, err := se.journal.SkippedConflicts()
	if err != nil {
		slog.Error("failed to load skip records", "error", err)
		return
	}
	for _, skip := range skips {
		if skipStillHolds(skip, localState[skip.Path], remoteState[skip.Path]) {
			delete(localState, skip.Path)
			delete(remoteState, skip.Path)
			delete(baseline, skip.Path)
			continue
		}
		slog.Debug("skip released, side changed", "path", skip.Path)
		_ = se.journal.DeleteConflict(skip.Path)
	}
}

// skipStillHolds compares a skip tombstone against the live snapshots:
// presence must match on both sides, the local side by content hash, the
// remote side by etag.
func skipStillHolds(skip *PendingConflict, local, remote *FileMetadata) bool {
	if (skip.Local == nil) != (local == nil) || (skip.Remote == nil) != (remote == nil) {
		return false
	}
	if local != nil {
		if local.IsDir != skip.Local.IsDir {
			return false
		}
		if !local.IsDir && local.Hash != skip.Local.Hash {
			return false
		}
	}
	if remote != nil {
		if remote.IsDir != skip.Remote.IsDir {
			return false
		}
		if !remote.IsDir && remote.ETag != skip.Remote.ETag {
			return false
		}
	}
	return true
}

// routeConflicts applies the conflict policy: resolved conflicts become
// operations for this pass, deferred ones are parked in the journal.
func (se *SyncEngine) routeConflicts(conflicts BatchConflicts) []*SyncOperation {
	var resolved []*SyncOperation
	for path, op := range conflicts {
		outcome := se.resolver.Resolve(op)
		switch {
		case outcome.Deferred:
			se.syncStatus.SetConflicted(path, op.Conflict)
			if err := se.journal.SetConflict(&PendingConflict{
				Path:   path,
				Info:   *op.Conflict,
				Local:  op.Local,
				Remote: op.Remote,
			}); err != nil {
				slog.Error("failed to park conflict", "path", path, "error", err)
			}
			_ = se.journal.SetItem(&SyncItem{
				Path:   path,
				IsDir:  op.isDir(),
				Status: StatusConflict(op.Conflict),
			})
			slog.Warn("conflict detected", "path", path, "type", op.Conflict.Type)

		case outcome.Rebaseline != nil:
			if err := se.journal.SetBaseline(outcome.Rebaseline); err != nil {
				slog.Error("conflict rebaseline failed", "path", path, "error", err)
			}

		default:
			resolved = append(resolved, outcome.Ops...)
		}
	}
	return resolved
}

// refreshConflictCount mirrors the journal's pending-conflict count into
// the stats, where parked conflicts persist across passes.
func (se *SyncEngine) refreshConflictCount() {
	if n, err := se.journal.ConflictCount(); err == nil {
		se.stats.SetConflicts(n)
	}
}

// ResolveConflict applies an operator's resolution to a parked conflict.
// Whatever the outcome, the parked record is cleared; an execution failure
// leaves the baseline untouched so the next pass re-detects the conflict.
func (se *SyncEngine) ResolveConflict(ctx context.Context, path string, resolution Resolution) error {
	if !resolution.Valid() {
		return fmt.Errorf("invalid resolution %q", resolution)
	}

	pc, err := se.journal.GetConflict(path)
	if err != nil {
		return err
	}
	if pc == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchConflict, path)
	}

	op := &SyncOperation{
		Op:       OpConflict,
		RelPath:  pc.Path,
		Local:    pc.Local,
		Remote:   pc.Remote,
		Conflict: &pc.Info,
	}
	outcome := se.resolver.Apply(op, resolution)
	if outcome.Deferred {
		return fmt.Errorf("resolution %q not applicable to %s", resolution, path)
	}

	se.syncStatus.ClearConflict(path)

	switch {
	case outcome.Freeze:
		// the parked row stays behind as the tombstone freezing this
		// disagreement; the pass filter consults it until a side changes
		if err := se.journal.MarkConflictSkipped(path); err != nil {
			return err
		}
		_ = se.journal.SetItem(&SyncItem{Path: path, Status: StatusIgnored()})

	case outcome.Rebaseline != nil:
		if err := se.journal.DeleteConflict(path); err != nil {
			return err
		}
		if err := se.journal.SetBaseline(outcome.Rebaseline); err != nil {
			return err
		}
		_ = se.journal.SetItem(&SyncItem{Path: path, Status: StatusIgnored()})

	default:
		if err := se.journal.DeleteConflict(path); err != nil {
			return err
		}
		report := se.scheduler.Execute(ctx, outcome.Ops)
		if report.Failed > 0 {
			return fmt.Errorf("resolution for %s failed, will re-evaluate next pass", path)
		}
	}

	se.refreshConflictCount()
	se.TriggerSync()
	return nil
}

// Conflicts lists the parked conflicts awaiting resolution.
func (se *SyncEngine) Conflicts() ([]*PendingConflict, error) {
	return se.journal.Conflicts()
}

// History returns recent sync-history records for diagnostics.
func (se *SyncEngine) History(limit int) ([]*HistoryRecord, error) {
	return se.journal.History(limit)
}

// Pause stops new passes and aborts the running one at its next safe point.
func (se *SyncEngine) Pause() {
	slog.Info("sync paused")
	se.state.Pause()

	se.passMu.Lock()
	if se.passCancel != nil {
		se.passCancel()
	}
	se.passMu.Unlock()
}

// Resume lets passes run again and triggers one immediately.
func (se *SyncEngine) Resume() {
	slog.Info("sync resumed")
	se.state.Resume()
	se.TriggerSync()
}

// Retry clears an engine-level error and triggers a pass.
func (se *SyncEngine) Retry() {
	se.state.Retry()
	se.TriggerSync()
}

func (se *SyncEngine) State() EngineState {
	return se.state.State()
}

func (se *SyncEngine) LastError() error {
	return se.state.LastError()
}

func (se *SyncEngine) Stats() SyncStats {
	return se.stats.Snapshot()
}

// Status returns the live per-path status map.
func (se *SyncEngine) Status() map[string]*PathStatus {
	return se.syncStatus.All()
}

// SubscribeStatus streams per-path status changes to an observer.
func (se *SyncEngine) SubscribeStatus() <-chan *StatusEvent {
	return se.syncStatus.Subscribe()
}

// remoteSnapshot lists the remote tree and normalizes it into reconciler
// metadata.
func (se *SyncEngine) remoteSnapshot(ctx context.Context) (map[string]*FileMetadata, error) {
	items, err := se.transport.ListTree(ctx, "")
	if err != nil {
		return nil, err
	}

	state := make(map[string]*FileMetadata, len(items))
	for _, item := range items {
		state[item.Path] = &FileMetadata{
			Path:  item.Path,
			IsDir: item.IsDir,
			Size:  item.Size,
			ETag:  item.ETag,
			// server checksum, when exposed, makes convergent edits
			// detectable without a transfer
			Hash:         item.Checksum,
			MimeType:     item.ContentType,
			LastModified: item.LastModified,
		}
	}
	return state, nil
}

func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	var de *davsdk.DavError
	return errors.As(err, &de) && de.Code == davsdk.CodeConnectionFailed
}
