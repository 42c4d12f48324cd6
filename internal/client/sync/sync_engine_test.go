package sync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusdrive/cirrus/internal/client/config"
	"github.com/cirrusdrive/cirrus/internal/client/workspace"
	"github.com/cirrusdrive/cirrus/internal/davsdk"
)

type engineFixture struct {
	cfg       *config.Config
	ws        *workspace.Workspace
	transport *fakeTransport
	engine    *SyncEngine
}

func newEngineFixture(t *testing.T, mutate func(cfg *config.Config)) *engineFixture {
	t.Helper()

	ws, err := workspace.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.Setup())
	t.Cleanup(func() { _ = ws.Unlock() })

	cfg := config.Default()
	cfg.DataDir = ws.Root
	cfg.MaxTransfers = 1
	cfg.MaxRetries = 0
	if mutate != nil {
		mutate(cfg)
	}

	transport := newFakeTransport()
	engine, err := NewSyncEngine(cfg, ws, transport, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.journal.Close() })

	return &engineFixture{cfg: cfg, ws: ws, transport: transport, engine: engine}
}

func (fx *engineFixture) writeLocal(t *testing.T, relPath, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(fx.ws.AbsPath(relPath), []byte(content), 0644))
}

func TestEngine_PassUploadsNewLocalFile(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "notes.txt", "hello world")

	require.NoError(t, fx.engine.RunSync(context.Background()))

	assert.Equal(t, StateIdle, fx.engine.State())
	assert.Equal(t, []byte("hello world"), fx.transport.content("notes.txt"))

	base, err := fx.engine.journal.GetBaseline("notes.txt")
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.NotEmpty(t, base.Hash)
	assert.NotEmpty(t, base.ETag)
}

func TestEngine_PassDownloadsNewRemoteFile(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.transport.files["shared.txt"] = []byte("from server")
	fx.transport.etags["shared.txt"] = "e-1"

	require.NoError(t, fx.engine.RunSync(context.Background()))

	data, err := os.ReadFile(fx.ws.AbsPath("shared.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from server"), data)
}

func TestEngine_SecondPassIsQuiescent(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "a.txt", "content a")
	fx.transport.files["b.txt"] = []byte("content b")
	fx.transport.etags["b.txt"] = "e-b"

	require.NoError(t, fx.engine.RunSync(context.Background()))
	afterFirst := len(fx.transport.callLog())

	require.NoError(t, fx.engine.RunSync(context.Background()))
	log := fx.transport.callLog()[afterFirst:]

	// the converged pass only observes; it moves no data
	for _, call := range log {
		assert.NotContains(t, call, "Put ")
		assert.NotContains(t, call, "Get ")
		assert.NotContains(t, call, "Delete ")
	}
}

func TestEngine_ManualConflictIsParked(t *testing.T) {
	fx := newEngineFixture(t, nil)

	// both sides create the same path with different content
	fx.writeLocal(t, "report.txt", "local version")
	fx.transport.files["report.txt"] = []byte("remote version!")
	fx.transport.etags["report.txt"] = "e-r"

	require.NoError(t, fx.engine.RunSync(context.Background()))

	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "report.txt", conflicts[0].Path)
	assert.Equal(t, ConflictBothModified, conflicts[0].Info.Type)

	// neither side was touched
	assert.Equal(t, []byte("remote version!"), fx.transport.content("report.txt"))
	data, err := os.ReadFile(fx.ws.AbsPath("report.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local version"), data)
}

func TestEngine_ResolveConflictKeepLocal(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "report.txt", "local version")
	fx.transport.files["report.txt"] = []byte("remote version!")
	fx.transport.etags["report.txt"] = "e-r"

	require.NoError(t, fx.engine.RunSync(context.Background()))

	require.NoError(t, fx.engine.ResolveConflict(context.Background(), "report.txt", KeepLocal))

	assert.Equal(t, []byte("local version"), fx.transport.content("report.txt"))
	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestEngine_ResolveConflictKeepRemote(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "report.txt", "local version")
	fx.transport.files["report.txt"] = []byte("remote version!")
	fx.transport.etags["report.txt"] = "e-r"

	require.NoError(t, fx.engine.RunSync(context.Background()))
	require.NoError(t, fx.engine.ResolveConflict(context.Background(), "report.txt", KeepRemote))

	data, err := os.ReadFile(fx.ws.AbsPath("report.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("remote version!"), data)
}

func TestEngine_ResolveConflictSkipFreezes(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "report.txt", "local version")
	fx.transport.files["report.txt"] = []byte("remote version!")
	fx.transport.etags["report.txt"] = "e-r"

	require.NoError(t, fx.engine.RunSync(context.Background()))
	require.NoError(t, fx.engine.ResolveConflict(context.Background(), "report.txt", SkipConflict))

	// frozen: the next pass neither transfers nor re-detects
	require.NoError(t, fx.engine.RunSync(context.Background()))
	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, []byte("remote version!"), fx.transport.content("report.txt"))
	data, err := os.ReadFile(fx.ws.AbsPath("report.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local version"), data)
}

// parkDeletedLocallyConflict syncs keep.txt, then deletes it locally while
// the server rewrites it, and runs the pass that parks the resulting
// one-sided deletion conflict.
func parkDeletedLocallyConflict(t *testing.T, fx *engineFixture) {
	t.Helper()

	fx.writeLocal(t, "keep.txt", "v1")
	require.NoError(t, fx.engine.RunSync(context.Background()))

	require.NoError(t, os.Remove(fx.ws.AbsPath("keep.txt")))
	fx.transport.mu.Lock()
	fx.transport.files["keep.txt"] = []byte("v2 on server")
	fx.transport.etags["keep.txt"] = "e-2"
	fx.transport.mu.Unlock()

	require.NoError(t, fx.engine.RunSync(context.Background()))

	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, ConflictDeletedLocally, conflicts[0].Info.Type)
}

func TestEngine_SkipOnLocalDeletionPreservesRemote(t *testing.T) {
	fx := newEngineFixture(t, nil)
	parkDeletedLocallyConflict(t, fx)

	require.NoError(t, fx.engine.ResolveConflict(context.Background(), "keep.txt", SkipConflict))

	// later passes must not read the frozen disagreement as a clean local
	// deletion and push a delete to the surviving side
	before := len(fx.transport.callLog())
	require.NoError(t, fx.engine.RunSync(context.Background()))
	require.NoError(t, fx.engine.RunSync(context.Background()))
	for _, call := range fx.transport.callLog()[before:] {
		assert.NotContains(t, call, "Delete ")
		assert.NotContains(t, call, "Get ")
	}
	assert.Equal(t, []byte("v2 on server"), fx.transport.content("keep.txt"))

	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, 0, fx.engine.Stats().Conflicts)
}

func TestEngine_SkipReleasesWhenRemoteMovesOn(t *testing.T) {
	fx := newEngineFixture(t, nil)
	parkDeletedLocallyConflict(t, fx)
	require.NoError(t, fx.engine.ResolveConflict(context.Background(), "keep.txt", SkipConflict))

	// the server rewrites the file again; the freeze no longer matches
	// reality and the disagreement must surface anew
	fx.transport.mu.Lock()
	fx.transport.files["keep.txt"] = []byte("v3 on server")
	fx.transport.etags["keep.txt"] = "e-3"
	fx.transport.mu.Unlock()

	require.NoError(t, fx.engine.RunSync(context.Background()))

	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictDeletedLocally, conflicts[0].Info.Type)
	assert.Equal(t, []byte("v3 on server"), fx.transport.content("keep.txt"))
}

func TestEngine_ConvergentCreateRebaselinesWithoutTransfer(t *testing.T) {
	fx := newEngineFixture(t, nil)

	// both sides created identical bytes; the server checksum lets the pass
	// prove it without moving data
	fx.writeLocal(t, "same.txt", "identical bytes")
	fx.transport.files["same.txt"] = []byte("identical bytes")
	fx.transport.etags["same.txt"] = "e-s"

	require.NoError(t, fx.engine.RunSync(context.Background()))

	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	for _, call := range fx.transport.callLog() {
		assert.NotContains(t, call, "Put ")
		assert.NotContains(t, call, "Get ")
	}

	base, err := fx.engine.journal.GetBaseline("same.txt")
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.Equal(t, "e-s", base.ETag)
	assert.NotEmpty(t, base.Hash)
}

func TestEngine_ParkedConflictCountSurvivesPasses(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "report.txt", "local version")
	fx.transport.files["report.txt"] = []byte("remote version!")
	fx.transport.etags["report.txt"] = "e-r"

	require.NoError(t, fx.engine.RunSync(context.Background()))
	assert.Equal(t, 1, fx.engine.Stats().Conflicts)

	// a quiescent pass finds nothing new; the parked conflict still counts
	require.NoError(t, fx.engine.RunSync(context.Background()))
	assert.Equal(t, 1, fx.engine.Stats().Conflicts)

	require.NoError(t, fx.engine.ResolveConflict(context.Background(), "report.txt", KeepRemote))
	assert.Equal(t, 0, fx.engine.Stats().Conflicts)
}

func TestEngine_ResolveConflictValidation(t *testing.T) {
	fx := newEngineFixture(t, nil)

	err := fx.engine.ResolveConflict(context.Background(), "x.txt", Resolution("merge"))
	assert.Error(t, err)

	err = fx.engine.ResolveConflict(context.Background(), "missing.txt", KeepLocal)
	assert.ErrorIs(t, err, ErrNoSuchConflict)
}

func TestEngine_AutoNewerPolicyResolvesInPass(t *testing.T) {
	fx := newEngineFixture(t, func(cfg *config.Config) {
		cfg.ConflictPolicy = config.ConflictAutoNewer
	})

	// the fake transport reports remote mtimes a minute in the past, so a
	// fresh local write is the newer side
	fx.writeLocal(t, "report.txt", "local newer")
	fx.transport.files["report.txt"] = []byte("remote older!")
	fx.transport.etags["report.txt"] = "e-r"

	require.NoError(t, fx.engine.RunSync(context.Background()))

	conflicts, err := fx.engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, []byte("local newer"), fx.transport.content("report.txt"))
}

func TestEngine_ConnectionLossGoesOffline(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.transport.failOn("ListTree", "",
		&davsdk.DavError{Code: davsdk.CodeConnectionFailed, Message: "no route"}, -1)

	require.NoError(t, fx.engine.RunSync(context.Background()))
	assert.Equal(t, StateOffline, fx.engine.State())

	// passes refuse while offline
	err := fx.engine.RunSync(context.Background())
	var notRunnable *ErrNotRunnable
	assert.ErrorAs(t, err, &notRunnable)
}

func TestEngine_PausedRefusesPass(t *testing.T) {
	fx := newEngineFixture(t, nil)

	fx.engine.Pause()
	err := fx.engine.RunSync(context.Background())
	var notRunnable *ErrNotRunnable
	require.ErrorAs(t, err, &notRunnable)
	assert.Equal(t, StatePaused, notRunnable.State)

	fx.engine.Resume()
	assert.NoError(t, fx.engine.RunSync(context.Background()))
}

func TestEngine_RemoteDeletePropagatesLocally(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "doomed.txt", "bye")

	require.NoError(t, fx.engine.RunSync(context.Background()))
	require.NotNil(t, fx.transport.content("doomed.txt"))

	// server side deletes the file between passes
	fx.transport.mu.Lock()
	delete(fx.transport.files, "doomed.txt")
	delete(fx.transport.etags, "doomed.txt")
	fx.transport.mu.Unlock()

	require.NoError(t, fx.engine.RunSync(context.Background()))

	_, err := os.Stat(fx.ws.AbsPath("doomed.txt"))
	assert.True(t, os.IsNotExist(err))
	base, err := fx.engine.journal.GetBaseline("doomed.txt")
	require.NoError(t, err)
	assert.Nil(t, base)
}

func TestEngine_LocalEditUploadsChangedContent(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "notes.txt", "v1")
	require.NoError(t, fx.engine.RunSync(context.Background()))

	// mtime granularity: make sure the edit is observable
	time.Sleep(10 * time.Millisecond)
	fx.writeLocal(t, "notes.txt", "v2 with more text")

	require.NoError(t, fx.engine.RunSync(context.Background()))
	assert.Equal(t, []byte("v2 with more text"), fx.transport.content("notes.txt"))
}

func TestEngine_HistoryRecordsOperations(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.writeLocal(t, "notes.txt", "hello")

	require.NoError(t, fx.engine.RunSync(context.Background()))

	records, err := fx.engine.History(10)
	require.NoError(t, err)
	require.NotEmpty(t, records)

	var sawUpload, sawPass bool
	for _, rec := range records {
		if rec.Operation == string(OpUpload) && rec.Path == "notes.txt" {
			sawUpload = true
		}
		if rec.Operation == historyOpFullSync {
			sawPass = true
		}
	}
	assert.True(t, sawUpload)
	assert.True(t, sawPass)
}
