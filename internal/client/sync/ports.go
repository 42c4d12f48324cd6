package sync

import (
	"context"
	"io"

	"github.com/cirrusdrive/cirrus/internal/davsdk"
)

// Transport is the narrow remote surface the engine runs against. The
// WebDAV client satisfies it; tests substitute an in-memory fake.
type Transport interface {
	ListTree(ctx context.Context, relPath string) ([]*davsdk.RemoteItem, error)
	Get(ctx context.Context, relPath string, w io.Writer) (string, error)
	Put(ctx context.Context, relPath string, body io.Reader, size int64) (string, error)
	PutChunked(ctx context.Context, relPath string, body io.Reader, size int64, chunkSize int64, progress func(sent int64)) (string, error)
	Delete(ctx context.Context, relPath string) error
	Move(ctx context.Context, fromPath, toPath string) error
	MkCol(ctx context.Context, relPath string) error
	Quota(ctx context.Context) (*davsdk.QuotaInfo, error)
	Probe(ctx context.Context) error
	Capabilities(ctx context.Context) (*davsdk.Capabilities, error)
}

// Encryptor seals content before upload and opens it after download. The
// reconciler never sees ciphertext; only the scheduler calls this. Both
// directions stream so file size never dictates memory use.
type Encryptor interface {
	SealStream(dst io.Writer, src io.Reader) (int64, error)
	OpenStream(dst io.Writer, src io.Reader) error
	SealedStreamSize(plaintextLen int64) int64
}

// MeteredFunc reports whether the current connection is metered; the change
// intake suppresses timer-triggered passes while it returns true.
type MeteredFunc func() bool
