package davsdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
)

// DefaultChunkSize is the slice size for chunked uploads.
const DefaultChunkSize = int64(10 * 1024 * 1024)

// PutChunked uploads a large file through the server's chunked upload
// extension: chunks are PUT into a per-session collection and assembled
// server-side by a final MOVE. Callers must have verified the capability
// first; servers without it answer 404/405 on the session MKCOL.
//
// progress, when non-nil, receives the cumulative byte count after every
// chunk.
func (s *DavSDK) PutChunked(ctx context.Context, relPath string, body io.Reader, size int64, chunkSize int64, progress func(sent int64)) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	session := uuid.NewString()
	sessionDir := fmt.Sprintf("%s/%s", uploadsRoot, session)

	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.Send("MKCOL", sessionDir)
	})
	if err := checkResponse(resp, err, "chunk session create", http.StatusCreated); err != nil {
		return "", err
	}

	// Best-effort session cleanup on failure; the server garbage-collects
	// abandoned sessions anyway.
	success := false
	defer func() {
		if !success {
			cleanupResp, cleanupErr := s.doWithAuthRetry(context.WithoutCancel(ctx), func(r *req.Request) (*req.Response, error) {
				return r.Delete(sessionDir)
			})
			_ = checkResponse(cleanupResp, cleanupErr, "chunk session cleanup", http.StatusNoContent, http.StatusOK)
		}
	}()

	var sent int64
	for index := 1; sent < size; index++ {
		n := min(chunkSize, size-sent)
		chunk := make([]byte, n)
		if _, err := io.ReadFull(body, chunk); err != nil {
			return "", &DavError{Code: CodeConnectionFailed, Message: "chunk read: " + err.Error()}
		}

		chunkPath := fmt.Sprintf("%s/%06d", sessionDir, index)
		resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
			return r.
				SetContentType("application/octet-stream").
				SetBody(bytes.NewReader(chunk)).
				Put(chunkPath)
		})
		if err := checkResponse(resp, err, fmt.Sprintf("chunk put %d", index), http.StatusCreated, http.StatusNoContent, http.StatusOK); err != nil {
			return "", err
		}

		sent += n
		if progress != nil {
			progress(sent)
		}
	}

	// Assemble: MOVE the session's virtual .file onto the final path.
	resp, err = s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetHeader("Destination", s.client.BaseURL+davPath(relPath)).
			SetHeader("Overwrite", "T").
			Send("MOVE", sessionDir+"/.file")
	})
	if err := checkResponse(resp, err, "chunk assemble "+relPath, http.StatusCreated, http.StatusNoContent); err != nil {
		return "", err
	}
	success = true

	etag := resp.GetHeader("Oc-Etag")
	if etag == "" {
		etag = resp.GetHeader("Etag")
	}
	if etag == "" {
		item, err := s.Stat(ctx, relPath)
		if err != nil {
			return "", err
		}
		return item.ETag, nil
	}
	return trimQuotes(etag), nil
}

func trimQuotes(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}
