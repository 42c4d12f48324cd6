package davsdk

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"
)

// propfindBody requests the property set the sync engine reasons about.
// oc:checksums is the owncloud/nextcloud server-side content checksum; it
// lets the reconciler compare content across replicas without a download.
const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:" xmlns:oc="http://owncloud.org/ns">
  <D:prop>
    <D:resourcetype/>
    <D:getcontentlength/>
    <D:getlastmodified/>
    <D:displayname/>
    <D:getetag/>
    <D:getcontenttype/>
    <oc:checksums/>
  </D:prop>
</D:propfind>`

const quotaBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:quota-used-bytes/>
    <D:quota-available-bytes/>
  </D:prop>
</D:propfind>`

// List returns the items directly under relPath (Depth: 1). The collection
// itself is excluded from the result.
func (s *DavSDK) List(ctx context.Context, relPath string) ([]*RemoteItem, error) {
	return s.propfind(ctx, relPath, "1")
}

// ListTree returns every item under relPath. It first attempts a single
// Depth: infinity PROPFIND; servers that forbid infinite-depth listings
// (RFC 4918 allows a 403 here) are walked one collection at a time.
func (s *DavSDK) ListTree(ctx context.Context, relPath string) ([]*RemoteItem, error) {
	items, err := s.propfind(ctx, relPath, "infinity")
	if err == nil {
		return items, nil
	}

	var de *DavError
	if !asDavError(err, &de) || de.StatusCode != http.StatusForbidden {
		return nil, err
	}

	// Fallback: breadth-first Depth: 1 walk.
	var all []*RemoteItem
	pending := []string{relPath}
	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]

		children, err := s.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			all = append(all, child)
			if child.IsDir {
				pending = append(pending, child.Path)
			}
		}
	}
	return all, nil
}

func (s *DavSDK) propfind(ctx context.Context, relPath, depth string) ([]*RemoteItem, error) {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetHeader("Depth", depth).
			SetContentType("application/xml; charset=utf-8").
			SetBody(propfindBody).
			Send("PROPFIND", davPath(relPath))
	})
	if err := checkResponse(resp, err, "propfind "+relPath, http.StatusMultiStatus, http.StatusOK); err != nil {
		return nil, err
	}

	body, err := resp.ToBytes()
	if err != nil {
		return nil, &DavError{Code: CodeConnectionFailed, Message: "propfind read body: " + err.Error()}
	}

	var ms multiStatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, &DavError{Code: CodeServerError, Message: "propfind parse: " + err.Error()}
	}

	self := strings.Trim(relPath, "/")
	items := make([]*RemoteItem, 0, len(ms.Responses))
	for i := range ms.Responses {
		item, ok := toRemoteItem(&ms.Responses[i])
		if !ok || item.Path == self {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Get streams the content of a remote file into w and returns its etag.
func (s *DavSDK) Get(ctx context.Context, relPath string, w io.Writer) (string, error) {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			DisableAutoReadResponse().
			SetOutput(w).
			Get(davPath(relPath))
	})
	if err := checkResponse(resp, err, "get "+relPath, http.StatusOK); err != nil {
		return "", err
	}
	return strings.Trim(resp.GetHeader("Etag"), `"`), nil
}

// Put writes content to a remote file and returns the new etag. The parent
// collection must already exist; the server answers 409 otherwise.
func (s *DavSDK) Put(ctx context.Context, relPath string, body io.Reader, size int64) (string, error) {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetHeader("Content-Length", fmt.Sprintf("%d", size)).
			SetContentType("application/octet-stream").
			SetBody(body).
			Put(davPath(relPath))
	})
	if err := checkResponse(resp, err, "put "+relPath, http.StatusCreated, http.StatusNoContent, http.StatusOK); err != nil {
		return "", err
	}

	etag := strings.Trim(resp.GetHeader("Etag"), `"`)
	if etag == "" {
		// Some servers omit the ETag on PUT; fetch it explicitly.
		item, err := s.Stat(ctx, relPath)
		if err != nil {
			return "", err
		}
		etag = item.ETag
	}
	return etag, nil
}

// Delete removes a remote file or collection (recursively, per RFC 4918).
func (s *DavSDK) Delete(ctx context.Context, relPath string) error {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.Delete(davPath(relPath))
	})
	return checkResponse(resp, err, "delete "+relPath, http.StatusNoContent, http.StatusOK)
}

// Move renames a remote resource. Overwrites the destination.
func (s *DavSDK) Move(ctx context.Context, fromPath, toPath string) error {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetHeader("Destination", s.client.BaseURL+davPath(toPath)).
			SetHeader("Overwrite", "T").
			Send("MOVE", davPath(fromPath))
	})
	return checkResponse(resp, err, "move "+fromPath, http.StatusCreated, http.StatusNoContent)
}

// MkCol creates a remote collection. Returns a CodeConflict error when the
// parent collection is missing.
func (s *DavSDK) MkCol(ctx context.Context, relPath string) error {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.Send("MKCOL", davPath(relPath))
	})
	err = checkResponse(resp, err, "mkcol "+relPath, http.StatusCreated)
	// 405 means the collection already exists, which is fine for our purposes.
	var de *DavError
	if asDavError(err, &de) && de.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}
	return err
}

// Stat fetches the metadata of a single resource (Depth: 0).
func (s *DavSDK) Stat(ctx context.Context, relPath string) (*RemoteItem, error) {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetHeader("Depth", "0").
			SetContentType("application/xml; charset=utf-8").
			SetBody(propfindBody).
			Send("PROPFIND", davPath(relPath))
	})
	if err := checkResponse(resp, err, "stat "+relPath, http.StatusMultiStatus, http.StatusOK); err != nil {
		return nil, err
	}

	body, err := resp.ToBytes()
	if err != nil {
		return nil, &DavError{Code: CodeConnectionFailed, Message: "stat read body: " + err.Error()}
	}

	var ms multiStatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, &DavError{Code: CodeServerError, Message: "stat parse: " + err.Error()}
	}
	if len(ms.Responses) == 0 {
		return nil, &DavError{Code: CodeNotFound, Message: "stat " + relPath + ": empty multistatus"}
	}

	item, ok := toRemoteItem(&ms.Responses[0])
	if !ok {
		return nil, &DavError{Code: CodeNotFound, Message: "stat " + relPath + ": no 200 propstat"}
	}
	return item, nil
}

// Exists reports whether a remote resource is present.
func (s *DavSDK) Exists(ctx context.Context, relPath string) (bool, error) {
	_, err := s.Stat(ctx, relPath)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Quota reports used and available bytes via RFC 4331 properties.
func (s *DavSDK) Quota(ctx context.Context) (*QuotaInfo, error) {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetHeader("Depth", "0").
			SetContentType("application/xml; charset=utf-8").
			SetBody(quotaBody).
			Send("PROPFIND", davPath(""))
	})
	if err := checkResponse(resp, err, "quota", http.StatusMultiStatus, http.StatusOK); err != nil {
		return nil, err
	}

	body, err := resp.ToBytes()
	if err != nil {
		return nil, &DavError{Code: CodeConnectionFailed, Message: "quota read body: " + err.Error()}
	}

	var ms multiStatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, &DavError{Code: CodeServerError, Message: "quota parse: " + err.Error()}
	}

	quota := &QuotaInfo{Used: 0, Available: -1}
	for i := range ms.Responses {
		if prop, ok := ms.Responses[i].okPropstat(); ok {
			if prop.QuotaUsedBytes != nil {
				quota.Used = *prop.QuotaUsedBytes
			}
			if prop.QuotaAvailBytes != nil {
				quota.Available = *prop.QuotaAvailBytes
			}
		}
	}
	return quota, nil
}

// Probe performs a cheap connectivity check against the server.
func (s *DavSDK) Probe(ctx context.Context) error {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.Send(http.MethodOptions, davPath(""))
	})
	return checkResponse(resp, err, "probe", http.StatusOK, http.StatusNoContent)
}

// Capabilities discovers the optional transfer features the server
// advertises in its OPTIONS DAV header. "chunking" is the collection-based
// chunked upload extension; "sync-collection" (RFC 6578) enables delta
// listings.
func (s *DavSDK) Capabilities(ctx context.Context) (*Capabilities, error) {
	resp, err := s.doWithAuthRetry(ctx, func(r *req.Request) (*req.Response, error) {
		return r.Send(http.MethodOptions, davPath(""))
	})
	if err := checkResponse(resp, err, "capabilities", http.StatusOK, http.StatusNoContent); err != nil {
		return nil, err
	}

	caps := &Capabilities{}
	for _, dav := range resp.Header.Values("Dav") {
		for _, token := range strings.Split(dav, ",") {
			switch strings.TrimSpace(token) {
			case "chunking":
				caps.ChunkedUpload = true
			case "sync-collection":
				caps.DeltaSync = true
			}
		}
	}
	return caps, nil
}

func asDavError(err error, target **DavError) bool {
	return err != nil && errors.As(err, target)
}
