package davsdk

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/cirrusdrive/cirrus/internal/version"
)

const (
	// davRoot is the base path for WebDAV operations on the remote server.
	davRoot = "/remote.php/webdav"

	// uploadsRoot holds chunked upload sessions before assembly.
	uploadsRoot = "/remote.php/uploads"

	requestTimeout = 5 * time.Minute
)

// DavSDK is the client for the remote WebDAV content store. It implements
// the transport surface the sync engine depends on: list, get, put, delete,
// move, mkcol, quota and capability discovery.
type DavSDK struct {
	client  *req.Client
	baseURL string
	tokens  TokenSource
}

// New creates a WebDAV client for the given server URL. The TokenSource
// supplies bearer credentials on demand; pass nil for unauthenticated
// servers (tests, local stacks).
func New(baseURL string, tokens TokenSource) (*DavSDK, error) {
	if baseURL == "" {
		return nil, ErrNoServerURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, ErrInvalidServerURL
	}

	client := req.C().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(requestTimeout).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetUserAgent("Cirrus/" + version.Version)

	return &DavSDK{
		client:  client,
		baseURL: baseURL,
		tokens:  tokens,
	}, nil
}

// Close releases idle connections.
func (s *DavSDK) Close() {
	s.client.GetClient().CloseIdleConnections()
}

// request builds an authenticated request. On an auth-rejected response the
// caller retries once through doWithAuthRetry after a token refresh.
func (s *DavSDK) request(ctx context.Context) (*req.Request, error) {
	r := s.client.R().SetContext(ctx)
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, &DavError{Code: CodeAuthFailed, Message: "acquire token: " + err.Error()}
		}
		r.SetBearerAuthToken(token)
	}
	return r, nil
}

// doWithAuthRetry sends a request via fn and, if the server rejects the
// credential, refreshes the token once and replays the request.
func (s *DavSDK) doWithAuthRetry(ctx context.Context, fn func(r *req.Request) (*req.Response, error)) (*req.Response, error) {
	r, err := s.request(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := fn(r)
	if err == nil && resp != nil && isAuthRejected(resp.StatusCode) && s.tokens != nil {
		if refreshErr := s.tokens.Refresh(ctx); refreshErr != nil {
			return resp, &DavError{Code: CodeAuthFailed, Message: "token refresh: " + refreshErr.Error(), StatusCode: resp.StatusCode}
		}
		r, err = s.request(ctx)
		if err != nil {
			return nil, err
		}
		return fn(r)
	}
	return resp, err
}

// davPath joins the WebDAV root with a slash-separated remote path.
func davPath(relPath string) string {
	relPath = strings.TrimLeft(relPath, "/")
	if relPath == "" {
		return davRoot
	}
	parts := strings.Split(relPath, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return davRoot + "/" + strings.Join(parts, "/")
}
