package davsdk

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"
)

const authRefreshEndpoint = "/auth/refresh"

// tokenExpirySkew renews access tokens slightly before their exp claim so a
// request never leaves with a token that dies in flight.
const tokenExpirySkew = 30 * time.Second

// TokenSource supplies a valid bearer credential on demand. Refresh is
// called after the server rejects the credential; implementations must be
// safe for concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticTokenSource returns a fixed token and cannot refresh. Used for
// app-password setups and tests.
type StaticTokenSource struct {
	AccessToken string
}

func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	return s.AccessToken, nil
}

func (s *StaticTokenSource) Refresh(_ context.Context) error {
	return &DavError{Code: CodeAuthFailed, Message: "static token cannot be refreshed"}
}

// RefreshTokenSource exchanges a long-lived refresh token for short-lived
// access tokens. The access token's exp claim is inspected locally so most
// requests skip the refresh round-trip.
type RefreshTokenSource struct {
	client       *req.Client
	refreshToken string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func NewRefreshTokenSource(serverURL, refreshToken string) (*RefreshTokenSource, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	client := req.C().
		SetBaseURL(serverURL).
		SetTimeout(30 * time.Second).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &RefreshTokenSource{
		client:       client,
		refreshToken: refreshToken,
	}, nil
}

func (s *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Add(tokenExpirySkew).Before(s.expiresAt) {
		return s.accessToken, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

func (s *RefreshTokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *RefreshTokenSource) refreshLocked(ctx context.Context) error {
	var result refreshResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(&refreshRequest{RefreshToken: s.refreshToken}).
		SetSuccessResult(&result).
		Post(authRefreshEndpoint)

	if err := checkResponse(resp, err, "auth refresh", 200); err != nil {
		return err
	}
	if result.AccessToken == "" {
		return &DavError{Code: CodeAuthFailed, Message: "auth refresh: empty access token"}
	}

	s.accessToken = result.AccessToken
	s.expiresAt = tokenExpiry(result.AccessToken)
	if result.RefreshToken != "" {
		s.refreshToken = result.RefreshToken
	}
	return nil
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// server remains the authority, this only schedules proactive refreshes.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) token; assume a short lifetime.
		return time.Now().Add(5 * time.Minute)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(5 * time.Minute)
	}
	return exp.Time
}
