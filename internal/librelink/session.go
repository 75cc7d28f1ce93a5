// Package librelink talks to the LibreLinkUp sharing API.
package librelink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"libresync/internal/domain"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL        = "https://api.libreview.io"
	DefaultClientVersion  = "4.16.0"
	DefaultRequestTimeout = 30 * time.Second
	DefaultExpiryMargin   = time.Minute
	DefaultCountry        = "DE"

	loginPath   = "/llu/auth/login"
	countryPath = "/llu/config/country"

	statusBadCredentials = 2
	statusStepUp         = 4

	fallbackTokenLifetime = time.Hour
)

// Options tune a Session. Zero values fall back to the defaults above.
type Options struct {
	BaseURL        string
	Country        string
	RequestTimeout time.Duration
	ExpiryMargin   time.Duration
	HTTPClient     *http.Client
	Now            func() time.Time
}

// Session owns the credentials and the current AuthContext of one account.
type Session struct {
	log   *zap.SugaredLogger
	creds domain.Credentials
	opts  Options
	http  *http.Client

	mu      sync.Mutex
	baseURL string
	auth    *domain.AuthContext

	logins singleflight.Group
}

func NewSession(log *zap.SugaredLogger, creds domain.Credentials, opts Options) *Session {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Country == "" {
		opts.Country = DefaultCountry
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ExpiryMargin <= 0 {
		opts.ExpiryMargin = DefaultExpiryMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if creds.ClientVersion == "" {
		creds.ClientVersion = DefaultClientVersion
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.RequestTimeout}
	}

	return &Session{
		log:     log.With("component", "librelink-session"),
		creds:   creds,
		opts:    opts,
		http:    client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type loginData struct {
	Redirect bool   `json:"redirect"`
	Region   string `json:"region"`
	Step     struct {
		ComponentName string `json:"componentName"`
	} `json:"step"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	AuthTicket struct {
		Token    string `json:"token"`
		Expires  int64  `json:"expires"`
		Duration int64  `json:"duration"`
	} `json:"authTicket"`
}

type countryResponse struct {
	Data struct {
		RegionalMap map[string]struct {
			LslAPI string `json:"lslApi"`
		} `json:"regionalMap"`
	} `json:"data"`
}

// Authenticate logs in and replaces the cached AuthContext. Concurrent callers
// share a single login round trip.
func (s *Session) Authenticate(ctx context.Context) (domain.AuthContext, error) {
	v, err, shared := s.logins.Do("login", func() (interface{}, error) {
		return s.login(ctx)
	})
	if err != nil {
		return domain.AuthContext{}, err
	}
	if shared {
		s.log.Debugw("joined in-flight login")
	}
	return *v.(*domain.AuthContext), nil
}

// EnsureValid returns the cached AuthContext while it has not expired and logs in otherwise.
func (s *Session) EnsureValid(ctx context.Context) (domain.AuthContext, error) {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	if auth.Valid(s.opts.Now(), s.opts.ExpiryMargin) {
		return *auth, nil
	}
	return s.Authenticate(ctx)
}

// Current returns the cached AuthContext, if any.
func (s *Session) Current() (domain.AuthContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return domain.AuthContext{}, false
	}
	return *s.auth, true
}

// Request performs an authenticated call against the regional host. A 401 invalidates the
// token and the call is retried once after logging in again.
func (s *Session) Request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	auth, err := s.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	status, data, err := s.send(ctx, auth, method, path, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusUnauthorized {
		return data, nil
	}

	s.log.Infow("token rejected, logging in again", "path", path)
	s.invalidate(auth.Token)

	auth, err = s.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	status, data, err = s.send(ctx, auth, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		s.invalidate(auth.Token)
		return nil, errors.Wrapf(domain.ErrBadCredentials, "%s %s rejected after re-authentication", method, path)
	}
	return data, nil
}

func (s *Session) login(ctx context.Context) (*domain.AuthContext, error) {
	s.mu.Lock()
	base := s.baseURL
	s.mu.Unlock()

	redirected := false
	for {
		data, err := s.postLogin(ctx, base)
		if err != nil {
			return nil, err
		}

		if data.Redirect {
			if redirected {
				return nil, errors.Wrapf(domain.ErrProtocol, "login redirected twice (region %q)", data.Region)
			}
			redirected = true

			base, err = s.regionalHost(ctx, base, data.Region)
			if err != nil {
				return nil, err
			}
			s.log.Infow("login redirected to regional host", "region", data.Region, "host", base)
			continue
		}

		if data.AuthTicket.Token == "" {
			return nil, errors.Wrap(domain.ErrProtocol, "login response carries no token")
		}

		auth := &domain.AuthContext{
			Token:     data.AuthTicket.Token,
			ExpiresAt: s.expiry(data),
			BaseURL:   base,
			AccountID: data.User.ID,
		}

		s.mu.Lock()
		s.baseURL = base
		s.auth = auth
		s.mu.Unlock()

		s.log.Infow("logged in", "host", base, "expiresAt", auth.ExpiresAt)
		return auth, nil
	}
}

func (s *Session) postLogin(ctx context.Context, base string) (loginData, error) {
	payload := loginRequest{Email: s.creds.Username, Password: s.creds.Password}
	status, body, err := s.send(ctx, domain.AuthContext{BaseURL: base}, http.MethodPost, loginPath, payload)
	if err != nil {
		return loginData{}, err
	}
	if status == http.StatusUnauthorized {
		return loginData{}, errors.Wrap(domain.ErrBadCredentials, "login rejected")
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return loginData{}, domain.Malformed("decode login response", err)
	}

	var data loginData
	if len(resp.Data) > 0 && resp.Data[0] == '{' {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return loginData{}, domain.Malformed("decode login data", err)
		}
	}

	switch resp.Status {
	case statusBadCredentials:
		return loginData{}, domain.ErrBadCredentials
	case statusStepUp:
		return loginData{}, errors.Wrapf(domain.ErrStepUpRequired, "complete %q in the LibreLinkUp app", data.Step.ComponentName)
	}
	return data, nil
}

func (s *Session) regionalHost(ctx context.Context, base, region string) (string, error) {
	path := countryPath + "?country=" + url.QueryEscape(s.opts.Country)
	status, body, err := s.send(ctx, domain.AuthContext{BaseURL: base}, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", errors.Wrap(domain.ErrProtocol, "country lookup rejected")
	}

	var resp countryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", domain.Malformed("decode country config", err)
	}

	node, ok := resp.Data.RegionalMap[region]
	if !ok || node.LslAPI == "" {
		available := make([]string, 0, len(resp.Data.RegionalMap))
		for name := range resp.Data.RegionalMap {
			available = append(available, name)
		}
		return "", errors.Wrapf(domain.ErrProtocol, "unknown region %q, available nodes are %s", region, strings.Join(available, ", "))
	}
	return strings.TrimRight(node.LslAPI, "/"), nil
}

func (s *Session) expiry(data loginData) time.Time {
	switch {
	case data.AuthTicket.Expires > 0:
		return time.Unix(data.AuthTicket.Expires, 0)
	case data.AuthTicket.Duration > 0:
		return s.opts.Now().Add(time.Duration(data.AuthTicket.Duration) * time.Millisecond)
	default:
		return s.opts.Now().Add(fallbackTokenLifetime)
	}
}

// invalidate drops the cached context if it still holds token.
func (s *Session) invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth != nil && s.auth.Token == token {
		s.auth = nil
	}
}

// send performs one HTTP round trip. 401 is reported through the status, other failures
// through the error.
func (s *Session) send(ctx context.Context, auth domain.AuthContext, method, path string, body interface{}) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, auth.BaseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}
	s.setHeaders(req, auth)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, domain.Transient(method+" "+path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, domain.Transient("read "+path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, nil, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, nil, domain.Transient(method+" "+path, &domain.APIError{StatusCode: resp.StatusCode, Body: string(data)})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, nil, &domain.APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp.StatusCode, data, nil
}

func (s *Session) setHeaders(req *http.Request, auth domain.AuthContext) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Product", "llu.android")
	req.Header.Set("Version", s.creds.ClientVersion)

	if auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
	if auth.AccountID != "" {
		req.Header.Set("Account-Id", hashAccountID(auth.AccountID))
	}
}

// hashAccountID is the SHA-256 hex digest the API expects in the account-id header.
func hashAccountID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
