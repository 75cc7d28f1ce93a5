package librelink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"libresync/internal/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	logins   atomic.Int32
	requests atomic.Int32

	// loginHandler overrides the default successful login.
	loginHandler func(w http.ResponseWriter, r *http.Request)
	// dataStatus returns the status for the n-th (1-based) data request.
	dataStatus func(n int32) int
	token      string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{token: "token-1"}
}

func (p *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		n := p.logins.Add(1)
		if p.loginHandler != nil {
			p.loginHandler(w, r)
			return
		}

		var body loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user@example.com", body.Email)
		assert.Equal(t, DefaultClientVersion, r.Header.Get("Version"))
		assert.Equal(t, "llu.android", r.Header.Get("Product"))

		writeJSON(w, map[string]interface{}{
			"status": 0,
			"data": map[string]interface{}{
				"user":       map[string]interface{}{"id": "account-1"},
				"authTicket": map[string]interface{}{"token": p.token + "-" + string(rune('0'+n)), "expires": time.Now().Add(time.Hour).Unix()},
			},
		})
	})
	mux.HandleFunc(connectionsPath, func(w http.ResponseWriter, r *http.Request) {
		n := p.requests.Add(1)
		assert.Equal(t, hashAccountID("account-1"), r.Header.Get("Account-Id"))
		if p.dataStatus != nil {
			if status := p.dataStatus(n); status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
		}
		writeJSON(w, map[string]interface{}{"data": []interface{}{}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestSession(baseURL string, opts Options) *Session {
	opts.BaseURL = baseURL
	creds := domain.Credentials{Username: "user@example.com", Password: "secret"}
	return NewSession(zap.NewNop().Sugar(), creds, opts)
}

func TestSession_Authenticate(t *testing.T) {
	provider := newFakeProvider()
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	session := newTestSession(server.URL, Options{})
	auth, err := session.Authenticate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "token-1-1", auth.Token)
	assert.Equal(t, "account-1", auth.AccountID)
	assert.Equal(t, server.URL, auth.BaseURL)
	assert.True(t, auth.ExpiresAt.After(time.Now()))
}

func TestSession_AuthenticateFailures(t *testing.T) {
	testCases := []struct {
		name      string
		handler   func(w http.ResponseWriter, r *http.Request)
		expectErr error
	}{
		{
			name: "Bad Credentials Status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, map[string]interface{}{"status": 2, "error": map[string]string{"message": "notAuthenticated"}})
			},
			expectErr: domain.ErrBadCredentials,
		},
		{
			name: "Step Up Required",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, map[string]interface{}{
					"status": 4,
					"data":   map[string]interface{}{"step": map[string]string{"componentName": "tou"}},
				})
			},
			expectErr: domain.ErrStepUpRequired,
		},
		{
			name: "Unauthorized Status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			expectErr: domain.ErrBadCredentials,
		},
		{
			name: "Missing Token",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, map[string]interface{}{"status": 0, "data": map[string]interface{}{}})
			},
			expectErr: domain.ErrProtocol,
		},
		{
			name: "Server Error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			expectErr: domain.ErrTransient,
		},
		{
			name: "Garbage Body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			expectErr: domain.ErrMalformedResponse,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newFakeProvider()
			provider.loginHandler = tc.handler
			server := httptest.NewServer(provider.handler(t))
			defer server.Close()

			session := newTestSession(server.URL, Options{})
			_, err := session.Authenticate(context.Background())

			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.expectErr), "got %v", err)
			assert.Equal(t, int32(1), provider.logins.Load())
		})
	}
}

func TestSession_StepUpCarriesComponent(t *testing.T) {
	provider := newFakeProvider()
	provider.loginHandler = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status": 4,
			"data":   map[string]interface{}{"step": map[string]string{"componentName": "verifyEmail"}},
		})
	}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	_, err := newTestSession(server.URL, Options{}).Authenticate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifyEmail")
}

func TestSession_RegionRedirect(t *testing.T) {
	regional := newFakeProvider()
	regionalServer := httptest.NewServer(regional.handler(t))
	defer regionalServer.Close()

	var countryLookups atomic.Int32
	global := newFakeProvider()
	global.loginHandler = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status": 0,
			"data":   map[string]interface{}{"redirect": true, "region": "eu2"},
		})
	}
	mux := http.NewServeMux()
	mux.Handle("/", global.handler(t))
	mux.HandleFunc(countryPath, func(w http.ResponseWriter, r *http.Request) {
		countryLookups.Add(1)
		assert.Equal(t, "FR", r.URL.Query().Get("country"))
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				"regionalMap": map[string]interface{}{
					"eu2": map[string]string{"lslApi": regionalServer.URL + "/"},
					"us":  map[string]string{"lslApi": "https://api-us.example.invalid"},
				},
			},
		})
	})
	globalServer := httptest.NewServer(mux)
	defer globalServer.Close()

	session := newTestSession(globalServer.URL, Options{Country: "FR"})
	auth, err := session.Authenticate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, regionalServer.URL, auth.BaseURL)
	assert.Equal(t, int32(1), global.logins.Load())
	assert.Equal(t, int32(1), regional.logins.Load())
	assert.Equal(t, int32(1), countryLookups.Load())

	// Data requests go to the regional host.
	_, err = session.Request(context.Background(), http.MethodGet, connectionsPath, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), regional.requests.Load())
	assert.Equal(t, int32(0), global.requests.Load())
}

func TestSession_SecondRedirectIsProtocolError(t *testing.T) {
	redirect := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status": 0,
			"data":   map[string]interface{}{"redirect": true, "region": "loop"},
		})
	}

	provider := newFakeProvider()
	provider.loginHandler = redirect

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.Handle("/", provider.handler(t))
	mux.HandleFunc(countryPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				"regionalMap": map[string]interface{}{"loop": map[string]string{"lslApi": server.URL}},
			},
		})
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	_, err := newTestSession(server.URL, Options{}).Authenticate(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProtocol))
	assert.Equal(t, int32(2), provider.logins.Load())
}

func TestSession_UnknownRegion(t *testing.T) {
	provider := newFakeProvider()
	provider.loginHandler = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status": 0,
			"data":   map[string]interface{}{"redirect": true, "region": "mars"},
		})
	}
	mux := http.NewServeMux()
	mux.Handle("/", provider.handler(t))
	mux.HandleFunc(countryPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"regionalMap": map[string]interface{}{}}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := newTestSession(server.URL, Options{}).Authenticate(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProtocol))
	assert.Contains(t, err.Error(), "mars")
}

func TestSession_EnsureValidCachesToken(t *testing.T) {
	provider := newFakeProvider()
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	session := newTestSession(server.URL, Options{})
	first, err := session.EnsureValid(context.Background())
	require.NoError(t, err)
	second, err := session.EnsureValid(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), provider.logins.Load())
}

func TestSession_EnsureValidRefreshesExpiredToken(t *testing.T) {
	provider := newFakeProvider()
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	now := time.Now()
	session := newTestSession(server.URL, Options{Now: func() time.Time { return now }})

	_, err := session.EnsureValid(context.Background())
	require.NoError(t, err)

	// Inside the safety margin of the one hour token.
	now = now.Add(time.Hour - 30*time.Second)
	auth, err := session.EnsureValid(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-1-2", auth.Token)
	assert.Equal(t, int32(2), provider.logins.Load())
}

func TestSession_ConcurrentEnsureValidSharesLogin(t *testing.T) {
	provider := newFakeProvider()
	inner := provider.handler(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			time.Sleep(50 * time.Millisecond)
		}
		inner.ServeHTTP(w, r)
	}))
	defer server.Close()

	session := newTestSession(server.URL, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := session.EnsureValid(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.logins.Load())
}

func TestSession_RequestRetriesOnceAfterUnauthorized(t *testing.T) {
	provider := newFakeProvider()
	provider.dataStatus = func(n int32) int {
		if n == 1 {
			return http.StatusUnauthorized
		}
		return http.StatusOK
	}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	session := newTestSession(server.URL, Options{})
	_, err := session.Request(context.Background(), http.MethodGet, connectionsPath, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.logins.Load())
	assert.Equal(t, int32(2), provider.requests.Load())

	auth, ok := session.Current()
	require.True(t, ok)
	assert.Equal(t, "token-1-2", auth.Token)
}

func TestSession_RequestSecondUnauthorizedIsBadCredentials(t *testing.T) {
	provider := newFakeProvider()
	provider.dataStatus = func(int32) int { return http.StatusUnauthorized }
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	session := newTestSession(server.URL, Options{})
	_, err := session.Request(context.Background(), http.MethodGet, connectionsPath, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBadCredentials))
	assert.Equal(t, int32(2), provider.logins.Load())
	assert.Equal(t, int32(2), provider.requests.Load())
}

func TestSession_RequestErrors(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		expectErr error
	}{
		{name: "Server Error", status: http.StatusServiceUnavailable, expectErr: domain.ErrTransient},
		{name: "Rate Limited", status: http.StatusTooManyRequests, expectErr: domain.ErrTransient},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newFakeProvider()
			provider.dataStatus = func(int32) int { return tc.status }
			server := httptest.NewServer(provider.handler(t))
			defer server.Close()

			_, err := newTestSession(server.URL, Options{}).Request(context.Background(), http.MethodGet, connectionsPath, nil)

			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.expectErr))
			var apiErr *domain.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
		})
	}

	t.Run("Client Error", func(t *testing.T) {
		provider := newFakeProvider()
		provider.dataStatus = func(int32) int { return http.StatusForbidden }
		server := httptest.NewServer(provider.handler(t))
		defer server.Close()

		_, err := newTestSession(server.URL, Options{}).Request(context.Background(), http.MethodGet, connectionsPath, nil)

		var apiErr *domain.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		assert.False(t, errors.Is(err, domain.ErrTransient))
	})
}

func TestSession_RequestTimeoutIsTransient(t *testing.T) {
	provider := newFakeProvider()
	inner := provider.handler(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == connectionsPath {
			time.Sleep(200 * time.Millisecond)
		}
		inner.ServeHTTP(w, r)
	}))
	defer server.Close()

	session := newTestSession(server.URL, Options{RequestTimeout: 50 * time.Millisecond})
	_, err := session.Request(context.Background(), http.MethodGet, connectionsPath, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestHashAccountID(t *testing.T) {
	assert.Equal(t, "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", hashAccountID("test"))
}
