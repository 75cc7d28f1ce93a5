package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"libresync/internal/collector"
	"libresync/internal/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestObserveStore(t *testing.T) {
	m := New()

	m.ObserveStore(domain.StoreResult{Inserted: 2, Duplicates: 1})
	m.ObserveStore(domain.StoreResult{Inserted: 1, Duplicates: 2})

	body := scrape(t, m)
	assert.Contains(t, body, "libresync_readings_inserted_total 3")
	assert.Contains(t, body, "libresync_readings_duplicate_total 3")
}

func TestObserveFetchError(t *testing.T) {
	m := New()

	m.ObserveFetchError(domain.Transient("GET graph", errors.New("timeout")))
	m.ObserveFetchError(domain.Transient("GET graph", errors.New("reset")))
	m.ObserveFetchError(domain.Malformed("graph", errors.New("eof")))
	m.ObserveFetchError(nil)

	body := scrape(t, m)
	assert.Contains(t, body, `libresync_fetch_errors_total{kind="transient"} 2`)
	assert.Contains(t, body, `libresync_fetch_errors_total{kind="malformed"} 1`)
}

func TestObserveCollectorState(t *testing.T) {
	m := New()

	m.ObserveCollectorState(collector.Collecting)
	m.ObserveCollectorState(collector.Degraded)

	body := scrape(t, m)
	assert.Contains(t, body, `libresync_collector_state{state="degraded"} 1`)
	assert.Contains(t, body, `libresync_collector_state{state="collecting"} 0`)
}

func TestKind(t *testing.T) {
	testCases := []struct {
		err    error
		expect string
	}{
		{domain.Transient("op", nil), "transient"},
		{domain.Malformed("op", nil), "malformed"},
		{errors.Wrap(domain.ErrBadCredentials, "retry"), "auth"},
		{domain.ErrStepUpRequired, "auth"},
		{&domain.APIError{StatusCode: 403}, "api"},
		{errors.New("other"), "other"},
	}

	for _, tc := range testCases {
		t.Run(tc.expect, func(t *testing.T) {
			assert.Equal(t, tc.expect, Kind(tc.err))
		})
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStore(domain.StoreResult{Inserted: 1})
		m.ObserveFetchError(errors.New("x"))
		m.ObserveSync(domain.SyncLog{})
		m.ObserveCollectorState(collector.Idle)
		m.ObserveRequest("/", http.StatusOK, time.Millisecond)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveStore(domain.StoreResult{Inserted: 4})
	m.ObserveSync(domain.SyncLog{Success: true})

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "libresync_readings_inserted_total 4")
	assert.Contains(t, string(body), `libresync_syncs_total{success="true"} 1`)
}
