package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()

	a.ContainersApplied.Inc()
	a.ContainersApplied.Inc()
	b.ContainersApplied.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.ContainersApplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.ContainersApplied))
}

func TestHandlerExposesInstruments(t *testing.T) {
	m := New()
	m.FillsApplied.WithLabelValues("BUY").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `polylive_fills_applied_total{side="BUY"} 1`)
}
