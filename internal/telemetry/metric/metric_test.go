package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExposesInstruments(t *testing.T) {
	m := New()

	m.CommandsTotal.WithLabelValues("SET").Inc()
	m.CommandsTotal.WithLabelValues("GET").Add(2)
	m.ConnectionsTotal.Inc()
	m.ConnectedClients.Set(3)
	m.ExpiredKeys.Add(5)
	m.RegisterGaugeFunc("keys", "Live keys.", func() float64 { return 42 })

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `fedis_commands_total{verb="SET"} 1`)
	assert.Contains(t, body, `fedis_commands_total{verb="GET"} 2`)
	assert.Contains(t, body, "fedis_connections_total 1")
	assert.Contains(t, body, "fedis_connected_clients 3")
	assert.Contains(t, body, "fedis_expired_keys_total 5")
	assert.Contains(t, body, "fedis_keys 42")
	assert.Contains(t, body, "go_goroutines")
}
