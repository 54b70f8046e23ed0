package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-overlay/internal/config"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewNop(), NewNop()
	a.MessagesPublished.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesPublished))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesPublished))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewNop()
	m.Lookups.WithLabelValues("ok").Inc()
	m.MeshPeers.WithLabelValues("chat").Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `overlay_dht_lookups_total{result="ok"} 1`)
	assert.Contains(t, string(body), `overlay_pubsub_mesh_peers{topic="chat"} 4`)
}

func TestModule(t *testing.T) {
	var m *Metrics
	app := fxtest.New(t,
		fx.Supply(config.NewConfig()),
		Module(),
		fx.Populate(&m),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, m)
	m.MessagesDelivered.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDelivered))
}
