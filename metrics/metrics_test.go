package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"go.miragespace.co/ringstore/spec/protocol"

	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	as := require.New(t)

	CommitsSucceeded.Inc()
	ObserveOutbound(protocol.CommandPing, time.Now().Add(-time.Millisecond))
	ObserveInbound(protocol.CommandSync, time.Now())

	rec := httptest.NewRecorder()
	MetricsHandler(rec, httptest.NewRequest("GET", "/_internal/metrics", nil))

	body := rec.Body.String()
	as.Contains(body, `ringstore_commits_total{result="ok"}`)
	as.Contains(body, `rpc_durations_seconds_bucket{direction="outbound",command="PING"`)
	as.Contains(body, `command="SYNC"`)
}
