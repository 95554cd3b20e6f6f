package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var metricSet = metrics.NewSet()

func MetricsHandler(w http.ResponseWriter, _ *http.Request) {
	metricSet.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}

// Counter returns a counter registered in the ringstore set, creating it on first use
func Counter(name string) *metrics.Counter {
	return metricSet.GetOrCreateCounter(name)
}

var (
	CommitsSucceeded   = Counter(`ringstore_commits_total{result="ok"}`)
	CommitsFailed      = Counter(`ringstore_commits_total{result="failed"}`)
	AnnouncementsSent  = Counter(`ringstore_announcements_total{direction="sent"}`)
	AnnouncementsTaken = Counter(`ringstore_announcements_total{direction="received"}`)
	PullsDeferred      = Counter(`ringstore_pulls_total{result="deferred"}`)
	PullsCompleted     = Counter(`ringstore_pulls_total{result="ok"}`)
	PeersCollected     = Counter(`ringstore_peers_collected_total`)
)
