package metrics

import (
	"strings"
	"time"

	"go.miragespace.co/ringstore/spec/protocol"

	"github.com/VictoriaMetrics/metrics"
)

func histogramName(direction string, cmd protocol.Command) string {
	sb := strings.Builder{}
	sb.WriteString("rpc_durations_seconds")
	sb.WriteString(`{direction="`)
	sb.WriteString(direction)
	sb.WriteString(`",command="`)
	sb.WriteString(string(cmd))
	sb.WriteString(`"}`)
	return sb.String()
}

func histogram(direction string, cmd protocol.Command) *metrics.Histogram {
	return metricSet.GetOrCreateHistogram(histogramName(direction, cmd))
}

// ObserveOutbound records the duration of a request this node sent
func ObserveOutbound(cmd protocol.Command, start time.Time) {
	histogram("outbound", cmd).UpdateDuration(start)
}

// ObserveInbound records the time spent answering a peer
func ObserveInbound(cmd protocol.Command, start time.Time) {
	histogram("inbound", cmd).UpdateDuration(start)
}
