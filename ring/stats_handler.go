package ring

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.miragespace.co/ringstore/spec/ring"

	"github.com/jedib0t/go-pretty/v6/table"
)

const rttWindow = time.Second * 10

func (m *Membership) rttString(endpoint string) string {
	if m.rtt == nil || endpoint == "" {
		return ""
	}
	return m.rtt.Snapshot(endpoint, rttWindow).String()
}

// WriteSummary renders the routing view as text tables
func (m *Membership) WriteSummary(w io.Writer) {
	s := m.Snapshot()

	fmt.Fprintf(w, "Endpoint: %s (%d)\n", s.Endpoint, s.ID)
	fmt.Fprintf(w, "Stabilized for: %s\n", s.StabilizedFor.Round(time.Second))
	fmt.Fprintf(w, "Finger table fully populated: %v\n", s.FullyPopulated)
	fmt.Fprintf(w, "---\n")

	nodesTable := table.NewWriter()
	nodesTable.SetOutputMirror(w)
	nodesTable.AppendHeader(table.Row{"Where", "ID", "Endpoint", "RTT (-10s)"})
	for _, row := range []struct {
		where    string
		endpoint string
	}{
		{"Predecessor", s.Predecessor},
		{"Local", s.Endpoint},
		{"Successor", s.Successor},
	} {
		id := ""
		if row.endpoint != "" {
			id = fmt.Sprintf("%d", ring.Hash(row.endpoint))
		}
		nodesTable.AppendRow(table.Row{row.where, id, row.endpoint, m.rttString(row.endpoint)})
	}
	nodesTable.SetStyle(table.StyleDefault)
	nodesTable.Style().Options.SeparateRows = true
	nodesTable.Render()

	fmt.Fprintf(w, "---\n")

	fingerTable := table.NewWriter()
	fingerTable.SetOutputMirror(w)
	fingerTable.AppendHeader(table.Row{"K", "Start", "Peer"})
	for k, endpoint := range s.Fingers {
		if endpoint == "" {
			continue
		}
		fingerTable.AppendRow(table.Row{k, ring.ModuloSum(s.ID, uint64(1)<<k), endpoint})
	}
	fingerTable.SetStyle(table.StyleDefault)
	fingerTable.Render()

	fmt.Fprintf(w, "---\n")

	sort.Slice(s.Peers, func(i, j int) bool {
		return ring.Distance(s.ID, s.Peers[i].ID) < ring.Distance(s.ID, s.Peers[j].ID)
	})
	peersTable := table.NewWriter()
	peersTable.SetOutputMirror(w)
	peersTable.AppendHeader(table.Row{"ID", "Endpoint", "Failures", "Last success", "RTT (-10s)"})
	for _, p := range s.Peers {
		last := ""
		if !p.LastSuccess.IsZero() {
			last = p.LastSuccess.Format(time.RFC3339)
		}
		peersTable.AppendRow(table.Row{p.ID, p.Endpoint, p.Failures, last, m.rttString(p.Endpoint)})
	}
	peersTable.SetCaption("(%d seen peers)", len(s.Peers))
	peersTable.SetStyle(table.StyleDefault)
	peersTable.Render()
}

func (m *Membership) StatsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	m.WriteSummary(w)
}
