package status

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.miragespace.co/ringstore/overlay"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show the ring as seen from a running node",
		ArgsUsage: "<endpoint>",
		Description: `Ping a running node over the ring transport and print its routing view.
	With --walk, follow successors from that node and print every node visited until the ring closes.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "walk",
				Value: 0,
				Usage: "Follow successors for up to this many hops",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: time.Second * 5,
				Usage: "Timeout for each ping",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return fmt.Errorf("expecting exactly one endpoint, got %d", ctx.NArg())
			}
			if ctx.Int("walk") < 0 {
				return fmt.Errorf("walk must not be negative")
			}
			return nil
		},
		Action: cmdStatus,
	}
}

type pinger interface {
	Request(ctx context.Context, endpoint string, req *protocol.Request) (*protocol.Response, error)
}

// ping sends an anonymous PING so the target does not treat us as a ring member
func ping(ctx context.Context, t pinger, endpoint string) (*protocol.PingResponse, error) {
	req, err := protocol.NewRequest(protocol.CommandPing, &protocol.PingRequest{})
	if err != nil {
		return nil, err
	}
	resp, err := t.Request(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	if err := ring.ErrorFromCode(ring.Code(resp.Code), resp.Error); err != nil {
		return nil, err
	}
	pong := &protocol.PingResponse{}
	if err := resp.Decode(pong); err != nil {
		return nil, fmt.Errorf("decoding ping response: %w", err)
	}
	return pong, nil
}

// walk follows successors starting at endpoint. The first result is always the starting node
func walk(ctx context.Context, t pinger, endpoint string, hops int, timeout time.Duration) ([]*protocol.PingResponse, error) {
	visited := map[string]bool{}
	var nodes []*protocol.PingResponse
	next := endpoint
	for i := 0; i <= hops; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		pong, err := ping(pingCtx, t, next)
		cancel()
		if err != nil {
			if len(nodes) == 0 {
				return nil, fmt.Errorf("pinging %s: %w", next, err)
			}
			nodes = append(nodes, &protocol.PingResponse{Endpoint: next})
			break
		}
		nodes = append(nodes, pong)
		visited[pong.Endpoint] = true
		if pong.Successor == "" || visited[pong.Successor] {
			break
		}
		next = pong.Successor
	}
	return nodes, nil
}

func render(w io.Writer, nodes []*protocol.PingResponse) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Endpoint", "ID", "Predecessor", "Successor", "Observed IP", "Seen"})
	for _, n := range nodes {
		if n.ObservedIP == "" && n.Successor == "" && n.Predecessor == "" {
			tw.AppendRow(table.Row{n.Endpoint, ring.Hash(n.Endpoint), "(unreachable)", "", "", ""})
			continue
		}
		tw.AppendRow(table.Row{n.Endpoint, ring.Hash(n.Endpoint), n.Predecessor, n.Successor, n.ObservedIP, strings.Join(n.Seen, "\n")})
	}
	tw.SetStyle(table.StyleDefault)
	tw.Style().Options.SeparateRows = true
	tw.Render()
}

func cmdStatus(ctx *cli.Context) error {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return fmt.Errorf("unable to obtain logger from app context")
	}

	t := overlay.NewWebSocket(overlay.WebSocketConfig{
		Logger: logger.With(zap.String("component", "statusTransport")),
	})
	defer t.Close()

	nodes, err := walk(ctx.Context, t, ctx.Args().First(), ctx.Int("walk"), ctx.Duration("timeout"))
	if err != nil {
		return err
	}
	render(ctx.App.Writer, nodes)
	return nil
}
