package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.miragespace.co/ringstore/cmd/server"
	"go.miragespace.co/ringstore/entropy"
	"go.miragespace.co/ringstore/quorum"
	"go.miragespace.co/ringstore/record"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/kv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "examine the storage of a stopped node",
		Description: `Open the data directory of a node that is not running and examine what it holds.
	Raw keys include both committed records (item/) and persisted sync state (sync/).`,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "data-dir",
				Aliases:  []string{"data"},
				Usage:    "Path to the data directory of the node",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "kv",
				Value: "aof",
				Usage: "Storage backend the node was started with: aof or sqlite",
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:      "keys",
				Usage:     "list raw keys under a prefix",
				ArgsUsage: "[prefix]",
				Action: withStore(func(ctx *cli.Context, store kv.Store) error {
					return listKeys(ctx.Context, ctx.App.Writer, store, ctx.Args().First())
				}),
			},
			{
				Name:      "items",
				Usage:     "list committed records under a path prefix with their versions",
				ArgsUsage: "[prefix]",
				Action: withStore(func(ctx *cli.Context, store kv.Store) error {
					return listItems(ctx.Context, ctx.App.Writer, quorum.NewLocal(zap.NewNop(), store, registry()), ctx.Args().First())
				}),
			},
			{
				Name:      "get",
				Usage:     "print the value stored at a raw key",
				ArgsUsage: "<key>",
				Action: withStore(func(ctx *cli.Context, store kv.Store) error {
					return getKey(ctx.Context, ctx.App.Writer, store, ctx.Args().First())
				}),
			},
			{
				Name:      "sync",
				Usage:     "list persisted anti-entropy states",
				ArgsUsage: " ",
				Action: withStore(func(ctx *cli.Context, store kv.Store) error {
					return listSync(ctx.Context, ctx.App.Writer, store)
				}),
			},
			{
				Name:      "delete",
				Usage:     "delete raw keys, the node will restore records it is responsible for from its peers",
				ArgsUsage: "<key>...",
				Action: withStore(func(ctx *cli.Context, store kv.Store) error {
					return deleteKeys(ctx.Context, ctx.App.Writer, store, ctx.Args().Slice())
				}),
			},
		},
	}
}

func registry() *item.Registry {
	r := item.NewRegistry()
	record.Register(r, nil)
	return r
}

func withStore(fn func(*cli.Context, kv.Store) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
		if !ok || logger == nil {
			return fmt.Errorf("unable to obtain logger from app context")
		}
		if ctx.String("kv") == "memory" {
			return fmt.Errorf("memory backend has nothing to inspect")
		}
		store, closer, err := server.OpenKVProvider(logger.With(zap.String("component", "kv")), ctx.Path("data-dir"), ctx.String("kv"))
		if err != nil {
			return err
		}
		defer closer()
		return fn(ctx, store)
	}
}

func listKeys(ctx context.Context, w io.Writer, store kv.Store, prefix string) error {
	keys, err := store.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(w, k)
	}
	return nil
}

func listItems(ctx context.Context, w io.Writer, local *quorum.Local, prefix string) error {
	paths, err := local.Paths(ctx, prefix)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Path", "Kind", "Updated"})
	for _, p := range paths {
		it, err := local.Get(ctx, p)
		if err != nil {
			return err
		}
		if it == nil {
			tw.AppendRow(table.Row{p, "(corrupt)", ""})
			continue
		}
		tw.AppendRow(table.Row{p, it.Kind(), it.UpdatedUtc()})
	}
	tw.AppendFooter(table.Row{"", "Total", len(paths)})
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func getKey(ctx context.Context, w io.Writer, store kv.Store, key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	val, found, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %q not found", key)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(val), "", "  "); err != nil {
		// not every value has to be json
		fmt.Fprintln(w, val)
		return nil
	}
	fmt.Fprintln(w, out.String())
	return nil
}

func listSync(ctx context.Context, w io.Writer, store kv.Store) error {
	states, corrupt, err := entropy.LoadStates(ctx, store)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Path", "Status", "Attempts", "Last Announce", "Next Attempt"})
	for _, s := range states {
		tw.AppendRow(table.Row{s.Path, s.Status, s.Attempts, s.LastAnnounce, s.NextAttempt})
	}
	for _, k := range corrupt {
		tw.AppendRow(table.Row{k, "(corrupt)", "", "", ""})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func deleteKeys(ctx context.Context, w io.Writer, store kv.Store, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("at least one key is required")
	}
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting %s: %w", k, err)
		}
		fmt.Fprintf(w, "deleted %s\n", k)
	}
	return nil
}
