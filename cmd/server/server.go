package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.miragespace.co/ringstore/node"
	"go.miragespace.co/ringstore/overlay"
	"go.miragespace.co/ringstore/record"
	"go.miragespace.co/ringstore/rtt"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/util"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultPort = 7400

func Generate() *cli.Command {
	ip := util.GetOutboundIP()
	return &cli.Command{
		Name:  "server",
		Usage: "start a ringstore node",
		Description: `Start a ringstore node that joins the ring, stores its share of records and keeps them in sync with the other replicas.

	The node serves peer traffic on /ring, the record API on /v1/items, and diagnostics on /_internal. To protect the internal endpoints,
	provide username and password under environment variables INTERNAL_USER and INTERNAL_PASS.`,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "config",
				Usage:    "Path to a YAML file providing any of the options below. Flags given on the command line take precedence",
				EnvVars:  []string{"RINGSTORE_CONFIG"},
				Category: "Server Options",
			},
			&cli.StringFlag{
				Name:     "listen-addr",
				Aliases:  []string{"listen"},
				Value:    fmt.Sprintf("%s:%d", ip.String(), DefaultPort),
				Usage:    "Address and port to listen for peer and API connections",
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:        "advertise-addr",
				Aliases:     []string{"advertise"},
				DefaultText: "same as listen-addr",
				Usage: `Address and port to advertise to other nodes.
			Note that ringstore will use advertised address to derive its position on the ring.`,
				Category: "Network Options",
			},
			&cli.StringSliceFlag{
				Name: "join",
				Usage: `Advertise address of a known node, may be repeated.
			Absent of this flag will bootstrap a new ring with current node as the seed node`,
				Category: "Ring Options",
			},
			&cli.PathFlag{
				Name:     "data-dir",
				Aliases:  []string{"data"},
				Usage:    "Path to directory that will be used for persisting records and sync state",
				Category: "Storage Options",
			},
			&cli.StringFlag{
				Name:     "kv",
				Value:    "aof",
				Usage:    "Storage backend to use: memory, aof, or sqlite",
				Category: "Storage Options",
			},
			&cli.IntFlag{
				Name:     "minimum-copies",
				Value:    ring.MinimumNumberOfCopies,
				Usage:    "Number of other responsible nodes that must hold a version before it is committed",
				Category: "Ring Options",
			},
			&cli.IntFlag{
				Name:     "replication",
				Value:    ring.ReplicationFactor,
				Usage:    "Number of nodes responsible for each record",
				Category: "Ring Options",
			},
			&cli.DurationFlag{
				Name:     "lookup-cache-ttl",
				Value:    time.Second * 10,
				Usage:    "How long resolved replica sets are cached. Set to 0 to disable caching",
				Category: "Ring Options",
			},
			&cli.BoolFlag{
				Name:     "local-test-mode",
				Usage:    "Commit writes without corroboration from other nodes. Only meant for single node testing",
				Category: "Ring Options",
			},
			&cli.StringFlag{
				Name:        "sentry",
				DefaultText: "https://public@sentry.example.com/1",
				Usage:       "Sentry DSN for error monitoring. Alternatively, you can set the DSN via the environment variable SENTRY_DSN",
				EnvVars:     []string{"SENTRY_DSN"},
				Category:    "Server Options",
			},

			&cli.StringFlag{
				Name:    "auth_user",
				Hidden:  true,
				EnvVars: []string{"INTERNAL_USER"},
			},
			&cli.StringFlag{
				Name:    "auth_pass",
				Hidden:  true,
				EnvVars: []string{"INTERNAL_PASS"},
			},
		},
		Before: func(ctx *cli.Context) error {
			if err := applyConfigFile(ctx); err != nil {
				return err
			}
			return validateFlags(ctx)
		},
		Action: cmdServer,
	}
}

func validateFlags(ctx *cli.Context) error {
	if ctx.String("kv") != "memory" && ctx.Path("data-dir") == "" {
		return fmt.Errorf("data-dir is required with kv %s", ctx.String("kv"))
	}
	if ctx.Int("minimum-copies") < 1 {
		return errors.New("minimum-copies must be at least 1")
	}
	if ctx.Int("minimum-copies") >= ctx.Int("replication") {
		return errors.New("minimum-copies must be less than replication")
	}
	if ctx.Duration("lookup-cache-ttl") < 0 {
		return errors.New("lookup-cache-ttl must not be negative")
	}
	for _, seed := range ctx.StringSlice("join") {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return fmt.Errorf("invalid join address %q: %w", seed, err)
		}
	}
	return nil
}

func modifyToSentryLogger(logger *zap.Logger, client *sentry.Client) *zap.Logger {
	cfg := zapsentry.Configuration{
		Level:             zapcore.WarnLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))

	if err != nil {
		logger.Warn("failed to init zap", zap.Error(err))
	}

	logger = zapsentry.AttachCoreToLogger(core, logger)

	return logger
}

func cmdServer(ctx *cli.Context) error {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return fmt.Errorf("unable to obtain logger from app context")
	}

	if ctx.IsSet("sentry") {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:     ctx.String("sentry"),
			Release: ctx.App.Version,
		})
		if err != nil {
			return fmt.Errorf("initializing sentry client: %w", err)
		}
		defer client.Flush(time.Second * 2)

		logger = modifyToSentryLogger(logger, client)
		defer logger.Sync()
	}

	listen := ctx.String("listen-addr")
	advertise := ctx.String("advertise-addr")
	if advertise == "" {
		advertise = listen
	}

	store, closeStore, err := OpenKVProvider(
		logger.With(zapsentry.NewScope()).With(zap.String("component", "kv")),
		ctx.Path("data-dir"),
		ctx.String("kv"),
	)
	if err != nil {
		return fmt.Errorf("initializing kv provider: %w", err)
	}
	defer closeStore()

	registry := item.NewRegistry()
	record.Register(registry, nil)

	var n *node.Node
	ringTransport := overlay.NewWebSocket(overlay.WebSocketConfig{
		Logger: logger.With(zapsentry.NewScope()).With(zap.String("component", "ringTransport")),
		Handler: func(c context.Context, req *protocol.Request) (*protocol.Response, error) {
			return n.Handle(c, req)
		},
	})
	defer ringTransport.Close()

	n, err = node.New(node.Config{
		Logger:            logger.With(zapsentry.NewScope()).With(zap.String("node", advertise)),
		Endpoint:          advertise,
		Transport:         ringTransport,
		Store:             store,
		Registry:          registry,
		RTT:               rtt.NewInstrumentation(20, nil),
		ValidKey:          record.ValidKey,
		MinimumCopies:     ctx.Int("minimum-copies"),
		ReplicationFactor: ctx.Int("replication"),
		SkipCorroboration: ctx.Bool("local-test-mode"),
		LookupCacheTTL:    ctx.Duration("lookup-cache-ttl"),
	})
	if err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}
	defer n.Stop()

	ringHandler := overlay.NewHandler(logger.With(zapsentry.NewScope()).With(zap.String("component", "ringHandler")), n.Handle)
	defer ringHandler.Close()

	router := chi.NewRouter()
	(&httpServer{
		logger:   logger.With(zap.String("component", "http")),
		node:     n,
		registry: registry,
		ring:     ringHandler,
		stats:    n.Membership().StatsHandler,
		graph:    n.Membership().GraphHandler,
		sync:     n.Sync(),
		authUser: ctx.String("auth_user"),
		authPass: ctx.String("auth_pass"),
	}).Mount(router)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	srv := &http.Server{
		ReadHeaderTimeout: time.Second * 5,
		Handler:           router,
		ErrorLog:          util.GetStdLogger(logger, "httpServer"),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	logger.Info("Listening for connections", zap.String("listen", listen), zap.String("advertise", advertise))

	ringTransport.Start()
	if err := n.Start(ctx.Context); err != nil {
		return err
	}

	if seeds := ctx.StringSlice("join"); len(seeds) > 0 {
		if err := n.Join(ctx.Context, seeds...); err != nil {
			logger.Warn("Unable to join the ring yet, maintenance will keep trying", zap.Strings("seeds", seeds), zap.Error(err))
		} else {
			logger.Info("Joined the ring", zap.String("successor", n.Membership().Successor()))
		}
	} else {
		logger.Info("Bootstrapping a new ring")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal to stop", zap.String("signal", sig.String()))
	case <-ctx.Context.Done():
		logger.Info("context done", zap.Error(ctx.Context.Err()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
