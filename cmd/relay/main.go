// Command relay runs the chat fan-out service: the verified backend event
// bridge, the cluster room index and the client websocket gateway.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/chatrelay/internal/bridge"
	"github.com/nmxmxh/chatrelay/internal/cluster"
	"github.com/nmxmxh/chatrelay/internal/config"
	"github.com/nmxmxh/chatrelay/internal/gateway"
	"github.com/nmxmxh/chatrelay/internal/lifecycle"
	"github.com/nmxmxh/chatrelay/internal/nonce"
	"github.com/nmxmxh/chatrelay/internal/policy"
	"github.com/nmxmxh/chatrelay/internal/presence"
	"github.com/nmxmxh/chatrelay/internal/router"
	"github.com/nmxmxh/chatrelay/internal/signature"
	"github.com/nmxmxh/chatrelay/pkg/health"
	"github.com/nmxmxh/chatrelay/pkg/logger"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
	"github.com/nmxmxh/chatrelay/pkg/redis"
	"github.com/nmxmxh/chatrelay/pkg/tracing"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (default \":$PORT\")")
	flagSet.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML broadcast policy file (default: built-in table)")
	flagSet.StringVar(&cfg.ClusterMode, "cluster", cfg.ClusterMode, "room index backend: redis or local")
	flagSet.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "cluster node id (default: random)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.ServiceName,
		NodeID:      cfg.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	table, err := loadPolicies(cfg)
	if err != nil {
		return err
	}
	log.Info("Broadcast policies loaded", zap.Strings("events", table.Events()), zap.String("file", cfg.PolicyFile))

	rc, err := redis.NewClient(ctx, redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
		KeepAlive:    cfg.RedisKeepAlive,
	}, log)
	if err != nil {
		return err
	}
	defer rc.Close()

	hc := health.NewHealthChecker(2 * time.Second)
	hc.Register(rc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.CollectRuntime(gctx, 15*time.Second)
		return nil
	})

	var cl cluster.Cluster
	switch cfg.ClusterMode {
	case "local":
		cl = cluster.NewLocal(cfg.NodeID)
	default:
		rcl := cluster.NewRedis(rc.Client, cluster.RedisConfig{NodeID: cfg.NodeID, Channel: cfg.ClusterChannel}, log)
		g.Go(func() error { return rcl.Run(gctx) })
		cl = rcl
	}

	lc := lifecycle.NewManager(cl, log)
	rt := router.New(cl, presence.NewDirectory(cl, cfg.PresenceTimeout, log), lc, table, log)

	secret, err := signature.LoadSecret(cfg.SecretKeyPath)
	if err != nil {
		log.Error("Bridge listener not started: secret unavailable", zap.Error(err))
	} else {
		var audit bridge.Auditor
		if cfg.SecurityStream != "" {
			audit = redis.NewAuditStream(rc, cfg.SecurityStream, cfg.SecurityMaxLen, log)
		}
		ledger := nonce.NewLedger(rc, nonce.Config{TTL: cfg.ReplayWindow}, log)
		listener := bridge.New(rc, ledger, rt, audit, bridge.Config{
			Channel: cfg.BridgeChannel,
			Secret:  secret,
			Window:  cfg.ReplayWindow,
		}, log)
		g.Go(func() error { return listener.Run(gctx) })
	}

	gw := gateway.New(lc, rt, hc, gateway.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		InternalToken:  cfg.InternalToken,
		SendBuffer:     cfg.SendBuffer,
	}, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		var err error
		if cfg.TLSEnabled() {
			log.Info("Listening with TLS", zap.String("address", srv.Addr))
			err = srv.ListenAndServeTLS(cfg.SSLCertPath, cfg.SSLKeyPath)
		} else {
			log.Info("Listening without TLS", zap.String("address", srv.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stats := gw.Stats()
		gw.CloseAll()
		log.Info("Gateway stopped",
			zap.Int("connections", stats.Connections),
			zap.Int64("frames_queued", stats.Queued),
			zap.Int64("frames_dropped", stats.Dropped))
		return err
	})

	err = g.Wait()
	if shutdownTracing != nil {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if terr := shutdownTracing(tctx); terr != nil {
			log.Warn("Tracing shutdown failed", zap.Error(terr))
		}
	}
	if err != nil {
		log.Error("Relay stopped with error", zap.Error(err))
		return err
	}
	log.Info("Relay stopped")
	return nil
}

// loadPolicies builds the broadcast table from the policy file or the
// built-in defaults. LEGACY_EVENTS replaces the legacy relay list.
func loadPolicies(cfg *config.Config) (*policy.Table, error) {
	f := policy.DefaultFile()
	if cfg.PolicyFile != "" {
		var err error
		if f, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	if len(cfg.LegacyEvents) > 0 {
		f.LegacyEvents = cfg.LegacyEvents
	}
	return policy.New(f)
}
