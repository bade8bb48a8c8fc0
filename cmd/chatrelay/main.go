// Command chatrelay runs the development chat relay: WebSocket clients join on
// /ws, receive the recent history and see every message and roster change.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/assistchat/internal/config"
	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/messaging"
	"github.com/whisper/assistchat/internal/metrics"
	"github.com/whisper/assistchat/internal/ratelimit"
	"github.com/whisper/assistchat/internal/relay"
)

var (
	configPath  string
	envFile     string
	listenAddr  string
	redisAddr   string
	natsURL     string
	metricsAddr string
	rateLimit   int
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Run the development chat relay",
	Long: `Run a WebSocket chat relay for the assistchat client.

History is kept in memory unless --redis is set. Messages fan out locally
unless --nats is set, in which case every relay sharing the NATS subject
sees every message. With --rate-limit (or RATE_LIMIT) each connection may
send that many lines per 10 seconds; the window is shared through Redis
when --redis is set.`,
	SilenceUsage: true,
	RunE:         runRelay,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for shared history (overrides REDIS_ADDR)")
	rootCmd.Flags().StringVar(&natsURL, "nats", "", "NATS URL for cross-instance fan-out (overrides NATS_URL)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "address for the Prometheus listener")
	rootCmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "chat lines per 10s per connection, 0 disables (overrides RATE_LIMIT)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Relay.ListenAddr = listenAddr
	}
	if redisAddr != "" {
		cfg.Relay.RedisAddr = redisAddr
	}
	if natsURL != "" {
		cfg.Relay.NATSURL = natsURL
	}
	if rateLimit > 0 {
		cfg.Relay.RateLimit = rateLimit
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("chat relay starting",
		zap.String("listen_addr", cfg.Relay.ListenAddr),
		zap.Int("max_history", cfg.Relay.MaxHistory),
		zap.String("redis_addr", cfg.Relay.RedisAddr),
		zap.String("nats_url", cfg.Relay.NATSURL),
		zap.Duration("heartbeat_interval", cfg.Relay.HeartbeatInterval),
		zap.Int("rate_limit", cfg.Relay.RateLimit),
	)

	rdb, err := openRedis(cfg.Relay.RedisAddr)
	if err != nil {
		return err
	}
	var history relay.History = relay.NewMemoryHistory(cfg.Relay.MaxHistory)
	if rdb != nil {
		defer rdb.Close()
		history = relay.NewRedisHistory(rdb, cfg.Relay.MaxHistory)
	}

	var broker relay.Broker
	if cfg.Relay.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.Relay.NATSURL
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		broker = relay.NewNATSBroker(nc)
	}

	server, err := relay.NewServer(relay.ServerConfig{
		ListenAddr:   cfg.Relay.ListenAddr,
		WriteTimeout: cfg.Relay.WriteTimeout,
		Heartbeat: relay.HeartbeatConfig{
			Interval: cfg.Relay.HeartbeatInterval,
			Timeout:  cfg.Relay.HeartbeatTimeout,
		},
	}, history, broker, logger)
	if err != nil {
		return err
	}
	if cfg.Relay.RateLimit > 0 {
		rule := ratelimit.RuleMessage
		rule.Limit = cfg.Relay.RateLimit
		if rdb != nil {
			server.SetLimiter(ratelimit.NewLimiter(rdb, rule, logger))
		} else {
			server.SetLimiter(ratelimit.NewLocalLimiter(rule))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if metricsAddr != "" {
		serveMetrics(ctx, g, metricsAddr, logger)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("chat relay stopped")
	return nil
}

// openRedis connects to addr, or returns nil when addr is empty.
func openRedis(addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
}
