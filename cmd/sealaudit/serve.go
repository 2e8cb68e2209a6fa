package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/sealaudit/internal/api"
	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/audit"
	"github.com/org/sealaudit/internal/auth"
	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/config"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/internal/keyserver"
	"github.com/org/sealaudit/internal/policy"
	"github.com/org/sealaudit/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the decryption and policy API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	clk := clock.Real()
	bus, closeSinks, err := newBus(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()
	go bus.Run(ctx)

	engine := policy.NewEngine(store, clk, bus)
	ledger := audit.NewLedger(store, clk, bus)
	if err := bootstrapLedger(ctx, ledger, cfg); err != nil {
		return err
	}

	sessions := auth.NewStore(clk, auth.StoreOptions{
		DefaultTTLMinutes: cfg.Session.DefaultTTLMinutes,
		SweepInterval:     cfg.Session.SweepInterval,
	})
	go sessions.Run(ctx)

	quorum, closeServers, err := newQuorum(cfg, engine, clk)
	if err != nil {
		return err
	}
	defer closeServers()

	srv := api.NewServer(api.Config{
		ListenAddr:       cfg.ListenAddr,
		TLSCertFile:      cfg.TLSCertFile,
		TLSKeyFile:       cfg.TLSKeyFile,
		PackageID:        cfg.PackageID,
		WSOriginPatterns: cfg.WSOriginPatterns,
	}, api.Deps{
		Clock:      clk,
		Sessions:   sessions,
		Policy:     engine,
		Ledger:     ledger,
		RequestLog: audit.NewRequestLogger(store, clk),
		Quorum:     quorum,
		Bus:        bus,
		Limiter:    newLimiter(cfg),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", cfg.ListenAddr).Int("key_servers", quorum.Size()).
		Int("threshold", quorum.Threshold()).Msg("server started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.Storage != "postgres" {
		log.Warn().Msg("using in-memory storage, state is lost on restart")
		return storage.NewMemoryBackend(), nil
	}
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info().Msg("migrations applied")
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return store, nil
}

func newBus(cfg *config.Config) (*events.Bus, func(), error) {
	sinks := []events.Sink{events.LogSink{}}
	closeSinks := func() {}
	if len(cfg.Events.KafkaBrokers) > 0 {
		ks, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers: cfg.Events.KafkaBrokers,
			Topic:   cfg.Events.KafkaTopic,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, ks)
		closeSinks = func() {
			if err := ks.Close(); err != nil {
				log.Warn().Err(err).Msg("closing kafka sink")
			}
		}
		log.Info().Strs("brokers", cfg.Events.KafkaBrokers).Str("topic", cfg.Events.KafkaTopic).Msg("publishing events to kafka")
	}
	return events.NewBus(cfg.Events.QueueSize, sinks...), closeSinks, nil
}

// bootstrapLedger seeds the audit configuration once. Restarts against a
// bootstrapped store keep the stored configuration.
func bootstrapLedger(ctx context.Context, ledger *audit.Ledger, cfg *config.Config) error {
	if cfg.Audit.Admin == "" {
		log.Warn().Msg("audit.admin not set, audit ledger left unbootstrapped")
		return nil
	}
	_, err := ledger.Bootstrap(ctx, audit.BootstrapInput{
		Admin:             cfg.Audit.Admin,
		MinChallenges:     cfg.Audit.MinChallenges,
		MaxChallenges:     cfg.Audit.MaxChallenges,
		ChallengeInterval: cfg.Audit.ChallengeInterval,
		Auditors:          cfg.Audit.AuthorizedAuditors,
	})
	if errors.Is(err, apperr.ErrAlreadyExists) {
		log.Info().Msg("audit ledger already bootstrapped")
		return nil
	}
	return err
}

// newQuorum builds the in-process key servers and the clients for remote
// ones. The returned func closes the in-process servers.
func newQuorum(cfg *config.Config, gate keyserver.Approver, clk clock.Clock) (*keyserver.Quorum, func(), error) {
	ks := cfg.KeyServers
	var (
		clients []keyserver.Client
		locals  []*keyserver.Server
	)
	closeAll := func() {
		for _, s := range locals {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Str("key_server", s.ID()).Msg("closing key server")
			}
		}
	}

	if ks.LocalCount > 0 {
		master := cfg.MasterKeyBytes()
		if master == nil {
			var err error
			if master, err = crypto.GenerateKey(); err != nil {
				return nil, nil, err
			}
			log.Warn().Msg("keyservers.master_key not set, generated an ephemeral one; stored shares will not survive a restart")
		}
		defer crypto.Zero(master)

		for i := 0; i < ks.LocalCount; i++ {
			id := fmt.Sprintf("local-%d", i+1)
			shares, err := openShareStore(ks.ShareDir, id)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			s, err := keyserver.NewServer(keyserver.ServerConfig{
				ID:        id,
				PackageID: cfg.PackageID,
				MasterKey: master,
			}, shares, gate, clk)
			if err != nil {
				shares.Close() //nolint:errcheck
				closeAll()
				return nil, nil, err
			}
			locals = append(locals, s)
			clients = append(clients, keyserver.LocalClient{Server: s})
		}
	}
	for _, u := range ks.URLs {
		clients = append(clients, keyserver.NewHTTPClient(keyserver.HTTPClientConfig{
			ID:         u,
			BaseURL:    u,
			StoreToken: ks.StoreToken,
			Timeout:    ks.RequestTimeout,
			Retries:    ks.Retries,
		}))
	}

	q, err := keyserver.NewQuorum(clients, ks.Threshold, ks.RequestTimeout)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return q, closeAll, nil
}

func openShareStore(dir, id string) (keyserver.ShareStore, error) {
	if dir == "" {
		return keyserver.NewMemoryShareStore(), nil
	}
	s, err := keyserver.OpenBadgerShareStore(filepath.Join(dir, id))
	if err != nil {
		return nil, fmt.Errorf("opening share store for %s: %w", id, err)
	}
	return s, nil
}

func newLimiter(cfg *config.Config) api.Limiter {
	rl := cfg.RateLimit
	local := api.NewLocalLimiter(rl.RPS, rl.Burst)
	if rl.RedisAddr == "" {
		return local
	}
	perWindow := int(math.Ceil(rl.RPS * rl.Window.Seconds()))
	if perWindow < rl.Burst {
		perWindow = rl.Burst
	}
	client := redis.NewClient(&redis.Options{Addr: rl.RedisAddr})
	log.Info().Str("addr", rl.RedisAddr).Int("limit", perWindow).Dur("window", rl.Window).Msg("using redis rate limiter")
	return api.NewRedisLimiter(client, rl.Window, perWindow, local)
}
