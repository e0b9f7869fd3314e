package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/agentwall/internal/api"
	"github.com/org/agentwall/internal/audit"
	"github.com/org/agentwall/internal/auth"
	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/classifier"
	"github.com/org/agentwall/internal/config"
	"github.com/org/agentwall/internal/edge"
	"github.com/org/agentwall/internal/firewall"
	"github.com/org/agentwall/internal/policy"
	"github.com/org/agentwall/internal/ratelimit"
	"github.com/org/agentwall/internal/rules"
	"github.com/org/agentwall/internal/signature"
	"github.com/org/agentwall/internal/storage"
	"github.com/org/agentwall/internal/stream"
	"github.com/org/agentwall/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg)
	defer store.Close()

	breakers := breaker.NewRegistry(cfg.Breakers.Default, cfg.Breakers.Overrides)

	// Audit trail: store, live hub, optional broker sink.
	hub := stream.NewHub()
	var sinks []audit.Sink
	if len(cfg.Audit.Kafka.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(cfg.Audit.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure kafka sink")
		}
		defer sink.Close()
		sinks = append(sinks, sink)
		log.Info().Strs("brokers", cfg.Audit.Kafka.Brokers).Str("topic", cfg.Audit.Kafka.Topic).Msg("audit events mirrored to kafka")
	}
	emitter := audit.NewEmitter(store, hub, sinks...)
	redactor, err := audit.NewRedactor(cfg.Audit.RedactionSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up payload redaction")
	}
	retention := audit.NewRetention(store, cfg.Audit.MaxEvents, cfg.Audit.MaxAge)
	if err := retention.Start(ctx, cfg.Audit.PruneSchedule); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule audit retention")
	}
	defer retention.Stop()

	// Threat signatures
	sigs := signature.NewRegistry()
	sigSyncer := signature.NewSyncer(store, sigs, cfg.Signatures.File)
	if cfg.Signatures.File != "" {
		if _, err := sigSyncer.SyncFile(ctx); err != nil {
			log.Error().Err(err).Str("file", cfg.Signatures.File).Msg("initial signature sync failed; loading stored signatures")
			if err := sigSyncer.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("failed to load stored signatures")
			}
		}
		if cfg.Signatures.Watch {
			go func() {
				if err := sigSyncer.Watch(ctx); err != nil {
					log.Error().Err(err).Msg("signature watcher stopped")
				}
			}()
		}
	} else if err := sigSyncer.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load stored signatures")
	}
	if err := sigSyncer.Schedule(ctx, cfg.Signatures.SyncSchedule); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule signature reload")
	}
	defer sigSyncer.Stop()

	// A nil *classifier.Client must not reach the evaluator as a non-nil
	// interface.
	var pii rules.PIIClassifier
	if c := classifier.New(cfg.Classifier, breakers); c != nil {
		pii = c
	}

	policies := policy.NewService(store, emitter)
	engine := firewall.NewEngine(
		cfg.Firewall,
		policy.NewResolver(store, breakers),
		rules.NewEvaluator(sigs, rules.NewPatternCache(0), pii),
		emitter,
		redactor,
	)

	tokens, err := auth.NewTokenService(cfg.Auth.Tokens)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid auth configuration")
	}
	if tokens.Empty() {
		log.Warn().Msg("no auth tokens configured; every authenticated route will answer 401/403")
	}

	srv := api.NewServer(api.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		TLSCertFile: cfg.Server.TLSCertFile,
		TLSKeyFile:  cfg.Server.TLSKeyFile,
		RateLimits: api.RateLimits{
			Window: cfg.RateLimit.Window,
			APIKey: cfg.RateLimit.APIKey,
			User:   cfg.RateLimit.User,
			IP:     cfg.RateLimit.IP,
		},
		WSOriginPatterns: cfg.Server.WSOriginPatterns,
	}, api.Deps{
		Store:      store,
		Policies:   policies,
		Engine:     engine,
		Emitter:    emitter,
		Hub:        hub,
		Tokens:     tokens,
		Limiter:    newLimiter(ctx, cfg.RateLimit),
		Breakers:   breakers,
		Signatures: sigs,
		SigSyncer:  sigSyncer,
		Edge:       edge.NewSyncer(cfg.Edge, policies, emitter, breakers),
		Upstream:   upstream.New(cfg.Upstream, breakers),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("mode", string(cfg.Firewall.Mode)).
		Str("fail_mode", string(cfg.Firewall.FailMode)).
		Bool("enabled", cfg.Firewall.Enabled).
		Msg("server started")
	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func setupLogging(c config.ServerConfig) {
	if c.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openStore connects to Postgres and applies migrations, or falls back to
// the memory backend when no database is configured.
func openStore(ctx context.Context, cfg *config.Config) storage.Backend {
	if cfg.Storage.DBUrl == "" {
		log.Warn().Int("max_events", cfg.Audit.MaxEvents).Msg("no db_url configured, using the in-memory store")
		return storage.NewMemoryBackend(cfg.Audit.MaxEvents)
	}
	store, err := storage.NewPostgresBackend(ctx, cfg.Storage.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := storage.RunMigrations(cfg.Storage.DBUrl, cfg.Storage.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")
	return store
}

// newLimiter uses Redis counters when configured so replicas share limits.
// An unreachable Redis is not fatal: the limiter falls back to local
// counters per call.
func newLimiter(ctx context.Context, c config.RateLimitConfig) ratelimit.Limiter {
	if c.RedisAddr == "" {
		return ratelimit.NewInMemory()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", c.RedisAddr).Msg("redis unreachable, rate limits fall back to local counters")
	} else {
		log.Info().Str("addr", c.RedisAddr).Msg("rate limit counters in redis")
	}
	return ratelimit.NewRedis(client)
}
