package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/auth"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/infra/memory"
	natsresults "live-quiz-service/internal/infra/nats"
	"live-quiz-service/internal/infra/postgres"
	redisstore "live-quiz-service/internal/infra/redis"
	transport "live-quiz-service/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends holds the optional external connections so they can be closed together.
type backends struct {
	redis     *redis.Client
	pool      *pgxpool.Pool
	publisher *natsresults.ResultPublisher
}

func (b *backends) close() {
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("nats drain failed")
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	deps := &backends{}
	defer deps.close()

	if cfg.Redis.Addr != "" {
		deps.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := deps.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}
	if cfg.Postgres.URL != "" {
		deps.pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
	}

	quizzes, err := buildQuizRepository(cfg, deps)
	if err != nil {
		return err
	}
	results, err := buildResultSinks(ctx, cfg, deps)
	if err != nil {
		return err
	}
	gate, err := buildGate(cfg)
	if err != nil {
		return err
	}

	var store app.SessionRepository = memory.NewSessionStore()
	var opts []app.Option
	if deps.redis != nil {
		store = redisstore.NewSessionStore(deps.redis, config.TTLDuration(cfg.Redis.TTL, 6*time.Hour))
		opts = append(opts, app.WithLocker(redisstore.NewLocker(deps.redis, config.TTLDuration(cfg.Redis.LockTTL, 5*time.Second))))
	}

	defaults := app.DefaultSettings()
	settings := app.Settings{
		QuestionDuration: config.TTLDuration(cfg.Quiz.QuestionDuration, defaults.QuestionDuration),
		SpeedBonus:       cfg.Quiz.SpeedBonus,
		GracePeriod:      config.TTLDuration(cfg.Quiz.GracePeriod, defaults.GracePeriod),
		Retention:        config.TTLDuration(cfg.Quiz.Retention, defaults.Retention),
		StoreRetries:     cfg.StoreRetries(defaults.StoreRetries),
	}
	coordinator := app.NewCoordinator(store, quizzes, results, settings, opts...)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsPolicy := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	checkOrigin := func(r *http.Request) bool {
		return r.Header.Get("Origin") == "" || corsPolicy.OriginAllowed(r)
	}
	wsHandler := transport.NewWSHandler(coordinator, gate, auth.DecodeCredential, checkOrigin, transport.DefaultConnConfig())
	gin.SetMode(gin.ReleaseMode)
	router := transport.NewRouter(wsHandler, coordinator)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     corsPolicy.Handler(router),
		ReadTimeout: config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		// Hijacked websocket connections are not subject to this.
		WriteTimeout: config.TTLDuration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().
			Str("addr", server.Addr).
			Bool("redis", deps.redis != nil).
			Bool("postgres", deps.pool != nil).
			Bool("nats", deps.publisher != nil).
			Msg("starting quiz service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if cerr := coordinator.Shutdown(shutdownCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("coordinator shutdown: %w", cerr))
		}
		return err
	})
	return group.Wait()
}

func buildQuizRepository(cfg config.Config, deps *backends) (app.QuizRepository, error) {
	var loader memory.QuizLoader
	switch {
	case deps.pool != nil:
		loader = postgres.NewQuizLoader(deps.pool)
	case cfg.Quiz.Catalog != "":
		catalog, err := memory.LoadCatalog(cfg.Quiz.Catalog)
		if err != nil {
			return nil, err
		}
		log.Info().Str("catalog", cfg.Quiz.Catalog).Int("quizzes", len(catalog)).Msg("quiz catalog loaded")
		loader = memory.NewStaticQuizLoader(catalog)
	default:
		log.Warn().Msg("no postgres or quiz catalog configured, every createSession will fail with QuizNotFound")
		loader = memory.NewStaticQuizLoader(nil)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if deps.redis != nil {
		return redisstore.NewQuizRepository(deps.redis, loader, quizTTL), nil
	}
	return memory.NewQuizRepository(loader, quizTTL, nil), nil
}

func buildResultSinks(ctx context.Context, cfg config.Config, deps *backends) (app.ResultSink, error) {
	var sinks app.ResultSinks
	if deps.pool != nil {
		sinks = append(sinks, postgres.NewResultSink(deps.pool))
	}
	if cfg.NATS.URL != "" {
		natsCfg := natsresults.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Stream != "" {
			natsCfg.StreamName = cfg.NATS.Stream
		}
		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		publisher, err := natsresults.NewResultPublisher(ctx, natsCfg)
		if err != nil {
			return nil, err
		}
		deps.publisher = publisher
		sinks = append(sinks, publisher)
	}
	if len(sinks) == 0 {
		log.Warn().Msg("no result sink configured, final standings are kept in memory only")
		sinks = append(sinks, memory.NewResultLog())
	}
	return sinks, nil
}

func buildGate(cfg config.Config) (*auth.Gate, error) {
	if cfg.Auth.PublicKey == "" {
		return nil, fmt.Errorf("auth.public_key is required")
	}
	key, err := auth.ParsePublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, err
	}
	audience := cfg.Auth.Audience
	if audience == "" {
		audience = defaultAudience
	}
	return auth.NewGate(key, audience, nil), nil
}
