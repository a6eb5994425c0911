package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/infra/postgres"
	pgmigrations "live-quiz-service/internal/infra/postgres/migrations"
)

// NewMigrateCmd applies database migrations and optionally seeds quizzes from a catalog.
func NewMigrateCmd(configPath *string) *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := runMigrationsWithConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			if seed == "" {
				return nil
			}
			return seedCatalog(cmd.Context(), cfg, seed)
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "YAML quiz catalog to upsert into Postgres after migrating")
	return cmd
}

func runMigrationsWithConfig(ctx context.Context, cfg config.Config) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		log.Info().Msg("database schema up to date")
		return nil
	}
	log.Info().Str("group", group.String()).Msg("migrations applied")
	return nil
}

func seedCatalog(ctx context.Context, cfg config.Config, path string) error {
	quizzes, err := memory.LoadCatalog(path)
	if err != nil {
		return err
	}
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	loader := postgres.NewQuizLoader(pool)
	for id, quiz := range quizzes {
		if err := loader.SaveQuiz(ctx, quiz); err != nil {
			return err
		}
		log.Info().Str("quiz_id", id).Int("questions", len(quiz.Questions)).Msg("quiz seeded")
	}
	return nil
}
