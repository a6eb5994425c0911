package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	natsresults "live-quiz-service/internal/infra/nats"
	"live-quiz-service/internal/infra/postgres"
	pgmigrations "live-quiz-service/internal/infra/postgres/migrations"
	infraredis "live-quiz-service/internal/infra/redis"
)

type inbox struct {
	mu     sync.Mutex
	frames []domain.Outbound
}

func (i *inbox) Send(msg domain.Outbound) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, msg)
	return nil
}

func (i *inbox) Close() error { return nil }

func (i *inbox) last(t *testing.T, msgType string) domain.Outbound {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	for j := len(i.frames) - 1; j >= 0; j-- {
		if i.frames[j].Type == msgType {
			return i.frames[j]
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return domain.Outbound{}
}

func send(t *testing.T, ctx context.Context, c *app.Coordinator, connID, msgType, sessionID string, payload any) {
	t.Helper()
	env := domain.Envelope{Type: msgType, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env.Payload = raw
	}
	if err := c.Handle(ctx, connID, env); err != nil {
		t.Fatalf("%s from %s: %v", msgType, connID, err)
	}
}

func TestSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateSchema(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	loader := postgres.NewQuizLoader(pool)
	if err := loader.SaveQuiz(ctx, sampleQuiz()); err != nil {
		t.Fatalf("seed quiz: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	quizRepo := infraredis.NewQuizRepository(redisClient, loader, 5*time.Minute)
	sessionStore := infraredis.NewSessionStore(redisClient, 5*time.Minute)
	sink := postgres.NewResultSink(pool)
	coordinator := app.NewCoordinator(sessionStore, quizRepo, sink, app.DefaultSettings(),
		app.WithLocker(infraredis.NewLocker(redisClient, 5*time.Second)))
	defer coordinator.Shutdown(context.Background())

	host, alice, bob := &inbox{}, &inbox{}, &inbox{}
	coordinator.Connect("c-host", domain.Identity{ParticipantID: "host", Roles: []domain.Role{domain.RoleQuizmaster}}, host)
	coordinator.Connect("c-alice", domain.Identity{ParticipantID: "u1", DisplayName: "Alice", Roles: []domain.Role{domain.RolePlayer}}, alice)
	coordinator.Connect("c-bob", domain.Identity{ParticipantID: "u2", DisplayName: "Bob", Roles: []domain.Role{domain.RolePlayer}}, bob)

	send(t, ctx, coordinator, "c-host", domain.MsgCreateSession, "", domain.CreateSessionPayload{QuizID: "quiz-1"})
	sessionID := host.last(t, domain.MsgSessionCreated).Payload.(domain.SessionCreated).SessionID

	send(t, ctx, coordinator, "c-alice", domain.MsgJoinSession, sessionID, nil)
	send(t, ctx, coordinator, "c-bob", domain.MsgJoinSession, sessionID, nil)
	send(t, ctx, coordinator, "c-host", domain.MsgStart, "", nil)
	send(t, ctx, coordinator, "c-bob", domain.MsgAnswer, "", domain.AnswerPayload{QuestionIndex: 0, Choice: "o2"})
	send(t, ctx, coordinator, "c-alice", domain.MsgAnswer, "", domain.AnswerPayload{QuestionIndex: 0, Choice: "o1"})
	send(t, ctx, coordinator, "c-host", domain.MsgCloseQuestion, "", nil)

	board := alice.last(t, domain.MsgLeaderboardUpdate).Payload.(domain.Leaderboard)
	if len(board.Entries) != 2 || board.Entries[0].ParticipantID != "u2" {
		t.Fatalf("expected bob leading, got %+v", board.Entries)
	}

	send(t, ctx, coordinator, "c-host", domain.MsgEnd, "", nil)

	result, err := sink.LoadResult(ctx, sessionID)
	if err != nil {
		t.Fatalf("load result: %v", err)
	}
	if result.QuizID != "quiz-1" || len(result.Standings) != 2 || result.Standings[0].ParticipantID != "u2" || result.Standings[0].Score != 1 {
		t.Fatalf("unexpected persisted result %+v", result)
	}

	stored, _, err := sessionStore.Load(ctx, sessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if stored.Phase != domain.PhaseFinished {
		t.Fatalf("expected finished session in redis, got %s", stored.Phase)
	}
}

func TestRedisStoreRejectsStaleWrites(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()
	client, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	store := infraredis.NewSessionStore(client, time.Minute)
	session := domain.NewSession("s-1", "quiz-1", "host", 1, time.Now())
	version, err := store.Create(ctx, session)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Replace(ctx, session, version); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if _, err := store.Replace(ctx, session, version); !errors.Is(err, domain.ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict for a stale version, got %v", err)
	}
}

func TestFinishedSessionPublishedOnce(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	natsURL, natsCleanup := startNATS(t, ctx)
	defer natsCleanup()

	cfg := natsresults.DefaultConfig()
	cfg.URL = natsURL
	publisher, err := natsresults.NewResultPublisher(ctx, cfg)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	results := memory.NewResultLog()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}), time.Minute, nil)
	coordinator := app.NewCoordinator(memory.NewSessionStore(), quizzes, app.ResultSinks{publisher, results}, app.DefaultSettings())
	defer coordinator.Shutdown(context.Background())

	host, alice := &inbox{}, &inbox{}
	coordinator.Connect("c-host", domain.Identity{ParticipantID: "host", Roles: []domain.Role{domain.RoleQuizmaster}}, host)
	coordinator.Connect("c-alice", domain.Identity{ParticipantID: "u1", DisplayName: "Alice", Roles: []domain.Role{domain.RolePlayer}}, alice)

	send(t, ctx, coordinator, "c-host", domain.MsgCreateSession, "", domain.CreateSessionPayload{QuizID: "quiz-1"})
	sessionID := host.last(t, domain.MsgSessionCreated).Payload.(domain.SessionCreated).SessionID
	send(t, ctx, coordinator, "c-alice", domain.MsgJoinSession, sessionID, nil)
	send(t, ctx, coordinator, "c-host", domain.MsgStart, "", nil)
	send(t, ctx, coordinator, "c-alice", domain.MsgAnswer, "", domain.AnswerPayload{QuestionIndex: 0, Choice: "o2"})
	send(t, ctx, coordinator, "c-host", domain.MsgEnd, "", nil)

	saved := results.Results()
	if len(saved) != 1 {
		t.Fatalf("expected one result, got %d", len(saved))
	}
	// A redelivery of the same session is deduplicated by the stream.
	if err := publisher.SaveResult(ctx, saved[0]); err != nil {
		t.Fatalf("republish: %v", err)
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs != 1 {
		t.Fatalf("expected exactly one stream message, got %d", info.State.Msgs)
	}
	msg, err := stream.GetLastMsgForSubject(ctx, cfg.SubjectPrefix+".session.finished")
	if err != nil {
		t.Fatalf("last message: %v", err)
	}
	if got := msg.Header.Get("Session-ID"); got != sessionID {
		t.Fatalf("expected Session-ID %s, got %q", sessionID, got)
	}
	var event struct {
		Payload domain.Result `json:"payload"`
	}
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if len(event.Payload.Standings) != 1 || event.Payload.Standings[0].Score != 1 {
		t.Fatalf("unexpected published standings %+v", event.Payload.Standings)
	}
}

func startNATS(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "nats:2",
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start nats: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("nats host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("nats port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3", Correct: false},
					{ID: "o2", Text: "4", Correct: true},
					{ID: "o3", Text: "5", Correct: false},
				},
				Points: 1,
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
