package postgrestest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"

	migrations "github.com/openkcm/nightwatch/sql"
)

const (
	DBHost     = "localhost"
	DBUser     = "postgres"
	DBPassword = "secret"
	DBName     = "nightwatch"
	DBSSLMode  = "disable"
)

// Seeded rows. Alice is verified and active, Bob is banned and Carol has
// no name and skips identity verification.
const (
	AliceID = "0b6f1c2e-4a1d-4c1e-9d6a-1f2e3d4c5b6a"
	BobID   = "1c7a2d3f-5b2e-4d2f-8e7b-2a3f4e5d6c7b"
	CarolID = "2d8b3e4a-6c3f-4e3a-9f8c-3b4a5f6e7d8c"

	AliceKeyID = "3e9c4f5b-7d4a-4f4b-8a9d-4c5b6a7f8e9d"

	// InjectionRequestID is a request whose body contains InjectionText.
	InjectionRequestID = "4fad5a6c-8e5b-4a5c-9bae-5d6c7b8a9fae"
	InjectionText      = `'; DROP TABLE users; --`

	// Seeded request counts.
	AliceRequests = 4
	BobRequests   = 2
	CarolRequests = 1
)

// Start initialises a database instance and returns a connection pool, database port, and termination function.
//
// Database credentials are available as exported variables.
// The database contains pre-defined test data. See INSERT statements in the prepareDB.
func Start(ctx context.Context) (*pgxpool.Pool, nat.Port, func(ctx context.Context)) {
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(DBName),
		postgres.WithUsername(DBUser),
		postgres.WithPassword(DBPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		slogctx.Error(ctx, "Failed to start PostgreSQL", slog.String("error", err.Error()))
		panic(err)
	}

	port, err := pgContainer.MappedPort(ctx, nat.Port("5432"))
	if err != nil {
		slogctx.Error(ctx, "Failed to get mapped port for the PostgreSQL container", slog.String("error", err.Error()))
		panic(err)
	}

	dbPool := makeDBConn(ctx, port)
	prepareDB(ctx, dbPool, port)

	terminate := func(ctx context.Context) {
		dbPool.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate PostgreSQL container", slog.String("error", err.Error()))
			panic(err)
		}
	}

	return dbPool, port, terminate
}

func connStr(port nat.Port) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s", DBHost, DBUser, DBPassword, DBName, port.Port(), DBSSLMode)
}

func makeDBConn(ctx context.Context, port nat.Port) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, connStr(port))
	if err != nil {
		panic(err)
	}

	return pool
}

func migrateDB(ctx context.Context, port nat.Port) {
	db, err := sql.Open("pgx", connStr(port))
	if err != nil {
		panic(err)
	}
	defer db.Close()

	provider, err := migrations.NewProvider(db)
	if err != nil {
		panic(err)
	}

	if _, err := provider.Up(ctx); err != nil {
		panic(err)
	}
}

func prepareDB(ctx context.Context, dbPool *pgxpool.Pool, port nat.Port) {
	migrateDB(ctx, port)

	b := new(pgx.Batch)
	b.Queue(`INSERT INTO users (id, slack_id, email, name, is_idv_verified, created_at) VALUES ($1, 'U001', 'alice@example.com', 'Alice', true, NOW() - INTERVAL '90 days');`, AliceID)
	b.Queue(`INSERT INTO users (id, slack_id, email, name, is_banned, created_at) VALUES ($1, 'U002', 'bob@example.com', 'Bob', true, NOW() - INTERVAL '60 days');`, BobID)
	b.Queue(`INSERT INTO users (id, slack_id, email, skip_idv, created_at) VALUES ($1, 'U003', 'carol@example.com', true, NOW() - INTERVAL '30 days');`, CarolID)

	b.Queue(`INSERT INTO api_keys (id, user_id, name, key) VALUES ($1, $2, 'laptop', 'sk-alice-0123456789abcdef');`, AliceKeyID, AliceID)

	b.Queue(`INSERT INTO request_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request, response, timestamp, duration, ip)
		VALUES ($1, 'gpt-4o', 100, 50, 150, 0.0015, 'explain goroutines', 'goroutines are...', NOW() - INTERVAL '10 minutes', 800, '10.0.0.1');`, AliceID)
	b.Queue(`INSERT INTO request_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request, response, timestamp, duration, ip)
		VALUES ($1, 'gpt-4o', 400, 600, 1000, 0.01, 'write a haiku about postgres', 'rows in quiet heaps', NOW() - INTERVAL '3 hours', 1200, '10.0.0.1');`, AliceID)
	b.Queue(`INSERT INTO request_logs (id, user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request, response, timestamp, duration, ip)
		VALUES ($1, $2, 'claude-3', 20, 10, 30, 0.0003, $3, 'I will not do that', NOW() - INTERVAL '5 hours', 300, '10.0.0.2');`, InjectionRequestID, AliceID, InjectionText)
	b.Queue(`INSERT INTO request_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, request, response, timestamp, duration)
		VALUES ($1, 'llama-3', 5000, 5000, 10000, 'summarize this book', 'it was long', NOW() - INTERVAL '10 days', 9000);`, AliceID)
	b.Queue(`INSERT INTO request_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request, response, timestamp, duration)
		VALUES ($1, 'gpt-4o', 10, 10, 20, 0.0002, 'spam', 'ok', NOW() - INTERVAL '2 hours', 100);`, BobID)
	b.Queue(`INSERT INTO request_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request, response, timestamp, duration)
		VALUES ($1, 'gpt-4o', 10, 10, 20, 0.0002, 'more spam', 'ok', NOW() - INTERVAL '3 days', 100);`, BobID)
	b.Queue(`INSERT INTO request_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request, response, timestamp, duration)
		VALUES ($1, 'claude-3', 70, 30, 100, 0.001, 'hello', 'hi', NOW() - INTERVAL '20 days', 250);`, CarolID)

	res := dbPool.SendBatch(ctx, b)
	if err := res.Close(); err != nil {
		panic(err)
	}
}
