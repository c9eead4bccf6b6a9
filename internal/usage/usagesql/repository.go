package usagesql

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openkcm/nightwatch/internal/query"
	"github.com/openkcm/nightwatch/internal/serviceerr"
	"github.com/openkcm/nightwatch/internal/usage"
)

const (
	requestsFrom = `request_logs r JOIN users u ON r.user_id = u.id`

	usersFrom = `users u`

	userStatsFrom = `users u LEFT JOIN (
		SELECT user_id,
			COUNT(*) AS request_count,
			SUM(total_tokens) AS total_tokens,
			SUM(cost) AS total_cost,
			MAX(timestamp) AS last_request
		FROM request_logs %s
		GROUP BY user_id
	) stats ON u.id = stats.user_id`
)

var (
	requestColumns = fmt.Sprintf(`r.id, r.model, r.prompt_tokens, r.completion_tokens, r.total_tokens,
		COALESCE(r.cost, 0), LEFT(r.request, %d), r.timestamp, r.duration, r.ip,
		u.id, u.name, u.email, u.avatar`, usage.PreviewLength)

	userColumns = `u.id, u.slack_id, u.email, u.name, u.avatar, u.created_at,
		u.is_idv_verified, u.skip_idv, u.is_banned,
		COALESCE(stats.request_count, 0) AS request_count,
		COALESCE(stats.total_tokens, 0) AS total_tokens,
		COALESCE(stats.total_cost, 0) AS total_cost,
		COALESCE(stats.last_request, u.created_at) AS last_request`
)

// userPeriods are the windows of the per-user usage statistics.
var userPeriods = []struct {
	name     string
	interval string
}{
	{name: "day", interval: "1 day"},
	{name: "2days", interval: "2 days"},
	{name: "7days", interval: "7 days"},
	{name: "30days", interval: "30 days"},
	{name: "all"},
}

var readOnly = pgx.TxOptions{AccessMode: pgx.ReadOnly}

type Repository struct {
	db *pgxpool.Pool
}

var _ = usage.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer("").Start(ctx, name)
}

func (r *Repository) Overview(ctx context.Context) (usage.Overview, error) {
	ctx, span := startSpan(ctx, "get_overview_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, readOnly)
	if err != nil {
		span.RecordError(err)
		return usage.Overview{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var o usage.Overview
	b := new(pgx.Batch)

	b.Queue(`SELECT COUNT(*), COUNT(DISTINCT user_id), COALESCE(SUM(total_tokens), 0), COALESCE(AVG(duration), 0)::bigint
		FROM request_logs WHERE timestamp > NOW() - INTERVAL '24 hours';`).QueryRow(func(row pgx.Row) error {
		return row.Scan(&o.Last24h.TotalRequests, &o.Last24h.TotalUsers, &o.Last24h.TotalTokens, &o.Last24h.AvgDuration)
	})

	b.Queue(`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM request_logs WHERE timestamp > NOW() - INTERVAL '1 hour';`).QueryRow(func(row pgx.Row) error {
		return row.Scan(&o.LastHour.Requests, &o.LastHour.Tokens)
	})

	b.Queue(`SELECT model, COUNT(*) AS request_count, COALESCE(SUM(total_tokens), 0)
		FROM request_logs WHERE timestamp > NOW() - INTERVAL '7 days'
		GROUP BY model ORDER BY request_count DESC LIMIT 10;`).Query(func(rows pgx.Rows) error {
		o.TopModels, err = pgx.CollectRows(rows, scanModelUsage)
		return err
	})

	b.Queue(`SELECT u.id, u.name, u.email, u.avatar, u.is_banned, COUNT(*) AS request_count, COALESCE(SUM(r.total_tokens), 0)
		FROM request_logs r JOIN users u ON r.user_id = u.id
		WHERE r.timestamp > NOW() - INTERVAL '7 days'
		GROUP BY u.id, u.name, u.email, u.avatar, u.is_banned
		ORDER BY request_count DESC LIMIT 10;`).Query(func(rows pgx.Rows) error {
		o.TopUsers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.TopUser, error) {
			var u usage.TopUser
			err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &u.IsBanned, &u.RequestCount, &u.TotalTokens)
			return u, err
		})
		return err
	})

	b.Queue(`SELECT r.id, r.model, r.total_tokens, r.prompt_tokens, r.completion_tokens, r.timestamp, r.duration, u.name, u.id
		FROM request_logs r JOIN users u ON r.user_id = u.id
		ORDER BY r.timestamp DESC LIMIT 10;`).Query(func(rows pgx.Rows) error {
		o.RecentRequests, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.RecentRequest, error) {
			var rr usage.RecentRequest
			err := row.Scan(&rr.ID, &rr.Model, &rr.TotalTokens, &rr.PromptTokens, &rr.CompletionTokens,
				&rr.Timestamp, &rr.Duration, &rr.UserName, &rr.UserID)
			return rr, err
		})
		return err
	})

	b.Queue(`SELECT date_trunc('hour', timestamp) AS hour, COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM request_logs WHERE timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY hour ORDER BY hour ASC;`).Query(func(rows pgx.Rows) error {
		o.HourlyActivity, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.HourBucket, error) {
			var h usage.HourBucket
			err := row.Scan(&h.Hour, &h.Count, &h.Tokens)
			return h, err
		})
		return err
	})

	b.Queue(`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM request_logs),
			(SELECT COUNT(*) FROM users WHERE is_banned = true);`).QueryRow(func(row pgx.Row) error {
		return row.Scan(&o.Totals.UserCount, &o.Totals.RequestCount, &o.Totals.BannedCount)
	})

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		span.RecordError(err)
		return usage.Overview{}, r.queryError("querying overview", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return usage.Overview{}, fmt.Errorf("committing tx: %w", err)
	}

	return o, nil
}

// ListRequests renders the count and the data query from the same
// statement so both see the same rows.
func (r *Repository) ListRequests(ctx context.Context, st query.Statement) ([]usage.RequestSummary, int64, error) {
	ctx, span := startSpan(ctx, "list_requests_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, readOnly)
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	if err := tx.QueryRow(ctx, st.CountSQL(requestsFrom), st.Args...).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, r.queryError("counting requests", err)
	}

	rows, err := tx.Query(ctx, st.SelectSQL(requestColumns, requestsFrom), st.Args...)
	if err != nil {
		span.RecordError(err)
		return nil, 0, r.queryError("querying requests", err)
	}

	requests, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.RequestSummary, error) {
		var rs usage.RequestSummary
		err := row.Scan(&rs.ID, &rs.Model, &rs.PromptTokens, &rs.CompletionTokens, &rs.TotalTokens,
			&rs.Cost, &rs.RequestPreview, &rs.Timestamp, &rs.Duration, &rs.IP,
			&rs.UserID, &rs.UserName, &rs.UserEmail, &rs.UserAvatar)
		return rs, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("scanning rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("committing tx: %w", err)
	}

	return requests, total, nil
}

func (r *Repository) RequestFilterOptions(ctx context.Context) ([]string, []usage.UserOption, error) {
	ctx, span := startSpan(ctx, "get_request_filter_options_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, readOnly)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		models []string
		users  []usage.UserOption
	)
	b := new(pgx.Batch)
	b.Queue(`SELECT DISTINCT model FROM request_logs ORDER BY model;`).Query(func(rows pgx.Rows) error {
		models, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	b.Queue(`SELECT id, name, email FROM users ORDER BY name NULLS LAST LIMIT 100;`).Query(func(rows pgx.Rows) error {
		users, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.UserOption, error) {
			var u usage.UserOption
			err := row.Scan(&u.ID, &u.Name, &u.Email)
			return u, err
		})
		return err
	})

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		span.RecordError(err)
		return nil, nil, r.queryError("querying filter options", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("committing tx: %w", err)
	}

	return models, users, nil
}

func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (usage.RequestDetail, error) {
	ctx, span := startSpan(ctx, "get_request_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, readOnly)
	if err != nil {
		span.RecordError(err)
		return usage.RequestDetail{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var d usage.RequestDetail
	err = tx.QueryRow(ctx,
		`SELECT r.id, r.model, r.prompt_tokens, r.completion_tokens, r.total_tokens, COALESCE(r.cost, 0),
			r.request, r.response, r.timestamp, r.duration, r.ip, u.id, u.name, u.email
		FROM request_logs r JOIN users u ON r.user_id = u.id
		WHERE r.id = $1;`, id,
	).Scan(&d.ID, &d.Model, &d.PromptTokens, &d.CompletionTokens, &d.TotalTokens, &d.Cost,
		&d.Request, &d.Response, &d.Timestamp, &d.Duration, &d.IP, &d.UserID, &d.UserName, &d.UserEmail)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, pgx.ErrNoRows) {
			return usage.RequestDetail{}, serviceerr.ErrNotFound
		}
		return usage.RequestDetail{}, r.queryError("querying request", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return usage.RequestDetail{}, fmt.Errorf("committing tx: %w", err)
	}

	return d, nil
}

func (r *Repository) ListUsers(ctx context.Context, st query.Statement) ([]usage.UserSummary, int64, error) {
	ctx, span := startSpan(ctx, "list_users_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, readOnly)
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	if err := tx.QueryRow(ctx, st.CountSQL(usersFrom), st.Args...).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, r.queryError("counting users", err)
	}

	from := fmt.Sprintf(userStatsFrom, st.JoinWhere)
	rows, err := tx.Query(ctx, st.SelectSQL(userColumns, from), st.Args...)
	if err != nil {
		span.RecordError(err)
		return nil, 0, r.queryError("querying users", err)
	}

	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.UserSummary, error) {
		var u usage.UserSummary
		err := row.Scan(&u.ID, &u.SlackID, &u.Email, &u.Name, &u.Avatar, &u.CreatedAt,
			&u.IsIDVVerified, &u.SkipIDV, &u.IsBanned,
			&u.RequestCount, &u.TotalTokens, &u.TotalCost, &u.LastRequest)
		return u, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("scanning rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("committing tx: %w", err)
	}

	return users, total, nil
}

func (r *Repository) UserFilterCounts(ctx context.Context) (usage.FilterCounts, error) {
	ctx, span := startSpan(ctx, "count_users_sql")
	defer span.End()

	var c usage.FilterCounts
	err := r.db.QueryRow(ctx, `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_banned = true),
			COUNT(*) FILTER (WHERE is_idv_verified = true),
			COUNT(*) FILTER (WHERE skip_idv = true),
			COUNT(*) FILTER (WHERE is_idv_verified = false AND skip_idv = false)
		FROM users;`,
	).Scan(&c.Total, &c.Banned, &c.Verified, &c.SkipIDV, &c.Unverified)
	if err != nil {
		span.RecordError(err)
		return usage.FilterCounts{}, r.queryError("counting users", err)
	}

	return c, nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (usage.UserDetail, error) {
	ctx, span := startSpan(ctx, "get_user_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, readOnly)
	if err != nil {
		span.RecordError(err)
		return usage.UserDetail{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var d usage.UserDetail
	err = tx.QueryRow(ctx,
		`SELECT id, slack_id, email, name, avatar, created_at, updated_at, is_idv_verified, skip_idv, is_banned
		FROM users WHERE id = $1;`, id,
	).Scan(&d.User.ID, &d.User.SlackID, &d.User.Email, &d.User.Name, &d.User.Avatar,
		&d.User.CreatedAt, &d.User.UpdatedAt, &d.User.IsIDVVerified, &d.User.SkipIDV, &d.User.IsBanned)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, pgx.ErrNoRows) {
			return usage.UserDetail{}, serviceerr.ErrNotFound
		}
		return usage.UserDetail{}, r.queryError("querying user", err)
	}

	b := new(pgx.Batch)

	d.UsageByPeriod = make(map[string]usage.PeriodUsage, len(userPeriods))
	for _, p := range userPeriods {
		sql := `SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(prompt_tokens), 0),
				COALESCE(SUM(completion_tokens), 0), COALESCE(AVG(duration), 0)::bigint
			FROM request_logs WHERE user_id = $1`
		if p.interval != "" {
			sql += ` AND timestamp > NOW() - INTERVAL '` + p.interval + `'`
		}
		b.Queue(sql, id).QueryRow(func(row pgx.Row) error {
			var u usage.PeriodUsage
			if err := row.Scan(&u.RequestCount, &u.TotalTokens, &u.PromptTokens, &u.CompletionTokens, &u.AvgDuration); err != nil {
				return err
			}
			d.UsageByPeriod[p.name] = u
			return nil
		})
	}

	b.Queue(`SELECT model, COUNT(*) AS request_count, COALESCE(SUM(total_tokens), 0)
		FROM request_logs WHERE user_id = $1
		GROUP BY model ORDER BY request_count DESC LIMIT 10;`, id).Query(func(rows pgx.Rows) error {
		d.ModelBreakdown, err = pgx.CollectRows(rows, scanModelUsage)
		return err
	})

	b.Queue(fmt.Sprintf(`SELECT id, model, prompt_tokens, completion_tokens, total_tokens, timestamp, duration, LEFT(request, %d)
		FROM request_logs WHERE user_id = $1
		ORDER BY timestamp DESC LIMIT 20;`, usage.PreviewLength), id).Query(func(rows pgx.Rows) error {
		d.RecentRequests, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.UserRequest, error) {
			var ur usage.UserRequest
			err := row.Scan(&ur.ID, &ur.Model, &ur.PromptTokens, &ur.CompletionTokens, &ur.TotalTokens,
				&ur.Timestamp, &ur.Duration, &ur.RequestPreview)
			return ur, err
		})
		return err
	})

	b.Queue(fmt.Sprintf(`SELECT id, name, LEFT(key, %d), created_at, revoked_at
		FROM api_keys WHERE user_id = $1
		ORDER BY created_at DESC;`, usage.KeyPreviewLength), id).Query(func(rows pgx.Rows) error {
		d.APIKeys, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.APIKey, error) {
			var k usage.APIKey
			err := row.Scan(&k.ID, &k.Name, &k.KeyPreview, &k.CreatedAt, &k.RevokedAt)
			return k, err
		})
		return err
	})

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		span.RecordError(err)
		return usage.UserDetail{}, r.queryError("querying user usage", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return usage.UserDetail{}, fmt.Errorf("committing tx: %w", err)
	}

	return d, nil
}

func (r *Repository) SetUserFlag(ctx context.Context, id uuid.UUID, flag usage.Flag, value bool) error {
	ctx, span := startSpan(ctx, "set_user_flag_sql")
	defer span.End()

	var sql string
	switch flag {
	case usage.FlagBanned:
		sql = `UPDATE users SET is_banned = $1, updated_at = NOW() WHERE id = $2;`
	case usage.FlagSkipIDV:
		sql = `UPDATE users SET skip_idv = $1, updated_at = NOW() WHERE id = $2;`
	default:
		return serviceerr.ErrInvalidAction
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, sql, value, id)
	if err != nil {
		span.RecordError(err)
		return r.queryError("updating user", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	err = tx.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

// RevokeAPIKey marks a key as revoked. Revoking a revoked key keeps the
// original revocation time.
func (r *Repository) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	ctx, span := startSpan(ctx, "revoke_api_key_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `UPDATE api_keys SET revoked_at = COALESCE(revoked_at, NOW()) WHERE id = $1;`, id)
	if err != nil {
		span.RecordError(err)
		return r.queryError("revoking api key", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	err = tx.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) queryError(op string, err error) error {
	if err, ok := handlePgError(err); ok {
		return err
	}

	return fmt.Errorf("%s: %w", op, err)
}

func scanModelUsage(row pgx.CollectableRow) (usage.ModelUsage, error) {
	var m usage.ModelUsage
	err := row.Scan(&m.Model, &m.RequestCount, &m.TotalTokens)
	return m, err
}
