package usage

import (
	"context"

	"github.com/google/uuid"

	"github.com/openkcm/nightwatch/internal/query"
)

// Flag is a boolean column of a user that the dashboard may change.
type Flag string

const (
	FlagBanned  Flag = "is_banned"
	FlagSkipIDV Flag = "skip_idv"
)

// Repository reads usage data. Listing methods receive a composed
// statement and must render both of their queries from it.
type Repository interface {
	Overview(ctx context.Context) (Overview, error)

	ListRequests(ctx context.Context, st query.Statement) ([]RequestSummary, int64, error)
	RequestFilterOptions(ctx context.Context) ([]string, []UserOption, error)
	GetRequest(ctx context.Context, id uuid.UUID) (RequestDetail, error)

	ListUsers(ctx context.Context, st query.Statement) ([]UserSummary, int64, error)
	UserFilterCounts(ctx context.Context) (FilterCounts, error)
	GetUser(ctx context.Context, id uuid.UUID) (UserDetail, error)
	SetUserFlag(ctx context.Context, id uuid.UUID, flag Flag, value bool) error

	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}
