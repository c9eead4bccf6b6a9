package usagemock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openkcm/nightwatch/internal/query"
	"github.com/openkcm/nightwatch/internal/serviceerr"
	"github.com/openkcm/nightwatch/internal/usage"
)

type RepositoryOption func(*Repository)

// Repository keeps usage data in memory. Listings return the configured
// rows as they are and record the statement they were called with.
type Repository struct {
	mu sync.Mutex

	overview      usage.Overview
	requests      []usage.RequestSummary
	requestTotal  int64
	models        []string
	userOptions   []usage.UserOption
	users         []usage.UserSummary
	userTotal     int64
	filterCounts  usage.FilterCounts
	userDetails   map[uuid.UUID]usage.UserDetail
	requestDetail map[uuid.UUID]usage.RequestDetail
	apiKeys       map[uuid.UUID]*usage.APIKey

	statements []query.Statement

	listErr, getErr, updateErr error
}

func WithOverview(o usage.Overview) RepositoryOption {
	return func(r *Repository) { r.overview = o }
}

func WithRequests(total int64, rows ...usage.RequestSummary) RepositoryOption {
	return func(r *Repository) {
		r.requests = rows
		r.requestTotal = total
	}
}

func WithFilterOptions(models []string, users []usage.UserOption) RepositoryOption {
	return func(r *Repository) {
		r.models = models
		r.userOptions = users
	}
}

func WithUsers(total int64, counts usage.FilterCounts, rows ...usage.UserSummary) RepositoryOption {
	return func(r *Repository) {
		r.users = rows
		r.userTotal = total
		r.filterCounts = counts
	}
}

func WithUser(detail usage.UserDetail) RepositoryOption {
	return func(r *Repository) {
		r.userDetails[detail.User.ID] = detail
		for i := range detail.APIKeys {
			r.apiKeys[detail.APIKeys[i].ID] = &detail.APIKeys[i]
		}
	}
}

func WithRequestDetail(detail usage.RequestDetail) RepositoryOption {
	return func(r *Repository) { r.requestDetail[detail.ID] = detail }
}

func WithListError(err error) RepositoryOption {
	return func(r *Repository) { r.listErr = err }
}

func WithGetError(err error) RepositoryOption {
	return func(r *Repository) { r.getErr = err }
}

func WithUpdateError(err error) RepositoryOption {
	return func(r *Repository) { r.updateErr = err }
}

var _ = usage.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		userDetails:   make(map[uuid.UUID]usage.UserDetail),
		requestDetail: make(map[uuid.UUID]usage.RequestDetail),
		apiKeys:       make(map[uuid.UUID]*usage.APIKey),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// TStatements is a helper method for tests returning the statements the
// listings were called with.
func (r *Repository) TStatements() []query.Statement {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]query.Statement(nil), r.statements...)
}

// TUser is a helper method for tests to get the current state of a user.
func (r *Repository) TUser(id uuid.UUID) usage.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.userDetails[id].User
}

// TAPIKey is a helper method for tests to get the current state of a key.
func (r *Repository) TAPIKey(id uuid.UUID) usage.APIKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.apiKeys[id]; ok {
		return *k
	}
	return usage.APIKey{}
}

func (r *Repository) Overview(_ context.Context) (usage.Overview, error) {
	if r.getErr != nil {
		return usage.Overview{}, r.getErr
	}
	return r.overview, nil
}

func (r *Repository) ListRequests(_ context.Context, st query.Statement) ([]usage.RequestSummary, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listErr != nil {
		return nil, 0, r.listErr
	}
	r.statements = append(r.statements, st)

	return r.requests, r.requestTotal, nil
}

func (r *Repository) RequestFilterOptions(_ context.Context) ([]string, []usage.UserOption, error) {
	if r.listErr != nil {
		return nil, nil, r.listErr
	}
	return r.models, r.userOptions, nil
}

func (r *Repository) GetRequest(_ context.Context, id uuid.UUID) (usage.RequestDetail, error) {
	if r.getErr != nil {
		return usage.RequestDetail{}, r.getErr
	}
	if d, ok := r.requestDetail[id]; ok {
		return d, nil
	}
	return usage.RequestDetail{}, serviceerr.ErrNotFound
}

func (r *Repository) ListUsers(_ context.Context, st query.Statement) ([]usage.UserSummary, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listErr != nil {
		return nil, 0, r.listErr
	}
	r.statements = append(r.statements, st)

	return r.users, r.userTotal, nil
}

func (r *Repository) UserFilterCounts(_ context.Context) (usage.FilterCounts, error) {
	if r.listErr != nil {
		return usage.FilterCounts{}, r.listErr
	}
	return r.filterCounts, nil
}

func (r *Repository) GetUser(_ context.Context, id uuid.UUID) (usage.UserDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getErr != nil {
		return usage.UserDetail{}, r.getErr
	}
	if d, ok := r.userDetails[id]; ok {
		return d, nil
	}
	return usage.UserDetail{}, serviceerr.ErrNotFound
}

func (r *Repository) SetUserFlag(_ context.Context, id uuid.UUID, flag usage.Flag, value bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updateErr != nil {
		return r.updateErr
	}
	d, ok := r.userDetails[id]
	if !ok {
		return serviceerr.ErrNotFound
	}

	switch flag {
	case usage.FlagBanned:
		d.User.IsBanned = value
	case usage.FlagSkipIDV:
		d.User.SkipIDV = value
	}
	d.User.UpdatedAt = time.Now()
	r.userDetails[id] = d

	return nil
}

func (r *Repository) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updateErr != nil {
		return r.updateErr
	}
	k, ok := r.apiKeys[id]
	if !ok {
		return serviceerr.ErrNotFound
	}
	now := time.Now()
	k.RevokedAt = &now

	return nil
}
