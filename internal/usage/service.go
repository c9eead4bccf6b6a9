// Package usage serves the read models of the dashboard: the overview,
// the request log, the user list and the per-user and per-request detail
// pages. It also applies the few user mutations the dashboard allows.
package usage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/openkcm/nightwatch/internal/serviceerr"

	slogctx "github.com/veqryn/slog-context"
)

// Mutation is the body of a user update.
type Mutation struct {
	Action string `json:"action"`
	Value  any    `json:"value"`
}

var mutableFlags = map[string]Flag{
	string(FlagBanned):  FlagBanned,
	string(FlagSkipIDV): FlagSkipIDV,
}

type Service struct {
	repository Repository

	requestsPerPage int
	usersPerPage    int
}

type ServiceOption func(*Service)

func WithRequestsPerPage(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.requestsPerPage = n
		}
	}
}

func WithUsersPerPage(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.usersPerPage = n
		}
	}
}

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repository:      repo,
		requestsPerPage: DefaultRequestsPerPage,
		usersPerPage:    DefaultUsersPerPage,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Overview(ctx context.Context) (Overview, error) {
	overview, err := s.repository.Overview(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("getting overview: %w", err)
	}

	return overview, nil
}

// Requests lists the request log. Invalid parameters never fail the
// request, they fall back to their defaults.
func (s *Service) Requests(ctx context.Context, params url.Values) (RequestPage, error) {
	st := RequestListing(s.requestsPerPage).Compose(params)

	rows, total, err := s.repository.ListRequests(ctx, st)
	if err != nil {
		return RequestPage{}, fmt.Errorf("listing requests: %w", err)
	}

	models, users, err := s.repository.RequestFilterOptions(ctx)
	if err != nil {
		return RequestPage{}, fmt.Errorf("getting request filter options: %w", err)
	}

	return RequestPage{
		Requests:   nonNil(rows),
		Filters:    requestFilters(st),
		Pagination: newPagination(st, total),
		Models:     nonNil(models),
		Users:      nonNil(users),
	}, nil
}

func (s *Service) Users(ctx context.Context, params url.Values) (UserPage, error) {
	st := UserListing(s.usersPerPage).Compose(params)

	rows, total, err := s.repository.ListUsers(ctx, st)
	if err != nil {
		return UserPage{}, fmt.Errorf("listing users: %w", err)
	}

	counts, err := s.repository.UserFilterCounts(ctx)
	if err != nil {
		return UserPage{}, fmt.Errorf("counting users: %w", err)
	}

	return UserPage{
		Users:        nonNil(rows),
		Filters:      userFilters(st),
		Pagination:   newPagination(st, total),
		FilterCounts: counts,
	}, nil
}

// User returns the detail page of a user. A malformed id is not found.
func (s *Service) User(ctx context.Context, rawID string) (UserDetail, error) {
	id, err := parseID(rawID)
	if err != nil {
		return UserDetail{}, err
	}

	detail, err := s.repository.GetUser(ctx, id)
	if err != nil {
		return UserDetail{}, fmt.Errorf("getting user: %w", err)
	}

	return detail, nil
}

func (s *Service) Request(ctx context.Context, rawID string) (RequestDetail, error) {
	id, err := parseID(rawID)
	if err != nil {
		return RequestDetail{}, err
	}

	detail, err := s.repository.GetRequest(ctx, id)
	if err != nil {
		return RequestDetail{}, fmt.Errorf("getting request: %w", err)
	}

	return detail, nil
}

// UpdateUser applies a mutation to a user. Only the flags in the
// allow-list can be changed and only to a boolean value.
func (s *Service) UpdateUser(ctx context.Context, rawID string, m Mutation) error {
	flag, ok := mutableFlags[m.Action]
	if !ok {
		return serviceerr.ErrInvalidAction.WithDescription(fmt.Sprintf("unknown action %q", m.Action))
	}

	value, ok := m.Value.(bool)
	if !ok {
		return serviceerr.ErrInvalidAction.WithDescription("value must be a boolean")
	}

	id, err := parseID(rawID)
	if err != nil {
		return err
	}

	if err := s.repository.SetUserFlag(ctx, id, flag, value); err != nil {
		return fmt.Errorf("setting %s: %w", flag, err)
	}

	slogctx.Info(ctx, "Updated user", "user_id", id, "flag", flag, "value", value)

	return nil
}

func (s *Service) RevokeAPIKey(ctx context.Context, rawID string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}

	if err := s.repository.RevokeAPIKey(ctx, id); err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	slogctx.Info(ctx, "Revoked API key", "key_id", id)

	return nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, serviceerr.ErrNotFound
	}

	return id, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
