package usage

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID            uuid.UUID `json:"id"`
	SlackID       *string   `json:"slackId"`
	Email         *string   `json:"email"`
	Name          *string   `json:"name"`
	Avatar        *string   `json:"avatar"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	IsIDVVerified bool      `json:"isIdvVerified"`
	SkipIDV       bool      `json:"skipIdv"`
	IsBanned      bool      `json:"isBanned"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	TotalCount int64 `json:"totalCount"`
	TotalPages int   `json:"totalPages"`
}

// Overview is the landing page of the dashboard.
type Overview struct {
	Last24h        WindowStats     `json:"overallStats"`
	LastHour       HourStats       `json:"hourStats"`
	TopModels      []ModelUsage    `json:"topModels"`
	TopUsers       []TopUser       `json:"topUsers"`
	RecentRequests []RecentRequest `json:"recentRequests"`
	HourlyActivity []HourBucket    `json:"hourlyActivity"`
	Totals         Totals          `json:"totals"`
}

type WindowStats struct {
	TotalRequests int64 `json:"totalRequests"`
	TotalUsers    int64 `json:"totalUsers"`
	TotalTokens   int64 `json:"totalTokens"`
	AvgDuration   int64 `json:"avgDuration"`
}

type HourStats struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

type ModelUsage struct {
	Model        string `json:"model"`
	RequestCount int64  `json:"requestCount"`
	TotalTokens  int64  `json:"totalTokens"`
}

type TopUser struct {
	ID           uuid.UUID `json:"id"`
	Name         *string   `json:"name"`
	Email        *string   `json:"email"`
	Avatar       *string   `json:"avatar"`
	IsBanned     bool      `json:"isBanned"`
	RequestCount int64     `json:"requestCount"`
	TotalTokens  int64     `json:"totalTokens"`
}

type RecentRequest struct {
	ID               uuid.UUID `json:"id"`
	Model            string    `json:"model"`
	TotalTokens      int64     `json:"totalTokens"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	Timestamp        time.Time `json:"timestamp"`
	Duration         int64     `json:"duration"`
	UserName         *string   `json:"userName"`
	UserID           uuid.UUID `json:"userId"`
}

type HourBucket struct {
	Hour   time.Time `json:"hour"`
	Count  int64     `json:"count"`
	Tokens int64     `json:"tokens"`
}

type Totals struct {
	UserCount    int64 `json:"userCount"`
	RequestCount int64 `json:"requestCount"`
	BannedCount  int64 `json:"bannedCount"`
}

// RequestSummary is one row of the request listing. Request bodies are
// truncated to PreviewLength characters.
type RequestSummary struct {
	ID               uuid.UUID `json:"id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	Cost             float64   `json:"cost"`
	RequestPreview   string    `json:"requestPreview"`
	Timestamp        time.Time `json:"timestamp"`
	Duration         int64     `json:"duration"`
	IP               *string   `json:"ip"`
	UserID           uuid.UUID `json:"userId"`
	UserName         *string   `json:"userName"`
	UserEmail        *string   `json:"userEmail"`
	UserAvatar       *string   `json:"userAvatar"`
}

type UserOption struct {
	ID    uuid.UUID `json:"id"`
	Name  *string   `json:"name"`
	Email *string   `json:"email"`
}

type RequestFilters struct {
	Search        string `json:"search"`
	TimeFilter    string `json:"timeFilter"`
	Model         string `json:"model"`
	UserID        string `json:"userId"`
	MinTokens     int    `json:"minTokens"`
	MaxTokens     int    `json:"maxTokens"`
	SortBy        string `json:"sortBy"`
	SortOrder     string `json:"sortOrder"`
	IncludeBanned bool   `json:"includeBanned"`
}

type RequestPage struct {
	Requests   []RequestSummary `json:"requests"`
	Filters    RequestFilters   `json:"filters"`
	Pagination Pagination       `json:"pagination"`
	Models     []string         `json:"models"`
	Users      []UserOption     `json:"users"`
}

type UserSummary struct {
	ID            uuid.UUID `json:"id"`
	SlackID       *string   `json:"slackId"`
	Email         *string   `json:"email"`
	Name          *string   `json:"name"`
	Avatar        *string   `json:"avatar"`
	CreatedAt     time.Time `json:"createdAt"`
	IsIDVVerified bool      `json:"isIdvVerified"`
	SkipIDV       bool      `json:"skipIdv"`
	IsBanned      bool      `json:"isBanned"`
	RequestCount  int64     `json:"requestCount"`
	TotalTokens   int64     `json:"totalTokens"`
	TotalCost     float64   `json:"totalCost"`
	LastRequest   time.Time `json:"lastRequest"`
}

type UserFilters struct {
	Search     string `json:"search"`
	Filter     string `json:"filter"`
	SortBy     string `json:"sortBy"`
	SortOrder  string `json:"sortOrder"`
	TimePeriod string `json:"timePeriod"`
}

type FilterCounts struct {
	Total      int64 `json:"total"`
	Banned     int64 `json:"banned"`
	Verified   int64 `json:"verified"`
	SkipIDV    int64 `json:"skipIdv"`
	Unverified int64 `json:"unverified"`
}

type UserPage struct {
	Users        []UserSummary `json:"users"`
	Filters      UserFilters   `json:"filters"`
	Pagination   Pagination    `json:"pagination"`
	FilterCounts FilterCounts  `json:"filterCounts"`
}

// PeriodUsage aggregates the requests of one user over a period.
type PeriodUsage struct {
	RequestCount     int64 `json:"requestCount"`
	TotalTokens      int64 `json:"totalTokens"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	AvgDuration      int64 `json:"avgDuration"`
}

type UserRequest struct {
	ID               uuid.UUID `json:"id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	Timestamp        time.Time `json:"timestamp"`
	Duration         int64     `json:"duration"`
	RequestPreview   string    `json:"requestPreview"`
}

type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Name       *string    `json:"name"`
	KeyPreview string     `json:"keyPreview"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt"`
}

type UserDetail struct {
	User           User                   `json:"user"`
	UsageByPeriod  map[string]PeriodUsage `json:"usageByPeriod"`
	ModelBreakdown []ModelUsage           `json:"modelBreakdown"`
	RecentRequests []UserRequest          `json:"recentRequests"`
	APIKeys        []APIKey               `json:"apiKeys"`
}

type RequestDetail struct {
	ID               uuid.UUID `json:"id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	Cost             float64   `json:"cost"`
	Request          string    `json:"request"`
	Response         string    `json:"response"`
	Timestamp        time.Time `json:"timestamp"`
	Duration         int64     `json:"duration"`
	IP               *string   `json:"ip"`
	UserID           uuid.UUID `json:"userId"`
	UserName         *string   `json:"userName"`
	UserEmail        *string   `json:"userEmail"`
}
