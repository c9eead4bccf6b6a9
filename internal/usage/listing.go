package usage

import (
	"strconv"

	"github.com/openkcm/nightwatch/internal/query"
)

const (
	DefaultRequestsPerPage = 50
	DefaultUsersPerPage    = 25

	// PreviewLength is the number of characters of a request body shown
	// in listings.
	PreviewLength = 200
	// KeyPreviewLength is the number of characters of an API key shown.
	KeyPreviewLength = 12
)

// RequestListing describes the filters and sort keys of the request log.
func RequestListing(perPage int) query.Spec {
	return query.Spec{
		Filters: []query.Filter{
			{
				Param:   "includeBanned",
				Kind:    query.KindEnum,
				Default: "false",
				Cases: map[string]string{
					"false": "u.is_banned = false",
					"true":  "",
				},
			},
			{Param: "time", Kind: query.KindTimeWindow, Column: "r.timestamp", Default: "day", Cases: query.TimeWindows},
			{Param: "model", Kind: query.KindEquals, Column: "r.model"},
			{Param: "user", Kind: query.KindUUID, Column: "r.user_id"},
			{Param: "minTokens", Kind: query.KindPositiveInt, Column: "r.total_tokens", Operator: ">="},
			{Param: "maxTokens", Kind: query.KindPositiveInt, Column: "r.total_tokens", Operator: "<="},
			{Param: "search", Kind: query.KindSearch, Columns: []string{"r.model", "r.request", "r.response"}},
		},
		Sorts: map[string]string{
			"timestamp":         "r.timestamp",
			"total_tokens":      "r.total_tokens",
			"prompt_tokens":     "r.prompt_tokens",
			"completion_tokens": "r.completion_tokens",
			"duration":          "r.duration",
			"model":             "r.model",
			"cost":              "r.cost",
		},
		DefaultSort: "timestamp",
		Tiebreaker:  "r.id",
		PerPage:     perPage,
	}
}

// UserListing describes the filters and sort keys of the user list. The
// period only narrows the per-user statistics, never the users.
func UserListing(perPage int) query.Spec {
	return query.Spec{
		Filters: []query.Filter{
			{Param: "search", Kind: query.KindSearch, Columns: []string{"u.name", "u.email", "u.slack_id"}},
			{
				Param:   "filter",
				Kind:    query.KindEnum,
				Default: "all",
				Cases: map[string]string{
					"all":        "",
					"banned":     "u.is_banned = true",
					"verified":   "u.is_idv_verified = true",
					"skip_idv":   "u.skip_idv = true",
					"unverified": "u.is_idv_verified = false AND u.skip_idv = false",
				},
			},
			{
				Param:     "period",
				Kind:      query.KindTimeWindow,
				Column:    "timestamp",
				Operator:  ">=",
				Default:   "all",
				Cases:     query.Periods,
				Placement: query.InJoin,
			},
		},
		Sorts: map[string]string{
			"requests": "request_count",
			"name":     "u.name",
			"tokens":   "total_tokens",
			"cost":     "total_cost",
			"created":  "u.created_at",
		},
		DefaultSort: "requests",
		NullsLast:   true,
		Tiebreaker:  "u.id",
		PerPage:     perPage,
	}
}

func newPagination(st query.Statement, total int64) Pagination {
	return Pagination{
		Page:       st.Page,
		PerPage:    st.PerPage,
		TotalCount: total,
		TotalPages: st.TotalPages(total),
	}
}

func requestFilters(st query.Statement) RequestFilters {
	minTokens, _ := strconv.Atoi(st.Values["minTokens"])
	maxTokens, _ := strconv.Atoi(st.Values["maxTokens"])

	return RequestFilters{
		Search:        st.Values["search"],
		TimeFilter:    st.Values["time"],
		Model:         st.Values["model"],
		UserID:        st.Values["user"],
		MinTokens:     minTokens,
		MaxTokens:     maxTokens,
		SortBy:        st.Sort,
		SortOrder:     sortOrder(st),
		IncludeBanned: st.Values["includeBanned"] == "true",
	}
}

func userFilters(st query.Statement) UserFilters {
	return UserFilters{
		Search:     st.Values["search"],
		Filter:     st.Values["filter"],
		SortBy:     st.Sort,
		SortOrder:  sortOrder(st),
		TimePeriod: st.Values["period"],
	}
}

func sortOrder(st query.Statement) string {
	if st.Dir == query.DirAsc {
		return "asc"
	}
	return "desc"
}
