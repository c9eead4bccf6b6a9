// Package query composes the WHERE, ORDER BY and LIMIT/OFFSET parts of
// listing queries from untrusted query string input.
//
// A listing is described by a Spec, a small declarative table of
// filters and sort keys. Compose turns that table and the request
// parameters into one Statement. The count query and the data query of
// a listing are both rendered from the same Statement so they always
// filter the same rows. User supplied values are only ever bound as
// positional parameters. The only literals placed in the SQL text are
// taken from the Spec itself or are integers computed by the server.
package query

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type Kind int

const (
	// KindEquals binds the raw value and compares it with Column.
	KindEquals Kind = iota
	// KindUUID binds the value in canonical form if it parses as a UUID.
	// Malformed values omit the filter.
	KindUUID
	// KindPositiveInt binds the value if it is an integer in [1, MaxInt32].
	KindPositiveInt
	// KindEnum selects a predicate from Cases. Nothing is bound.
	KindEnum
	// KindSearch is one OR group of ILIKE comparisons over Columns sharing
	// a single bound parameter.
	KindSearch
	// KindTimeWindow selects an interval literal from Cases and compares
	// Column against NOW() minus that interval.
	KindTimeWindow
)

type Placement int

const (
	// InWhere places the predicate in the listing's WHERE clause.
	InWhere Placement = iota
	// InJoin places the predicate in Statement.JoinWhere. Only kinds
	// that bind nothing (KindEnum, KindTimeWindow) may use it.
	InJoin
)

type Filter struct {
	Param string
	Kind  Kind

	// Column is a column or expression from the server's schema.
	Column string
	// Operator defaults to "=" for bound kinds and ">" for time windows.
	Operator string
	// Columns lists the text columns of a search filter.
	Columns []string
	// Cases maps an accepted value to a predicate (KindEnum) or to an
	// interval literal (KindTimeWindow). An empty case means no predicate.
	Cases map[string]string
	// Default is used when the parameter is absent or not in Cases.
	Default string

	Placement Placement
}

type Spec struct {
	Filters []Filter

	// Sorts maps an accepted sort key to a column or expression.
	Sorts       map[string]string
	DefaultSort string
	NullsLast   bool
	// Tiebreaker is a unique column appended to every ORDER BY so that
	// rows with equal sort values keep a stable order across pages.
	Tiebreaker string

	PerPage int
}

const (
	DirAsc  = "ASC"
	DirDesc = "DESC"

	// MaxPage bounds the page number so that the offset never overflows.
	MaxPage    = 1_000_000
	MaxPerPage = 500
)

// Statement is the composed, validated form of one listing request.
type Statement struct {
	// Where is empty or a complete "WHERE ..." clause.
	Where string
	// JoinWhere is empty or a complete "WHERE ..." clause for a joined
	// sub-select. It never references a bound parameter.
	JoinWhere string
	Args      []any

	Sort    string
	Dir     string
	OrderBy string

	Page    int
	PerPage int
	Limit   int
	Offset  int

	// Values holds the normalized value of every filter, keyed by param.
	// Omitted filters map to the empty string.
	Values map[string]string
}

type builder struct {
	conds []string
	join  []string
	args  []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *builder) add(p Placement, pred string) {
	if pred == "" {
		return
	}
	if p == InJoin {
		b.join = append(b.join, pred)
		return
	}
	b.conds = append(b.conds, pred)
}

// Compose validates params against s and returns the statement
// shared by the count and the data query.
func (s Spec) Compose(params url.Values) Statement {
	b := &builder{}
	values := make(map[string]string, len(s.Filters))

	for _, f := range s.Filters {
		values[f.Param] = s.applyFilter(b, f, params.Get(f.Param))
	}

	sort, dir, orderBy := s.order(params.Get("sort"), params.Get("order"))
	page := ParsePage(params.Get("page"))
	perPage := clamp(s.PerPage, 1, MaxPerPage)

	return Statement{
		Where:     whereClause(b.conds),
		JoinWhere: whereClause(b.join),
		Args:      b.args,
		Sort:      sort,
		Dir:       dir,
		OrderBy:   orderBy,
		Page:      page,
		PerPage:   perPage,
		Limit:     perPage,
		Offset:    (page - 1) * perPage,
		Values:    values,
	}
}

func (s Spec) applyFilter(b *builder, f Filter, raw string) string {
	switch f.Kind {
	case KindEquals:
		if raw == "" {
			return ""
		}
		b.add(InWhere, fmt.Sprintf("%s %s %s", f.Column, operator(f, "="), b.bind(raw)))
		return raw

	case KindUUID:
		id, err := uuid.Parse(raw)
		if err != nil {
			return ""
		}
		b.add(InWhere, fmt.Sprintf("%s %s %s", f.Column, operator(f, "="), b.bind(id.String())))
		return id.String()

	case KindPositiveInt:
		n, ok := ParsePositiveInt(raw)
		if !ok {
			return ""
		}
		b.add(InWhere, fmt.Sprintf("%s %s %s", f.Column, operator(f, "="), b.bind(n)))
		return strconv.Itoa(n)

	case KindSearch:
		if strings.TrimSpace(raw) == "" || len(f.Columns) == 0 {
			return ""
		}
		ph := b.bind("%" + raw + "%")
		branches := make([]string, len(f.Columns))
		for i, col := range f.Columns {
			branches[i] = col + " ILIKE " + ph
		}
		b.add(InWhere, "("+strings.Join(branches, " OR ")+")")
		return raw

	case KindEnum:
		val := enumValue(f, raw)
		if pred := f.Cases[val]; pred != "" {
			b.add(f.Placement, "("+pred+")")
		}
		return val

	case KindTimeWindow:
		val := enumValue(f, raw)
		if lit := f.Cases[val]; lit != "" {
			b.add(f.Placement, fmt.Sprintf("%s %s NOW() - INTERVAL '%s'", f.Column, operator(f, ">"), lit))
		}
		return val
	}

	return ""
}

func (s Spec) order(sortKey, order string) (string, string, string) {
	col, ok := s.Sorts[sortKey]
	if !ok {
		sortKey = s.DefaultSort
		col = s.Sorts[sortKey]
	}

	dir := DirDesc
	if strings.EqualFold(order, "asc") {
		dir = DirAsc
	}

	orderBy := "ORDER BY " + col + " " + dir
	if s.NullsLast {
		orderBy += " NULLS LAST"
	}
	if s.Tiebreaker != "" && s.Tiebreaker != col {
		orderBy += ", " + s.Tiebreaker + " " + dir
	}

	return sortKey, dir, orderBy
}

// CountSQL renders the count query over from.
func (st Statement) CountSQL(from string) string {
	return joinSQL("SELECT COUNT(*) FROM "+from, st.Where)
}

// SelectSQL renders the data query over from. It differs from CountSQL
// only by the selected columns and the ORDER BY, LIMIT and OFFSET.
func (st Statement) SelectSQL(columns, from string) string {
	return joinSQL("SELECT "+columns+" FROM "+from, st.Where, st.OrderBy,
		fmt.Sprintf("LIMIT %d OFFSET %d", st.Limit, st.Offset))
}

// TotalPages returns ceil(total/perPage).
func (st Statement) TotalPages(total int64) int {
	if total <= 0 || st.PerPage <= 0 {
		return 0
	}
	return int((total + int64(st.PerPage) - 1) / int64(st.PerPage))
}

// ParsePage returns the page number in [1, MaxPage]. Anything that is
// not a positive integer is page 1.
func ParsePage(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return min(n, MaxPage)
}

// ParsePositiveInt accepts decimal integers in [1, MaxInt32].
func ParsePositiveInt(raw string) (int, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

func enumValue(f Filter, raw string) string {
	if _, ok := f.Cases[raw]; ok {
		return raw
	}
	return f.Default
}

func operator(f Filter, def string) string {
	switch f.Operator {
	case "=", "<>", "<", "<=", ">", ">=":
		return f.Operator
	default:
		return def
	}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

func joinSQL(parts ...string) string {
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
