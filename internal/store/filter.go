package store

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pulpfleet/manager/internal/pulperr"
)

// Op is one comparison operator of the universal filter grammar (§4.1).
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpLt    Op = "lt"
	OpLe    Op = "le"
	OpGt    Op = "gt"
	OpGe    Op = "ge"
	OpMatch Op = "match"
)

var opSQL = map[Op]string{
	OpEq: "=", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=", OpMatch: "LIKE",
}

// Condition is one `field__op=value` term.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Query is a parsed filter/sort/page request, entity-agnostic.
type Query struct {
	Conditions []Condition
	SortBy     string
	Order      string // "asc" or "desc"
	Page       int     // 1-based; 0 means "page 1"
	PageSize   int
	Eager      []string
}

// ParseFilter builds a Query from raw query-string parameters (as returned
// by url.Values), applying the field__op suffix grammar of §4.1. A key whose
// "__" suffix is not a known operator is kept whole as a field name and
// compared with eq.
func ParseFilter(params map[string][]string) (*Query, error) {
	q := &Query{Order: "asc"}
	for key, values := range params {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "sort_by":
			q.SortBy = value
			continue
		case "order_by":
			if value != "asc" && value != "desc" {
				return nil, pulperr.NewValidationError("order_by", "must be asc or desc")
			}
			q.Order = value
			continue
		case "page":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, pulperr.NewValidationError("page", "must be an integer")
			}
			q.Page = n
			continue
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, pulperr.NewValidationError("page_size", "must be an integer")
			}
			q.PageSize = n
			continue
		case "eager":
			q.Eager = append(q.Eager, values...)
			continue
		}

		field, op, err := splitFieldOp(key)
		if err != nil {
			return nil, err
		}
		q.Conditions = append(q.Conditions, Condition{Field: field, Op: op, Value: value})
	}
	return q, nil
}

func splitFieldOp(key string) (field string, op Op, err error) {
	idx := strings.LastIndex(key, "__")
	if idx < 0 {
		return key, OpEq, nil
	}
	suffix := key[idx+2:]
	switch suffix {
	case "ne":
		return key[:idx], OpNe, nil
	case "lt":
		return key[:idx], OpLt, nil
	case "le":
		return key[:idx], OpLe, nil
	case "gt":
		return key[:idx], OpGt, nil
	case "ge":
		return key[:idx], OpGe, nil
	case "match":
		return key[:idx], OpMatch, nil
	default:
		// Not a recognized suffix; treat the whole key (including the "__")
		// as a literal field name so names that happen to contain "__" still work.
		return key, OpEq, nil
	}
}

// JoinAlias maps a user-visible filter/sort field name to a column that
// requires a join (§4.1 "join-only aliases").
type JoinAlias struct {
	// Column is the table-qualified column to compare/sort against, e.g. "r.name".
	Column string
	// Join is the SQL JOIN clause text; deduplicated per query by its text.
	Join string
}

// EntityConfig describes how a generic Repository maps T to SQL.
type EntityConfig struct {
	Table       string
	Alias       string
	JoinAliases map[string]JoinAlias
}

// PagedResult is the return shape of filter_paged_result (§4.1).
type PagedResult[T any] struct {
	Items    []*T
	Total    int64
	Page     int
	PageSize int
}

// Repository is the generic per-entity store described by §4.1. It is bound
// to a Queryer (a DB for top-level calls, or a Tx when the caller wants
// several repositories to share one bounded transaction via WithTx).
type Repository[T any] struct {
	q           Queryer
	cfg         EntityConfig
	maxPageSize int
	eagerLoaders map[string]func(ctx context.Context, q Queryer, items []*T) error
}

// NewRepository constructs a Repository for entity T.
func NewRepository[T any](q Queryer, cfg EntityConfig, maxPageSize int, eagerLoaders map[string]func(ctx context.Context, q Queryer, items []*T) error) *Repository[T] {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &Repository[T]{q: q, cfg: cfg, maxPageSize: maxPageSize, eagerLoaders: eagerLoaders}
}

// WithTx returns a copy of the repository bound to tx instead of its
// current Queryer, so several repositories can share one bounded
// transaction (§4.1 invariant).
func (r *Repository[T]) WithTx(tx Tx) *Repository[T] {
	clone := *r
	clone.q = tx
	return &clone
}

// Add inserts record and sets its generated id.
func (r *Repository[T]) Add(ctx context.Context, record *T) (int64, error) {
	id, err := r.q.Insert(ctx, r.cfg.Table, record)
	if err != nil {
		return 0, fmt.Errorf("add %s: %w", r.cfg.Table, err)
	}
	setIDField(record, id)
	return id, nil
}

// BulkAdd inserts each record in turn, within the caller's bounded transaction.
func (r *Repository[T]) BulkAdd(ctx context.Context, records []*T) error {
	for _, rec := range records {
		if _, err := r.Add(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Update persists all non-id fields of record, matched by its id.
func (r *Repository[T]) Update(ctx context.Context, record *T) error {
	id := idField(record)
	if id == 0 {
		return pulperr.NewValidationError("id", "must be set to update")
	}
	if err := r.q.Update(ctx, r.cfg.Table, record, r.cfg.Alias+".id = ?", id); err != nil {
		return fmt.Errorf("update %s: %w", r.cfg.Table, err)
	}
	return nil
}

// BulkUpdate updates each record in turn, within the caller's bounded transaction.
func (r *Repository[T]) BulkUpdate(ctx context.Context, records []*T) error {
	for _, rec := range records {
		if err := r.Update(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the row with the given id.
func (r *Repository[T]) Delete(ctx context.Context, id int64) error {
	// Table/alias names are fixed per-repository constants, not user input.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.cfg.Table)
	if _, err := r.q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete %s: %w", r.cfg.Table, err)
	}
	return nil
}

// GetByID loads one row by primary key, applying any named eager loads,
// returning pulperr.ErrNotFound if absent.
func (r *Repository[T]) GetByID(ctx context.Context, id int64, eager ...string) (*T, error) {
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("SELECT %s.* FROM %s %s WHERE %s.id = ?", r.cfg.Alias, r.cfg.Table, r.cfg.Alias, r.cfg.Alias)
	var item T
	if err := r.q.Get(ctx, &item, query, id); err != nil {
		return nil, fmt.Errorf("get %s %d: %w", r.cfg.Table, id, pulperr.ErrNotFound)
	}
	items := []*T{&item}
	if err := r.applyEager(ctx, items, eager); err != nil {
		return nil, err
	}
	return &item, nil
}

// First returns the first row matching q, or pulperr.ErrNotFound.
func (r *Repository[T]) First(ctx context.Context, q *Query) (*T, error) {
	if q == nil {
		q = &Query{}
	}
	limited := *q
	limited.Page = 1
	limited.PageSize = 1
	items, err := r.Filter(ctx, &limited)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("first %s: %w", r.cfg.Table, pulperr.ErrNotFound)
	}
	return items[0], nil
}

// Filter returns every row matching q, honoring sort but not paging.
func (r *Repository[T]) Filter(ctx context.Context, q *Query) ([]*T, error) {
	return r.filter(ctx, q, false)
}

// FilterPaged returns one page of rows matching q (§4.1 max page size invariant).
func (r *Repository[T]) FilterPaged(ctx context.Context, q *Query) ([]*T, error) {
	return r.filter(ctx, q, true)
}

// FilterPagedResult returns items plus total/page/page_size (§4.1 filter_paged_result).
func (r *Repository[T]) FilterPagedResult(ctx context.Context, q *Query) (*PagedResult[T], error) {
	items, err := r.FilterPaged(ctx, q)
	if err != nil {
		return nil, err
	}
	total, err := r.CountFilter(ctx, q)
	if err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(q, r.maxPageSize)
	return &PagedResult[T]{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Count returns the total row count, unfiltered.
func (r *Repository[T]) Count(ctx context.Context) (int64, error) {
	return r.CountFilter(ctx, nil)
}

// CountFilter returns the row count matching q (ignoring paging/sort/eager).
func (r *Repository[T]) CountFilter(ctx context.Context, q *Query) (int64, error) {
	where, joins, args, err := r.buildWhere(q)
	if err != nil {
		return 0, err
	}
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s %s %s%s", r.cfg.Table, r.cfg.Alias, joins, where)
	var count int64
	if err := r.scanCount(ctx, query, args, &count); err != nil {
		return 0, fmt.Errorf("count %s: %w", r.cfg.Table, err)
	}
	return count, nil
}

func (r *Repository[T]) filter(ctx context.Context, q *Query, paged bool) ([]*T, error) {
	where, joins, args, err := r.buildWhere(q)
	if err != nil {
		return nil, err
	}

	orderSQL := ""
	if q != nil && q.SortBy != "" {
		col, join, err := r.resolveColumn(q.SortBy)
		if err != nil {
			return nil, err
		}
		if join != "" && !strings.Contains(joins, join) {
			joins += " " + join
		}
		order := q.Order
		if order != "desc" {
			order = "asc"
		}
		orderSQL = fmt.Sprintf(" ORDER BY %s %s", col, strings.ToUpper(order))
	}

	limitSQL := ""
	if paged {
		page, pageSize := normalizePage(q, r.maxPageSize)
		if pageSize > r.maxPageSize {
			return nil, pulperr.NewValidationError("page_size", fmt.Sprintf("exceeds maximum of %d", r.maxPageSize))
		}
		offset := (page - 1) * pageSize
		limitSQL = fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, offset)
	}

	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("SELECT %s.* FROM %s %s %s%s%s%s", r.cfg.Alias, r.cfg.Table, r.cfg.Alias, joins, where, orderSQL, limitSQL)
	var items []*T
	if err := r.q.Select(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("filter %s: %w", r.cfg.Table, err)
	}
	var eager []string
	if q != nil {
		eager = q.Eager
	}
	if err := r.applyEager(ctx, items, eager); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Repository[T]) buildWhere(q *Query) (where, joins string, args []interface{}, err error) {
	if q == nil || len(q.Conditions) == 0 {
		return "", "", nil, nil
	}
	var clauses []string
	joinSet := map[string]bool{}
	var joinOrder []string
	for _, c := range q.Conditions {
		col, join, err := r.resolveColumn(c.Field)
		if err != nil {
			return "", "", nil, err
		}
		if join != "" && !joinSet[join] {
			joinSet[join] = true
			joinOrder = append(joinOrder, join)
		}
		sqlOp, ok := opSQL[c.Op]
		if !ok {
			return "", "", nil, pulperr.NewValidationError(c.Field, "unsupported operator")
		}
		value := c.Value
		if c.Op == OpMatch {
			sqlOp = "LIKE"
			value = "%" + fmt.Sprint(c.Value) + "%"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col, sqlOp))
		args = append(args, value)
	}
	joins = strings.Join(joinOrder, " ")
	where = " WHERE " + strings.Join(clauses, " AND ")
	return where, joins, args, nil
}

func (r *Repository[T]) resolveColumn(field string) (col, join string, err error) {
	if alias, ok := r.cfg.JoinAliases[field]; ok {
		return alias.Column, alias.Join, nil
	}
	return r.cfg.Alias + "." + field, "", nil
}

func (r *Repository[T]) applyEager(ctx context.Context, items []*T, names []string) error {
	for _, name := range names {
		loader, ok := r.eagerLoaders[name]
		if !ok {
			return pulperr.NewValidationError("eager", fmt.Sprintf("unknown eager-load %q for %s", name, r.cfg.Table))
		}
		if err := loader(ctx, r.q, items); err != nil {
			return fmt.Errorf("eager-load %s.%s: %w", r.cfg.Table, name, err)
		}
	}
	return nil
}

// scalarCount is the scan target for a "SELECT COUNT(*) AS n ..." query.
type scalarCount struct {
	N int64 `db:"n"`
}

// scanCount runs query (which must project a single column aliased "n")
// and scans the scalar result via the normal `db:`-tag path.
func (r *Repository[T]) scanCount(ctx context.Context, query string, args []interface{}, out *int64) error {
	var rows []scalarCount
	if err := r.q.Select(ctx, &rows, query, args...); err != nil {
		return err
	}
	if len(rows) == 1 {
		*out = rows[0].N
	}
	return nil
}

func normalizePage(q *Query, maxPageSize int) (page, pageSize int) {
	page, pageSize = 1, maxPageSize
	if q != nil {
		if q.Page > 0 {
			page = q.Page
		}
		if q.PageSize > 0 {
			pageSize = q.PageSize
		}
	}
	return
}

// idField and setIDField use reflection to read/write the `db:"id"` field
// generically, since T carries no common interface.
func idField(record interface{}) int64 {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("db") == "id" {
			return v.Field(i).Int()
		}
	}
	return 0
}

func setIDField(record interface{}, id int64) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("db") == "id" {
			v.Field(i).SetInt(id)
			return
		}
	}
}
