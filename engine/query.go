package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// queryConfig is the execution_config for query tools. Only the listed
// columns can be selected, only the whitelisted (field, op) pairs can
// be filtered on, and results are always scoped to the calling user
// when UserColumn is set.
type queryConfig struct {
	Table          string       `json:"table"`
	Columns        []string     `json:"columns"`
	AllowedFilters []filterSpec `json:"allowed_filters"`
	UserColumn     string       `json:"user_column"`
	DefaultLimit   int          `json:"default_limit"`
	MaxLimit       int          `json:"max_limit"`
	OrderBy        string       `json:"order_by"`
}

// filterSpec whitelists the operators a caller may apply to one field.
type filterSpec struct {
	Field string   `json:"field"`
	Ops   []string `json:"ops"`
}

type queryFilter struct {
	Column string          `json:"column"`
	Op     string          `json:"op"`
	Value  json.RawMessage `json:"value"`
}

type queryArgs struct {
	Filters []queryFilter `json:"filters"`
	Limit   int           `json:"limit"`
}

var allowedOps = map[string]string{
	"eq":    "=",
	"ilike": "LIKE",
	"gt":    ">",
	"gte":   ">=",
	"lt":    "<",
	"lte":   "<=",
	"in":    "IN",
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultQueryLimit = 50
	defaultMaxLimit   = 100
)

// runQuery executes a constrained read-only select described by the
// tool's execution_config.
func runQuery(ctx context.Context, db *sql.DB, userID string, config, args json.RawMessage) (json.RawMessage, error) {
	var cfg queryConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid query config: %w", err)
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("query config has no columns")
	}
	for _, col := range cfg.Columns {
		if !identPattern.MatchString(col) {
			return nil, fmt.Errorf("invalid column name %q", col)
		}
	}

	var qa queryArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &qa); err != nil {
			return nil, fmt.Errorf("invalid query args: %w", err)
		}
	}

	allowed := make(map[string]map[string]bool, len(cfg.AllowedFilters))
	for _, spec := range cfg.AllowedFilters {
		ops := make(map[string]bool, len(spec.Ops))
		for _, op := range spec.Ops {
			ops[op] = true
		}
		allowed[spec.Field] = ops
	}

	var where []string
	var sqlArgs []interface{}

	if cfg.UserColumn != "" {
		if !identPattern.MatchString(cfg.UserColumn) {
			return nil, fmt.Errorf("invalid user column %q", cfg.UserColumn)
		}
		where = append(where, cfg.UserColumn+" = ?")
		sqlArgs = append(sqlArgs, userID)
	}

	for _, f := range qa.Filters {
		op, ok := allowedOps[f.Op]
		if !ok {
			return nil, fmt.Errorf("filter op %q is not allowed", f.Op)
		}
		ops, ok := allowed[f.Column]
		if !ok {
			return nil, fmt.Errorf("column %q is not filterable", f.Column)
		}
		if !ops[f.Op] {
			return nil, fmt.Errorf("op %q is not allowed on column %q", f.Op, f.Column)
		}

		if f.Op == "in" {
			var values []interface{}
			if err := json.Unmarshal(f.Value, &values); err != nil {
				return nil, fmt.Errorf("filter %q: in expects an array", f.Column)
			}
			if len(values) == 0 {
				return nil, fmt.Errorf("filter %q: in expects a non-empty array", f.Column)
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = "?"
				sqlArgs = append(sqlArgs, v)
			}
			where = append(where, fmt.Sprintf("%s IN (%s)", f.Column, strings.Join(placeholders, ",")))
			continue
		}

		var value interface{}
		if err := json.Unmarshal(f.Value, &value); err != nil {
			return nil, fmt.Errorf("filter %q: invalid value", f.Column)
		}
		if f.Op == "ilike" {
			str, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("filter %q: ilike expects a string", f.Column)
			}
			// SQLite LIKE is case-insensitive for ASCII.
			value = "%" + str + "%"
		}
		where = append(where, fmt.Sprintf("%s %s ?", f.Column, op))
		sqlArgs = append(sqlArgs, value)
	}

	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	limit := qa.Limit
	if limit <= 0 {
		limit = cfg.DefaultLimit
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cfg.Columns, ", "), cfg.Table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if cfg.OrderBy != "" && identPattern.MatchString(cfg.OrderBy) {
		query += " ORDER BY " + cfg.OrderBy
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := db.QueryContext(ctx, query, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cfg.Columns))
		pointers := make([]interface{}, len(cfg.Columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cfg.Columns))
		for i, col := range cfg.Columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if results == nil {
		results = []map[string]interface{}{}
	}
	return json.Marshal(map[string]interface{}{
		"rows":  results,
		"count": len(results),
	})
}
