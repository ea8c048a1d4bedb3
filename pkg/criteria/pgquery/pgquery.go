// Package pgquery translates a criteria.Criteria into a parameterized SQL
// fragment: raw query strings plus positional parameters, never a
// query-builder library.
package pgquery

import (
	"fmt"
	"strings"

	"github.com/oakfield/driftctl/pkg/criteria"
)

// Built is a WHERE/ORDER BY/LIMIT fragment plus its positional arguments,
// ready to append after a base "SELECT ... FROM table" string.
type Built struct {
	Where string // e.g. "WHERE environment = $1 AND service_id = ANY($2)"
	Order string // e.g. "ORDER BY updated_at DESC, id ASC"
	Limit string // e.g. "LIMIT $3 OFFSET $4"
	Args  []any
}

// defaultColumns maps a criteria.Filter field name to its SQL column. Callers
// that need additional fields pass their own map via BuildWith.
var defaultColumns = map[string]string{
	"service_id":  "service_id",
	"instance_id": "instance_id",
	"team_id":     "team_id",
	"environment": "environment",
	"status":      "status",
	"severity":    "severity",
	"lifecycle":   "lifecycle",
}

// Build translates crit into a SQL fragment using the default field→column
// mapping. scopeColumn names the column the AuthScope's service-id set
// constrains (almost always "service_id").
func Build(crit criteria.Criteria, scopeColumn string) (Built, error) {
	return BuildWith(crit, scopeColumn, defaultColumns)
}

// BuildWith is Build with a caller-supplied field→column mapping, for
// repositories whose filterable fields differ from the default set.
func BuildWith(crit criteria.Criteria, scopeColumn string, columns map[string]string) (Built, error) {
	var conds []string
	var args []any

	for _, f := range crit.Filters {
		col, ok := columns[f.Field]
		if !ok {
			return Built{}, fmt.Errorf("pgquery: unknown filter field %q", f.Field)
		}
		cond, newArgs, err := renderFilter(col, f, args)
		if err != nil {
			return Built{}, err
		}
		conds = append(conds, cond)
		args = newArgs
	}

	if !crit.Scope.Unrestricted {
		if len(crit.Scope.ServiceIDs) == 0 {
			// No visible services: force a result set that is always empty,
			// rather than silently running an unscoped query.
			conds = append(conds, "1 = 0")
		} else {
			args = append(args, crit.Scope.ServiceIDs)
			conds = append(conds, fmt.Sprintf("%s = ANY($%d)", scopeColumn, len(args)))
		}
	}

	var where string
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	order := "ORDER BY " + renderSort(crit.EffectiveSort())

	var limit string
	if crit.Paging.PageSize > 0 {
		args = append(args, crit.Paging.PageSize)
		limitArg := len(args)
		args = append(args, crit.Paging.PageIndex*crit.Paging.PageSize)
		offsetArg := len(args)
		limit = fmt.Sprintf("LIMIT $%d OFFSET $%d", limitArg, offsetArg)
	}

	return Built{Where: where, Order: order, Limit: limit, Args: args}, nil
}

func renderFilter(col string, f criteria.Filter, args []any) (string, []any, error) {
	switch f.Op {
	case "eq":
		args = append(args, f.Value)
		return fmt.Sprintf("%s = $%d", col, len(args)), args, nil
	case "neq":
		args = append(args, f.Value)
		return fmt.Sprintf("%s != $%d", col, len(args)), args, nil
	case "gte":
		args = append(args, f.Value)
		return fmt.Sprintf("%s >= $%d", col, len(args)), args, nil
	case "lte":
		args = append(args, f.Value)
		return fmt.Sprintf("%s <= $%d", col, len(args)), args, nil
	case "in":
		args = append(args, f.Value)
		return fmt.Sprintf("%s = ANY($%d)", col, len(args)), args, nil
	default:
		return "", nil, fmt.Errorf("pgquery: unsupported filter op %q", f.Op)
	}
}

func renderSort(fields []criteria.SortField) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		dir := f.Direction
		if dir == "" {
			dir = criteria.Asc
		}
		parts = append(parts, fmt.Sprintf("%s %s", f.Column, dir))
	}
	return strings.Join(parts, ", ")
}
