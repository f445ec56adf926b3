package backend

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func questionPlaceholder(int) string { return "?" }

// QuoteTable quotes a possibly schema-qualified table name ("public.deals").
func QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// buildCount returns a COUNT(*) query with an equality WHERE clause.
// A nil filter value matches IS NULL.
func buildCount(table string, filter Filter, ph placeholder) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(QuoteTable(table))
	for i, col := range filter.sortedKeys() {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		v := filter[col]
		if v == nil {
			sb.WriteString(pq.QuoteIdentifier(col) + " IS NULL")
			continue
		}
		args = append(args, v)
		sb.WriteString(pq.QuoteIdentifier(col) + " = " + ph(len(args)))
	}
	return sb.String(), args
}

// buildInsert returns a single-row INSERT for r.
func buildInsert(table string, r Row, ph placeholder) (string, []any) {
	cols := r.Columns()
	args := make([]any, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		args[i] = r[c]
		marks[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteTable(table), quoteColumns(cols), strings.Join(marks, ", ")), args
}

// buildFetch returns an ordered, paged SELECT. noLimit is the dialect's
// unbounded LIMIT value, needed when only an offset is given.
func buildFetch(req FetchRequest, noLimit string) string {
	cols := "*"
	if len(req.Columns) > 0 {
		cols = quoteColumns(req.Columns)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", cols, QuoteTable(req.Table))
	if len(req.OrderBy) > 0 {
		q += " ORDER BY " + quoteColumns(req.OrderBy)
	}
	if req.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", req.Limit)
	} else if req.Offset > 0 {
		q += " LIMIT " + noLimit
	}
	if req.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", req.Offset)
	}
	return q
}

// Statements understood by the in-memory backend and the dry-run overlay.
var (
	reCreateAs = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w."]+)\s+AS\s+SELECT\s+\*\s+FROM\s+([\w."]+)\s*;?\s*$`)
	reCreate   = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w."]+)\s*\(.*\)\s*;?\s*$`)
	reDrop     = regexp.MustCompile(`(?is)^\s*DROP\s+TABLE\s+(IF\s+EXISTS\s+)?([\w."]+)(?:\s+CASCADE)?\s*;?\s*$`)
	reTruncate = regexp.MustCompile(`(?is)^\s*TRUNCATE\s+(?:TABLE\s+)?([\w."]+)(?:\s+RESTART\s+IDENTITY)?(?:\s+CASCADE)?\s*;?\s*$`)
)

type stmtKind int

const (
	stmtOther stmtKind = iota
	stmtCreateAs
	stmtCreate
	stmtDrop
	stmtTruncate
)

type parsedStmt struct {
	kind     stmtKind
	table    string
	source   string
	ifExists bool
}

func parseStatement(stmt string) parsedStmt {
	if m := reCreateAs.FindStringSubmatch(stmt); m != nil {
		return parsedStmt{kind: stmtCreateAs, table: unquote(m[1]), source: unquote(m[2])}
	}
	if m := reCreate.FindStringSubmatch(stmt); m != nil {
		return parsedStmt{kind: stmtCreate, table: unquote(m[1])}
	}
	if m := reDrop.FindStringSubmatch(stmt); m != nil {
		return parsedStmt{kind: stmtDrop, table: unquote(m[2]), ifExists: m[1] != ""}
	}
	if m := reTruncate.FindStringSubmatch(stmt); m != nil {
		return parsedStmt{kind: stmtTruncate, table: unquote(m[1])}
	}
	return parsedStmt{kind: stmtOther}
}

func unquote(name string) string {
	return strings.ReplaceAll(name, `"`, "")
}
