package builtin

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

const (
	defaultDatabaseFile = "database.sqlite"
	maxQueryRows        = 100
)

// queryKeywords lead statements that return rows; everything else goes
// through Exec.
var queryKeywords = map[string]bool{
	"SELECT":  true,
	"PRAGMA":  true,
	"EXPLAIN": true,
	"WITH":    true,
}

type manageDatabase struct {
	ws *tools.Workspace
}

func NewManageDatabase(ws *tools.Workspace) ports.ToolExecutor {
	return &manageDatabase{ws: ws}
}

func (t *manageDatabase) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	query, err := stringArg(call, "query")
	if err != nil {
		return fail(call, err), nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return fail(call, fmt.Errorf("query must not be empty")), nil
	}

	dbPath, err := t.ws.Resolve(optionalString(call, "database", defaultDatabaseFile))
	if err != nil {
		return fail(call, err), nil
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fail(call, fmt.Errorf("cannot open database: %w", err)), nil
	}
	defer func() { _ = db.Close() }()

	if isRowQuery(query) {
		out, err := runQuery(ctx, db, query)
		if err != nil {
			return fail(call, fmt.Errorf("query failed: %w", err)), nil
		}
		return ok(call, out), nil
	}

	result, err := db.ExecContext(ctx, query)
	if err != nil {
		return fail(call, fmt.Errorf("statement failed: %w", err)), nil
	}
	affected, _ := result.RowsAffected()
	msg := fmt.Sprintf("OK, %d row(s) affected", affected)
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		msg += fmt.Sprintf(", last insert id %d", id)
	}
	return ok(call, msg), nil
}

func isRowQuery(query string) bool {
	first := strings.ToUpper(strings.Fields(query)[0])
	return queryKeywords[first]
}

func runQuery(ctx context.Context, db *sql.DB, query string) (string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString(strings.Join(columns, " | "))
	out.WriteString("\n")

	count := 0
	truncated := false
	for rows.Next() {
		if count >= maxQueryRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		holders := make([]any, len(columns))
		for i := range values {
			holders[i] = &values[i]
		}
		if err := rows.Scan(holders...); err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = renderCell(v)
		}
		out.WriteString(strings.Join(cells, " | "))
		out.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	out.WriteString(fmt.Sprintf("%d row(s)", count))
	if truncated {
		out.WriteString(fmt.Sprintf(", output capped at %d", maxQueryRows))
	}
	return out.String(), nil
}

func renderCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (t *manageDatabase) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "manage_database",
		Description: "Run SQL against the project's SQLite database. SELECT-like statements return rows; " +
			"other statements report affected rows. Defaults to database.sqlite in the project root.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"query":    {Type: "string", Description: "SQL to execute"},
				"database": {Type: "string", Description: "Database file relative to the project root (default database.sqlite)"},
			},
			Required: []string{"query"},
		},
	}
}

func (t *manageDatabase) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "manage_database", Category: "state"}
}
