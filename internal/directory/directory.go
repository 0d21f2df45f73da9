package directory

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Directory resolves user ids to display names. Unknown ids are absent
// from the result.
type Directory interface {
	GetUsersByIds(ctx context.Context, ids []string) (map[string]string, error)
}

// Postgres reads the identity store's users table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) GetUsersByIds(ctx context.Context, ids []string) (map[string]string, error) {
	ids = unique(ids)
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var q strings.Builder
	q.WriteString(`SELECT id, name FROM users WHERE id IN (`)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("$" + strconv.Itoa(i+1))
		args[i] = id
	}
	q.WriteString(")")

	rows, err := p.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
