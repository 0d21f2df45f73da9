package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed *.sql
var fs embed.FS

// Apply runs every embedded .sql file in name order. The files are written
// to be re-runnable.
func Apply(ctx context.Context, db *sql.DB) error {
	files, err := fs.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read embed dir: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		code, err := fs.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(code)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		zap.L().Info("schema applied", zap.String("file", name))
	}
	return nil
}
