package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dumpTo produces a database dump for t inside scratch and returns the path
// of the dump file or directory to archive.
func (o *Orchestrator) dumpTo(ctx context.Context, t Target, scratch string) (string, error) {
	switch t.Engine {
	case EngineSQLite:
		dst := filepath.Join(scratch, t.ID+".sqlite")
		return dst, dumpSQLite(ctx, t.Paths[0], dst)

	case EnginePostgres:
		dst := filepath.Join(scratch, t.ID+".sql")
		_, err := o.runner.Run(ctx, o.cfg.Timeout,
			"pg_dump", "--dbname="+t.DSN, "--file="+dst, "--format=plain")
		return dst, err

	case EngineMySQL:
		dst := filepath.Join(scratch, t.ID+".sql")
		argv := append([]string{"mysqldump", "--result-file=" + dst}, strings.Fields(t.DSN)...)
		_, err := o.runner.Run(ctx, o.cfg.Timeout, argv...)
		return dst, err

	case EngineInflux:
		dst := filepath.Join(scratch, "influx")
		argv := []string{"influxd", "backup", "-portable"}
		if t.DSN != "" {
			argv = append(argv, "-host", t.DSN)
		}
		argv = append(argv, dst)
		_, err := o.runner.Run(ctx, o.cfg.Timeout, argv...)
		return dst, err
	}
	return "", fmt.Errorf("unknown engine %q", t.Engine)
}

// dumpSQLite snapshots a live SQLite database into dst using VACUUM INTO,
// which produces a compact consistent copy without blocking writers.
func dumpSQLite(ctx context.Context, path, dst string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("source database: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}
