package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDBName = "taskline.db"

// Dialect identifies the SQL flavour behind a connection.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Workspace string
	// URL selects the store. Empty means the workspace SQLite file; postgres:// and
	// postgresql:// select Postgres; sqlite:// and file: select an explicit SQLite file.
	URL string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".taskline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".taskline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite connections run with foreign keys on.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	dialect, dsn, err := resolve(cfg)
	if err != nil {
		return nil, "", err
	}
	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return conn, dialect, nil
}

func resolve(cfg Config) (Dialect, string, error) {
	u := strings.TrimSpace(cfg.URL)
	switch {
	case u == "":
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return "", "", err
		}
		return SQLite, sqliteDSN("file:" + dbPath(cfg.Workspace)), nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return Postgres, u, nil
	case strings.HasPrefix(u, "sqlite://"):
		p := strings.TrimPrefix(u, "sqlite://")
		switch {
		case strings.HasPrefix(p, "//"):
			p = "/" + strings.TrimLeft(p, "/")
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		}
		if p == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", u)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", "", err
		}
		return SQLite, sqliteDSN("file:" + p), nil
	case strings.HasPrefix(u, "file:"):
		return SQLite, sqliteDSN(u), nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q", u)
	}
}

func sqliteDSN(base string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns n comma-separated ? markers for IN lists.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CheckURL reports whether url names a store Open understands, without touching it.
func CheckURL(url string) error {
	u := strings.TrimSpace(url)
	for _, prefix := range []string{"postgres://", "postgresql://", "sqlite://", "file:"} {
		if u == "" || strings.HasPrefix(u, prefix) {
			return nil
		}
	}
	return fmt.Errorf("unsupported database url %q", u)
}
