package peopledb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when an update or delete matches no row.
	ErrNotFound = errors.New("no matching person")
	// ErrNoFields is returned by Update when there is nothing to change.
	ErrNoFields = errors.New("no fields to update")
	// ErrReadOnlyQuery is returned by Query for statements that may write.
	ErrReadOnlyQuery = errors.New("only SELECT or WITH queries are allowed")
)

// DefaultQuery is the query read_data runs when none is given.
const DefaultQuery = "SELECT * FROM people"

// Store is the SQLite-backed people table. Writes go through a single
// connection; ad hoc reads use a separate query_only connection pool.
type Store struct {
	db *sql.DB
	ro *sql.DB
}

// Open opens (or creates) the database at path and runs the schema
// migration. path must name a file; the read pool opens it separately.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open people db: %w", err)
	}
	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("people db pragma: %w", err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate people db: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	ro, err := sql.Open("sqlite", path+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open people db read pool: %w", err)
	}
	if err := ro.Ping(); err != nil {
		db.Close()
		ro.Close()
		return nil, fmt.Errorf("open people db read pool: %w", err)
	}
	return &Store{db: db, ro: ro}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS people (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			age        INTEGER NOT NULL,
			profession TEXT NOT NULL
		)
	`)
	return err
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.ro.Close(), s.db.Close())
}

// Add inserts a person.
func (s *Store) Add(ctx context.Context, name string, age int, profession string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO people (name, age, profession) VALUES (?, ?, ?)",
		name, age, profession,
	)
	if err != nil {
		return fmt.Errorf("add person: %w", err)
	}
	return nil
}

// Query runs a read-only statement and returns its rows. Text and blob
// columns come back as strings.
func (s *Store) Query(ctx context.Context, query string) ([][]any, error) {
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	if !isReadOnly(query) {
		return nil, ErrReadOnlyQuery
	}

	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query scan: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return out, nil
}

// Update changes the age and/or profession of every person named name.
// A nil field is left unchanged.
func (s *Store) Update(ctx context.Context, name string, age *int, profession *string) error {
	var (
		sets []string
		args []any
	)
	if age != nil {
		sets = append(sets, "age = ?")
		args = append(args, *age)
	}
	if profession != nil {
		sets = append(sets, "profession = ?")
		args = append(args, *profession)
	}
	if len(sets) == 0 {
		return ErrNoFields
	}
	args = append(args, name)

	res, err := s.db.ExecContext(ctx,
		"UPDATE people SET "+strings.Join(sets, ", ")+" WHERE name = ?", args...)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	return requireAffected(res, name)
}

// Delete removes every person named name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM people WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	return requireAffected(res, name)
}

func requireAffected(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// isReadOnly accepts statements starting with SELECT or WITH. The
// query_only connection rejects anything that still tries to write.
func isReadOnly(query string) bool {
	q := strings.TrimSpace(query)
	if i := strings.IndexAny(q, " \t\r\n("); i > 0 {
		q = q[:i]
	}
	switch strings.ToUpper(q) {
	case "SELECT", "WITH":
		return true
	}
	return false
}
