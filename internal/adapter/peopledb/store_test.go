package peopledb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "people.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAddAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "Alice", 30, "Engineer"))
	require.NoError(t, s.Add(ctx, "Bob", 45, "Chef"))

	rows, err := s.Query(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{int64(1), "Alice", int64(30), "Engineer"}, rows[0])

	rows, err = s.Query(ctx, "SELECT name FROM people WHERE age > 40")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"Bob"}}, rows)

	rows, err = s.Query(ctx, "with older as (select * from people where age > 40) select count(*) from older")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1)}}, rows)
}

func TestStoreQueryRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "Alice", 30, "Engineer"))

	for _, q := range []string{
		"DELETE FROM people",
		"DROP TABLE people",
		"INSERT INTO people (name, age, profession) VALUES ('x', 1, 'y')",
		"selectx * from people",
	} {
		_, err := s.Query(ctx, q)
		assert.ErrorIs(t, err, ErrReadOnlyQuery, q)
	}

	// The read pool refuses writes that slip past the prefix check.
	_, err := s.Query(ctx, "WITH x AS (SELECT 1) DELETE FROM people")
	assert.Error(t, err)

	rows, err := s.Query(ctx, DefaultQuery)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStoreQueryBadSQL(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Query(context.Background(), "SELECT * FROM nowhere")
	assert.Error(t, err)
}

func TestStoreUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "Bob", 45, "Chef"))

	age := 50
	require.NoError(t, s.Update(ctx, "Bob", &age, nil))
	prof := "Baker"
	require.NoError(t, s.Update(ctx, "Bob", nil, &prof))

	rows, err := s.Query(ctx, "SELECT age, profession FROM people WHERE name = 'Bob'")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(50), "Baker"}}, rows)

	assert.ErrorIs(t, s.Update(ctx, "Bob", nil, nil), ErrNoFields)
	assert.ErrorIs(t, s.Update(ctx, "Nobody", &age, nil), ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "Jane", 28, "Pilot"))

	require.NoError(t, s.Delete(ctx, "Jane"))
	assert.ErrorIs(t, s.Delete(ctx, "Jane"), ErrNotFound)

	rows, err := s.Query(ctx, DefaultQuery)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(context.Background(), "Alice", 30, "Engineer"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	rows, err := s.Query(context.Background(), DefaultQuery)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"  select * from people", true},
		{"WITH a AS (SELECT 1) SELECT * FROM a", true},
		{"SELECT(1)", true},
		{"UPDATE people SET age = 1", false},
		{"PRAGMA query_only = 0", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isReadOnly(tt.query), tt.query)
	}
}
