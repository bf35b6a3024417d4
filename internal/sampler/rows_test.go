package sampler_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/torosent/loadscope/internal/sampler"
)

func createPostsDB(t *testing.T, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE books_post (id INTEGER PRIMARY KEY, title TEXT, author TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO books_post (title, author) VALUES (?, ?)`, "t", "a"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

func TestSQLiteCounterCountsRows(t *testing.T) {
	path := createPostsDB(t, 4)
	c, err := sampler.NewSQLiteCounter(path, "books_post", 0)
	if err != nil {
		t.Fatalf("NewSQLiteCounter() error = %v", err)
	}
	defer c.Close()

	n, err := c.Count(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("Count() = %d, %v; want 4", n, err)
	}
}

func TestSQLiteCounterSeesConcurrentWrites(t *testing.T) {
	path := createPostsDB(t, 0)
	c, _ := sampler.NewSQLiteCounter(path, "books_post", 200*time.Millisecond)
	defer c.Close()

	writer, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = writer.Exec(`INSERT INTO books_post (title, author) VALUES ('t', 'a')`)
		}
	}()

	var last int64
	for i := 0; i < 20; i++ {
		n, err := c.Count(context.Background())
		if err != nil {
			// A busy database is an expected transient failure.
			continue
		}
		if n < last {
			t.Fatalf("row count went backwards: %d after %d", n, last)
		}
		last = n
	}
	wg.Wait()

	n, err := c.Count(context.Background())
	if err != nil || n != 50 {
		t.Fatalf("final Count() = %d, %v; want 50", n, err)
	}
}

func TestSQLiteCounterMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sqlite3")
	c, _ := sampler.NewSQLiteCounter(path, "books_post", 0)
	defer c.Close()

	n, err := c.Count(context.Background())
	if !errors.Is(err, sampler.ErrNoDatabase) || n != 0 {
		t.Fatalf("Count() = %d, %v; want 0, ErrNoDatabase", n, err)
	}
}

func TestSQLiteCounterSchemaMismatch(t *testing.T) {
	path := createPostsDB(t, 1)
	c, _ := sampler.NewSQLiteCounter(path, "books_book", 0)
	defer c.Close()

	s := sampler.New(nil, nil, c, nil)
	if got := s.CountRows(context.Background()); got != 0 {
		t.Fatalf("expected 0 for a missing table, got %d", got)
	}
}

func TestNewSQLiteCounterValidation(t *testing.T) {
	cases := []struct {
		path, table string
	}{
		{"", "books_post"},
		{"db.sqlite3", ""},
		{"db.sqlite3", "posts; DROP TABLE x"},
		{"db.sqlite3", `"quoted"`},
	}
	for _, tc := range cases {
		if _, err := sampler.NewSQLiteCounter(tc.path, tc.table, 0); err == nil {
			t.Errorf("expected error for path=%q table=%q", tc.path, tc.table)
		}
	}
}
