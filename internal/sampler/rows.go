package sampler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"

	// SQLite driver for the application's datastore
	_ "github.com/mattn/go-sqlite3"
)

// DefaultBusyTimeout bounds how long a count waits on a writer's lock.
const DefaultBusyTimeout = 500 * time.Millisecond

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrNoDatabase is returned when the database file does not exist.
var ErrNoDatabase = errors.New("database file not found")

// RowCounter counts the entities currently stored by the application.
type RowCounter interface {
	Count(ctx context.Context) (int64, error)
}

// SQLiteCounter counts rows of one table in a SQLite file opened read-only.
type SQLiteCounter struct {
	path  string
	query string
	dsn   string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteCounter validates table and prepares a counter. The file is not
// opened until the first Count.
func NewSQLiteCounter(path, table string, busyTimeout time.Duration) (*SQLiteCounter, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	return &SQLiteCounter{
		path:  path,
		query: fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table),
		dsn:   "file:" + path + "?" + q.Encode(),
	}, nil
}

func (c *SQLiteCounter) Count(ctx context.Context) (int64, error) {
	// Read-only mode never creates the file, but checking first keeps a missing
	// database out of the driver's error path.
	if _, err := os.Stat(c.path); err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoDatabase
		}
		return 0, err
	}
	db, err := c.open()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *SQLiteCounter) open() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, err := sql.Open("sqlite3", c.dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)
	c.db = db
	return db, nil
}

// Close releases the connection pool.
func (c *SQLiteCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
