package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteFileName = "caches.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY, created_at INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS entries (
		store TEXT NOT NULL,
		key TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		header BLOB,
		body BLOB,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (store, key)
	)`,
}

// sqlitePragmas 通过 DSN 下发，保证连接池中每个连接都生效。
const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// sqliteStorage 将全部缓存代放在同一个 sqlite 文件中，写入通过 writeMutex 串行化。
type sqliteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

type sqliteStore struct {
	storage *sqliteStorage
	name    string
}

// NewSQLiteStorage 在 basePath 下打开（或创建）caches.db。
func NewSQLiteStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, sqliteFileName)+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
	}

	return &sqliteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        time.Now,
	}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if err := s.ensureStore(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteStore{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStorage) ensureStore(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, s.now().UTC().UnixNano())
	return err
}

func (st *sqliteStore) Name() string {
	return st.name
}

func (st *sqliteStore) Match(ctx context.Context, req *http.Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}
	var (
		resp     Response
		header   []byte
		storedAt int64
	)
	err := st.storage.db.QueryRowContext(ctx,
		"SELECT url, status, header, body, stored_at FROM entries WHERE store = ? AND key = ?",
		st.name, RequestKey(req),
	).Scan(&resp.URL, &resp.Status, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp.Header = http.Header{}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return nil, fmt.Errorf("decode cached header: %w", err)
		}
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	return &resp, nil
}

func (st *sqliteStore) Put(ctx context.Context, req *http.Request, resp *Response) error {
	if err := checkPut(req, resp); err != nil {
		return err
	}
	stored := prepareStored(req, resp, st.storage.now)
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return err
	}

	st.storage.writeMutex.Lock()
	defer st.storage.writeMutex.Unlock()

	tx, err := st.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := st.storage.ensureStore(ctx, tx, st.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (store, key, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		st.name, RequestKey(req), stored.URL, stored.Status, header, stored.Body, stored.StoredAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (st *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.storage.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ? ORDER BY key", st.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
