package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	entrySuffix = ".entry"
	// CachesDir 是 StoragePath 下专用于缓存代的子目录，Names/Delete 只作用于其中。
	CachesDir = "caches"
)

// FileCacheRoot 返回 fs 驱动存放缓存代的目录。
func FileCacheRoot(basePath string) string {
	return filepath.Join(basePath, CachesDir)
}

// NewFileStorage 在 basePath/caches 下构建磁盘缓存命名空间，每个缓存代一个子目录。
// StoragePath 中的其他目录（例如日志）不会被视为缓存代。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(FileCacheRoot(basePath))
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入临时文件，最终 rename 保证整键替换。
type fileStorage struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是条目文件的首行 JSON，正文紧随其后。
type entryMeta struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache store %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidStoreName
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, req *http.Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(f.entryPath(RequestKey(req)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	meta, body, err := decodeEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &Response{
		URL:      meta.URL,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (f *fileStore) Put(ctx context.Context, req *http.Request, resp *Response) error {
	if err := checkPut(req, resp); err != nil {
		return err
	}
	key := RequestKey(req)
	stored := prepareStored(req, resp, f.storage.now)

	unlock := f.storage.lockEntry(f.name + "::" + key)
	defer unlock()

	// 缓存代可能已被 Activate 删除，此处按需重建目录。
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(f.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	encoded, err := encodeEntry(key, stored)
	if err == nil {
		_, err = copyWithContext(ctx, tempFile, bytes.NewReader(encoded))
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, f.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (f *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, err := readEntryMeta(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fileStore) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func encodeEntry(key string, resp *Response) ([]byte, error) {
	meta, err := json.Marshal(entryMeta{
		Key:      key,
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: resp.StoredAt,
	})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(meta)+1+len(resp.Body))
	buf = append(buf, meta...)
	buf = append(buf, '\n')
	buf = append(buf, resp.Body...)
	return buf, nil
}

func decodeEntry(raw []byte) (entryMeta, []byte, error) {
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return entryMeta{}, nil, errors.New("missing entry header")
	}
	var meta entryMeta
	if err := json.Unmarshal(raw[:idx], &meta); err != nil {
		return entryMeta{}, nil, err
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	return meta, raw[idx+1:], nil
}

func readEntryMeta(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
