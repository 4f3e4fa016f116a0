package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 对应整个 caches 命名空间：按名称打开、枚举与删除缓存代（generation）。
type Storage interface {
	// Open 打开指定名称的缓存代，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回全部缓存代名称（按名称排序）。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存代及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Store 是单个缓存代。Put 必须是整键原子替换，失败时不得留下半写入条目。
type Store interface {
	Name() string

	// Match 返回请求对应的缓存响应；不存在时返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request) (*Response, error)

	// Put 以 req 的身份写入 resp 的副本，最后一次写入生效。
	Put(ctx context.Context, req *http.Request, resp *Response) error

	// Keys 返回当前缓存代内全部请求身份。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是一次网络或缓存结果的不可变快照。正文已完整缓冲，可安全克隆后
// 同时返回给调用方并写入缓存。
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，调用方与缓存各持一份互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// RequestKey 生成请求身份：大写 method + 空格 + 去掉 fragment 的绝对 URL。
func RequestKey(req *http.Request) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return method + " " + u.String()
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示仅 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrPartialResponse 表示 206 部分响应不可写入缓存。
	ErrPartialResponse = errors.New("partial responses cannot be cached")
	// ErrInvalidStoreName 表示缓存代名称为空或包含路径分隔符。
	ErrInvalidStoreName = errors.New("invalid cache store name")
)
