package cache

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

var errMissingURL = errors.New("request url required")

// checkPut 校验写入前置条件，两种后端共用。
func checkPut(req *http.Request, resp *Response) error {
	if req == nil || req.URL == nil {
		return errMissingURL
	}
	method := strings.ToUpper(req.Method)
	if method != "" && method != http.MethodGet {
		return ErrMethodNotCacheable
	}
	if resp == nil || resp.Status == http.StatusPartialContent {
		return ErrPartialResponse
	}
	return nil
}

// prepareStored 复制响应并补齐 URL/StoredAt，确保写入的是独立快照。
func prepareStored(req *http.Request, resp *Response, now func() time.Time) *Response {
	stored := resp.Clone()
	if stored.URL == "" {
		stored.URL = req.URL.String()
	}
	if stored.StoredAt.IsZero() {
		stored.StoredAt = now().UTC()
	}
	return stored
}

func validateStoreName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidStoreName
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidStoreName
	}
	return nil
}
