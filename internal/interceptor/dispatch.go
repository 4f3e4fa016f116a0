package interceptor

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/metrics"
	"github.com/any-hub/offline-map/internal/policy"
)

// Outcome 记录一次分派的决策与结果，供日志与响应头使用。
type Outcome struct {
	Class    policy.RequestClass
	Strategy policy.Strategy
	CacheHit bool
	// Fallback 表示网络失败后退回了缓存（network-first）。
	Fallback bool
	// Revalidating 表示返回缓存的同时后台刷新仍在进行。
	Revalidating bool
	// Bypass 表示非 GET 请求直接回源，不读写缓存。
	Bypass bool
}

type networkResult struct {
	resp *cache.Response
	err  error
}

// Fetch 对单个请求分类并执行对应策略。无缓存可用且回源失败时返回错误。
func (i *Interceptor) Fetch(ctx context.Context, req *http.Request) (*cache.Response, Outcome, error) {
	class := i.classifier.Classify(req.URL)
	strategy := i.profile.StrategyFor(class)
	outcome := Outcome{Class: class, Strategy: strategy}

	if req.Method != http.MethodGet {
		outcome.Bypass = true
		resp, err := i.fetchNetwork(ctx, class, req)
		i.recordRequest(outcome, err)
		return resp, outcome, err
	}

	store, err := i.openStore(ctx)
	if err != nil {
		i.recordRequest(outcome, err)
		return nil, outcome, err
	}

	var resp *cache.Response
	switch strategy {
	case policy.StrategyCacheFirst:
		resp, err = i.cacheFirst(ctx, store, req, &outcome, true)
	case policy.StrategyCacheOrNetwork:
		resp, err = i.cacheFirst(ctx, store, req, &outcome, false)
	case policy.StrategyNetworkFirst:
		resp, err = i.networkFirst(ctx, store, req, &outcome)
	case policy.StrategyStaleWhileRevalidate:
		resp, err = i.staleWhileRevalidate(ctx, store, req, &outcome)
	default:
		resp, err = i.cacheFirst(ctx, store, req, &outcome, false)
	}
	i.recordRequest(outcome, err)
	return resp, outcome, err
}

// cacheFirst 先查缓存；未命中时回源，writeBack 为 true 时写回缓存。
func (i *Interceptor) cacheFirst(ctx context.Context, store cache.Store, req *http.Request, outcome *Outcome, writeBack bool) (*cache.Response, error) {
	cached, err := store.Match(ctx, req)
	if err == nil {
		outcome.CacheHit = true
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	resp, err := i.fetchNetwork(ctx, outcome.Class, req)
	if err != nil {
		return nil, err
	}
	if writeBack {
		i.writeBack(context.WithoutCancel(ctx), store, req, resp)
	}
	return resp, nil
}

// networkFirst 总是先回源；失败时退回缓存，缓存也没有则返回网络错误。
func (i *Interceptor) networkFirst(ctx context.Context, store cache.Store, req *http.Request, outcome *Outcome) (*cache.Response, error) {
	resp, netErr := i.fetchNetwork(ctx, outcome.Class, req)
	if netErr == nil {
		i.writeBack(context.WithoutCancel(ctx), store, req, resp)
		return resp, nil
	}

	cached, err := store.Match(ctx, req)
	if err == nil {
		outcome.CacheHit = true
		outcome.Fallback = true
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		i.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_fallback",
			"url":    req.URL.String(),
		}).Warn("cache_match_failed")
	}
	return nil, netErr
}

// staleWhileRevalidate 总是发起后台回源并写回；有缓存时立即返回缓存，
// 否则等待回源结果。后台任务脱离请求取消，由 Wait 统一等待。
func (i *Interceptor) staleWhileRevalidate(ctx context.Context, store cache.Store, req *http.Request, outcome *Outcome) (*cache.Response, error) {
	background := context.WithoutCancel(ctx)
	bgReq := req.Clone(background)
	class := outcome.Class
	done := make(chan networkResult, 1)

	i.pending.Add(1)
	go func() {
		defer i.pending.Done()
		resp, err := i.fetchNetwork(background, class, bgReq)
		if err == nil {
			i.writeBack(background, store, bgReq, resp)
		}
		done <- networkResult{resp: resp, err: err}
	}()

	cached, err := store.Match(ctx, req)
	if err == nil {
		outcome.CacheHit = true
		outcome.Revalidating = true
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	select {
	case result := <-done:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (i *Interceptor) fetchNetwork(ctx context.Context, class policy.RequestClass, req *http.Request) (*cache.Response, error) {
	resp, err := i.network.Fetch(ctx, req)
	if err != nil {
		i.metrics.NetworkFailure(string(class))
		i.logger.WithError(err).WithFields(logrus.Fields{
			"action": "network_fetch",
			"class":  string(class),
			"url":    req.URL.String(),
		}).Debug("network_fetch_failed")
		return nil, err
	}
	return resp, nil
}

// writeBack 写入响应副本。写入失败只记录日志，不影响已得到的响应。
func (i *Interceptor) writeBack(ctx context.Context, store cache.Store, req *http.Request, resp *cache.Response) {
	err := store.Put(ctx, req, resp.Clone())
	i.metrics.StoreWrite(err)
	if err != nil {
		i.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_put",
			"cache_name": store.Name(),
			"url":        req.URL.String(),
		}).Warn("cache_put_failed")
	}
}

func (i *Interceptor) recordRequest(outcome Outcome, err error) {
	result := metrics.ResultMiss
	switch {
	case err != nil:
		result = metrics.ResultError
	case outcome.Fallback:
		result = metrics.ResultFallback
	case outcome.CacheHit:
		result = metrics.ResultHit
	}
	i.metrics.Request(string(outcome.Class), string(outcome.Strategy), result)
}
