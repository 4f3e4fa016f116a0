package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/logging"
)

const (
	phaseInstall  = "install"
	phaseActivate = "activate"
)

// Installed 判断当前缓存代是否已完整安装：缓存代存在且清单中每一项都能命中。
// 不会创建缓存代，也不访问网络。
func (i *Interceptor) Installed(ctx context.Context) (bool, error) {
	exists, err := i.storage.Has(ctx, i.cacheName)
	if err != nil || !exists {
		return false, err
	}
	store, err := i.openStore(ctx)
	if err != nil {
		return false, err
	}
	for _, entry := range i.manifest {
		req, err := i.manifestRequest(ctx, entry)
		if err != nil {
			return false, err
		}
		if _, err := store.Match(ctx, req); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// EnsureInstalled 仅在当前缓存代不完整时执行 Install，已安装的缓存代直接复用，
// 因此离线重启同样可以提供服务。返回值表示本次是否访问了网络。
func (i *Interceptor) EnsureInstalled(ctx context.Context) (bool, error) {
	installed, err := i.Installed(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if installed {
		i.logLifecycle(phaseInstall, time.Now(), logrus.Fields{"skipped": true, "manifest_size": len(i.manifest)}, nil)
		return false, nil
	}
	return true, i.Install(ctx)
}

// Install 打开当前缓存代并预缓存整个清单。清单并发获取；任何一项获取失败则整体失败，
// 且不写入任何条目。写入阶段失败时，若缓存代由本次安装创建则整体删除。
func (i *Interceptor) Install(ctx context.Context) (err error) {
	started := time.Now()
	defer func() {
		i.metrics.Lifecycle(phaseInstall, err)
		i.logLifecycle(phaseInstall, started, logrus.Fields{"manifest_size": len(i.manifest)}, err)
	}()

	existed, err := i.storage.Has(ctx, i.cacheName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	requests := make([]*http.Request, len(i.manifest))
	for idx, entry := range i.manifest {
		req, err := i.manifestRequest(ctx, entry)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		requests[idx] = req
	}

	responses := make([]*cache.Response, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for idx, req := range requests {
		g.Go(func() error {
			resp, err := i.network.Fetch(gctx, req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
				return fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.Status)
			}
			responses[idx] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	store, err := i.openStore(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	for idx, req := range requests {
		if err := store.Put(ctx, req, responses[idx]); err != nil {
			i.metrics.StoreWrite(err)
			err = fmt.Errorf("%w: store %s: %w", ErrInstallFailed, req.URL, err)
			if !existed {
				err = errors.Join(err, i.discardStore(ctx))
			}
			return err
		}
		i.metrics.StoreWrite(nil)
	}
	i.refreshStoreGauge(ctx)
	return nil
}

// discardStore 删除本次安装创建的缓存代并丢弃已打开的句柄。
func (i *Interceptor) discardStore(ctx context.Context) error {
	i.mu.Lock()
	i.store = nil
	i.mu.Unlock()
	if _, err := i.storage.Delete(context.WithoutCancel(ctx), i.cacheName); err != nil {
		return fmt.Errorf("discard cache %s: %w", i.cacheName, err)
	}
	return nil
}

// Activate 删除所有非当前名称的缓存代，删除并发进行，全部结束后才返回，
// 失败项合并为一个错误。档案未开启 Activation（v1）时不做任何清理。
func (i *Interceptor) Activate(ctx context.Context) (err error) {
	started := time.Now()
	if !i.profile.Activation {
		i.logLifecycle(phaseActivate, started, logrus.Fields{"skipped": true, "policy": i.profile.Key}, nil)
		return nil
	}

	var deleted []string
	defer func() {
		i.metrics.Lifecycle(phaseActivate, err)
		i.logLifecycle(phaseActivate, started, logrus.Fields{"deleted": deleted}, err)
	}()

	names, err := i.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	stale := make([]string, 0, len(names))
	for _, name := range names {
		if name != i.cacheName {
			stale = append(stale, name)
		}
	}

	removed := make([]bool, len(stale))
	errs := make([]error, len(stale))
	var g errgroup.Group
	for idx, name := range stale {
		g.Go(func() error {
			ok, err := i.storage.Delete(ctx, name)
			if err != nil {
				errs[idx] = fmt.Errorf("delete cache %s: %w", name, err)
				return errs[idx]
			}
			removed[idx] = ok
			return nil
		})
	}
	waitErr := g.Wait()

	for idx, name := range stale {
		if removed[idx] {
			deleted = append(deleted, name)
		}
	}
	i.refreshStoreGauge(ctx)
	if waitErr != nil {
		return errors.Join(errs...)
	}
	return nil
}

// manifestRequest 将清单路径解析为 scope 下的绝对 GET 请求。
func (i *Interceptor) manifestRequest(ctx context.Context, entry string) (*http.Request, error) {
	ref, err := url.Parse(entry)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest entry %q: %w", entry, err)
	}
	target := i.scope.ResolveReference(ref)
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

func (i *Interceptor) logLifecycle(phase string, started time.Time, extra logrus.Fields, err error) {
	fields := logging.LifecycleFields(phase, i.cacheName)
	for k, v := range extra {
		fields[k] = v
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		i.logger.WithFields(fields).Error(phase + "_failed")
		return
	}
	i.logger.WithFields(fields).Info(phase + "_complete")
}
