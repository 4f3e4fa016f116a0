package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/policy"
	_ "github.com/any-hub/offline-map/internal/policy/v1"
	_ "github.com/any-hub/offline-map/internal/policy/v2"
)

const (
	scopeURL = "http://map.local"
	tileURL  = "https://a.tile.openstreetmap.org/5/16/10.png"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork serves bodies by URL and counts fetches; offline simulates an unreachable network.
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	hits    map[string]int
	offline bool
	gate    chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies: map[string]string{
			scopeURL + "/":            "root",
			scopeURL + "/index.html":  "<html>v1</html>",
			scopeURL + "/leaflet.css": "css",
			scopeURL + "/leaflet.js":  "js",
			scopeURL + "/data.csv":    "lat,lng",
			tileURL:                   "png-bytes",
		},
		hits: map[string]int{},
	}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.URL.String()
	n.hits[key]++
	if n.offline {
		return nil, errOffline
	}
	body, ok := n.bodies[key]
	if !ok {
		return nil, errors.New("resource does not exist")
	}
	return &cache.Response{
		URL:    key,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (n *fakeNetwork) set(rawURL, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[rawURL] = body
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) hitCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[rawURL]
}

func newTestInterceptor(t *testing.T, profileKey, cacheName string, storage cache.Storage, network Network) *Interceptor {
	t.Helper()
	profile, ok := policy.Resolve(profileKey)
	if !ok {
		t.Fatalf("profile %s not registered", profileKey)
	}
	scope, _ := url.Parse(scopeURL)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ic, err := New(Options{
		CacheName:  cacheName,
		Storage:    storage,
		Network:    network,
		Manifest:   policy.DefaultManifest(),
		Scope:      scope,
		Profile:    profile,
		Classifier: policy.NewClassifier("", ""),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	return ic
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage(cache.DriverFS, t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	return storage
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

func matchBody(t *testing.T, storage cache.Storage, cacheName, rawURL string) (string, bool) {
	t.Helper()
	store, err := storage.Open(context.Background(), cacheName)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	resp, err := store.Match(context.Background(), getRequest(t, rawURL))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	return string(resp.Body), true
}

func TestNewValidatesOptions(t *testing.T) {
	storage := newTestStorage(t)
	profile, _ := policy.Resolve("v2")
	if _, err := New(Options{Storage: storage, Network: newFakeNetwork(), Profile: profile}); err == nil {
		t.Fatalf("missing cache name should fail")
	}
	if _, err := New(Options{CacheName: "c", Network: newFakeNetwork(), Profile: profile}); err == nil {
		t.Fatalf("missing storage should fail")
	}
	if _, err := New(Options{CacheName: "c", Storage: storage, Profile: profile}); err == nil {
		t.Fatalf("missing network should fail")
	}
	if _, err := New(Options{CacheName: "c", Storage: storage, Network: newFakeNetwork(), Profile: profile, Manifest: []string{"/"}}); err == nil {
		t.Fatalf("manifest without scope should fail")
	}
}

func TestInstallPrecachesManifest(t *testing.T) {
	for _, key := range []string{"v1", "v2"} {
		t.Run(key, func(t *testing.T) {
			storage := newTestStorage(t)
			ic := newTestInterceptor(t, key, "birds-map-cache-"+key, storage, newFakeNetwork())

			if err := ic.Install(context.Background()); err != nil {
				t.Fatalf("install error: %v", err)
			}

			store, _ := storage.Open(context.Background(), ic.CacheName())
			for _, entry := range policy.DefaultManifest() {
				resp, err := store.Match(context.Background(), getRequest(t, scopeURL+entry))
				if err != nil {
					t.Fatalf("manifest entry %s missing: %v", entry, err)
				}
				if resp.Status != http.StatusOK {
					t.Fatalf("manifest entry %s status %d", entry, resp.Status)
				}
			}
		})
	}
}

func TestInstallFailsWholesale(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	network.mu.Lock()
	delete(network.bodies, scopeURL+"/data.csv")
	network.mu.Unlock()

	ic := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, network)
	err := ic.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}

	store, _ := storage.Open(context.Background(), "birds-map-cache-v2")
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("failed install must not write entries, found %v", keys)
	}
}

func TestActivateKeepsOnlyCurrentGeneration(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	for _, name := range []string{"birds-map-cache-v0", "birds-map-cache-v1", "scratch"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}

	ic := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, newFakeNetwork())
	if err := ic.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := ic.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	names, err := storage.Names(ctx)
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 1 || names[0] != "birds-map-cache-v2" {
		t.Fatalf("expected only current generation, got %v", names)
	}
}

func TestActivateV1LeavesOldGenerations(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	if _, err := storage.Open(ctx, "birds-map-cache-v0"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	ic := newTestInterceptor(t, "v1", "birds-map-cache-v1", storage, newFakeNetwork())
	if err := ic.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := ic.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	names, _ := storage.Names(ctx)
	if len(names) != 2 {
		t.Fatalf("v1 should not clean up generations, got %v", names)
	}
}

func TestV1TileWriteBackIdempotence(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	ic := newTestInterceptor(t, "v1", "birds-map-cache-v1", storage, network)
	ctx := context.Background()

	resp, outcome, err := ic.Fetch(ctx, getRequest(t, tileURL))
	if err != nil {
		t.Fatalf("first fetch error: %v", err)
	}
	if outcome.Class != policy.ClassTile || outcome.Strategy != policy.StrategyCacheFirst {
		t.Fatalf("unexpected dispatch: %+v", outcome)
	}
	if outcome.CacheHit {
		t.Fatalf("first tile fetch should miss")
	}
	if string(resp.Body) != "png-bytes" {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if network.hitCount(tileURL) != 1 {
		t.Fatalf("expected one network fetch, got %d", network.hitCount(tileURL))
	}
	if _, ok := matchBody(t, storage, "birds-map-cache-v1", tileURL); !ok {
		t.Fatalf("tile should be written back")
	}

	_, outcome, err = ic.Fetch(ctx, getRequest(t, tileURL))
	if err != nil {
		t.Fatalf("second fetch error: %v", err)
	}
	if !outcome.CacheHit {
		t.Fatalf("second tile fetch should hit cache")
	}
	if network.hitCount(tileURL) != 1 {
		t.Fatalf("second fetch must not touch network, got %d", network.hitCount(tileURL))
	}
}

func TestV1NonTileNoWriteBack(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	extra := scopeURL + "/marker.png"
	network.set(extra, "marker")
	ic := newTestInterceptor(t, "v1", "birds-map-cache-v1", storage, network)

	resp, outcome, err := ic.Fetch(context.Background(), getRequest(t, extra))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if outcome.Strategy != policy.StrategyCacheOrNetwork {
		t.Fatalf("unexpected strategy: %s", outcome.Strategy)
	}
	if string(resp.Body) != "marker" {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if _, ok := matchBody(t, storage, "birds-map-cache-v1", extra); ok {
		t.Fatalf("non-tile resource must not be written back")
	}
}

func TestV1ServesManifestOffline(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	ic := newTestInterceptor(t, "v1", "birds-map-cache-v1", storage, network)
	ctx := context.Background()
	if err := ic.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	network.setOffline(true)

	resp, outcome, err := ic.Fetch(ctx, getRequest(t, scopeURL+"/index.html"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !outcome.CacheHit || string(resp.Body) != "<html>v1</html>" {
		t.Fatalf("expected cached index, got %+v %s", outcome, resp.Body)
	}

	if _, _, err := ic.Fetch(ctx, getRequest(t, scopeURL+"/unknown.js")); !errors.Is(err, errOffline) {
		t.Fatalf("uncached resource should fail with network error, got %v", err)
	}
}

func TestV2NavigationNetworkFirstFallback(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	ic := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, network)
	ctx := context.Background()
	if err := ic.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}

	network.set(scopeURL+"/index.html", "<html>v2</html>")
	resp, outcome, err := ic.Fetch(ctx, getRequest(t, scopeURL+"/index.html"))
	if err != nil {
		t.Fatalf("online fetch error: %v", err)
	}
	if outcome.Strategy != policy.StrategyNetworkFirst || outcome.CacheHit {
		t.Fatalf("online navigation should come from network: %+v", outcome)
	}
	if string(resp.Body) != "<html>v2</html>" {
		t.Fatalf("expected fresh body, got %s", resp.Body)
	}
	if body, _ := matchBody(t, storage, "birds-map-cache-v2", scopeURL+"/index.html"); body != "<html>v2</html>" {
		t.Fatalf("fresh body should be written back, got %s", body)
	}

	network.setOffline(true)
	resp, outcome, err = ic.Fetch(ctx, getRequest(t, scopeURL+"/index.html"))
	if err != nil {
		t.Fatalf("offline fetch should fall back to cache: %v", err)
	}
	if !outcome.Fallback || !outcome.CacheHit {
		t.Fatalf("expected fallback outcome, got %+v", outcome)
	}
	if string(resp.Body) != "<html>v2</html>" {
		t.Fatalf("expected cached body, got %s", resp.Body)
	}
}

func TestV2NavigationFailsWithoutCache(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	network.setOffline(true)
	ic := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, network)

	_, _, err := ic.Fetch(context.Background(), getRequest(t, scopeURL+"/index.html"))
	if !errors.Is(err, errOffline) {
		t.Fatalf("expected network error to propagate, got %v", err)
	}
}

func TestV2StaleWhileRevalidateFreshness(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	ic := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, network)
	ctx := context.Background()
	if err := ic.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}

	network.set(scopeURL+"/data.csv", "lat,lng,species")
	gate := make(chan struct{})
	network.mu.Lock()
	network.gate = gate
	network.mu.Unlock()

	resp, outcome, err := ic.Fetch(ctx, getRequest(t, scopeURL+"/data.csv"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if outcome.Strategy != policy.StrategyStaleWhileRevalidate || !outcome.CacheHit || !outcome.Revalidating {
		t.Fatalf("expected stale hit, got %+v", outcome)
	}
	if string(resp.Body) != "lat,lng" {
		t.Fatalf("expected cached body while revalidating, got %s", resp.Body)
	}

	close(gate)
	ic.Wait()

	if body, _ := matchBody(t, storage, "birds-map-cache-v2", scopeURL+"/data.csv"); body != "lat,lng,species" {
		t.Fatalf("background refresh should store new body, got %s", body)
	}
}

func TestV2StaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	ic := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, network)

	resp, outcome, err := ic.Fetch(context.Background(), getRequest(t, tileURL))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if outcome.CacheHit {
		t.Fatalf("empty cache cannot hit")
	}
	if string(resp.Body) != "png-bytes" {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	ic.Wait()
	if _, ok := matchBody(t, storage, "birds-map-cache-v2", tileURL); !ok {
		t.Fatalf("network result should be stored")
	}

	network.setOffline(true)
	missing := scopeURL + "/never-seen.css"
	if _, _, err := ic.Fetch(context.Background(), getRequest(t, missing)); !errors.Is(err, errOffline) {
		t.Fatalf("miss with network down should fail, got %v", err)
	}
	ic.Wait()
}

func TestNonGETBypassesCache(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	ic := newTestInterceptor(t, "v1", "birds-map-cache-v1", storage, network)

	req, _ := http.NewRequest(http.MethodPost, tileURL, nil)
	_, outcome, err := ic.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !outcome.Bypass {
		t.Fatalf("POST should bypass cache")
	}
	if _, ok := matchBody(t, storage, "birds-map-cache-v1", tileURL); ok {
		t.Fatalf("bypassed request must not be stored")
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	v1 := newTestInterceptor(t, "v1", "birds-map-cache-v1", storage, network)
	v2 := newTestInterceptor(t, "v2", "birds-map-cache-v2", storage, network)
	ctx := context.Background()

	if _, _, err := v1.Fetch(ctx, getRequest(t, tileURL)); err != nil {
		t.Fatalf("v1 fetch error: %v", err)
	}
	if _, ok := matchBody(t, storage, "birds-map-cache-v2", tileURL); ok {
		t.Fatalf("v1 write must not leak into v2 generation")
	}
	_, outcome, err := v2.Fetch(ctx, getRequest(t, tileURL))
	if err != nil {
		t.Fatalf("v2 fetch error: %v", err)
	}
	if outcome.CacheHit {
		t.Fatalf("v2 should not see v1 entries")
	}
	v2.Wait()
}
