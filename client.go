package acm

import (
	"context"
	"sync"
	"time"
)

// Client is the entry point of this package: it owns a server pool, a
// watcher registry, a pool of poller-shard goroutines, a callback
// dispatcher, and an optional address-server discovery goroutine.
type Client struct {
	cfg      *Config
	pool     *serverPool
	config   *configPath
	registry *watcherRegistry
	dispatch *dispatcher
	pollers  *pollerSupervisor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New constructs a Client from cfg and starts its background goroutines
// (address-server discovery, if enabled). Poller shards are spawned lazily
// by AddWatcher.
func New(cfg *Config) (*Client, error) {
	pool, err := newServerPool(cfg)
	if err != nil {
		return nil, err
	}
	sg := newSigner(cfg)
	facade := newHTTPFacade(pool, sg, cfg)
	store := newFileStore(cfg)
	envelope := newKMSEnvelope(cfg)
	cp := newConfigPath(pool, facade, store, envelope, cfg)
	registry := newWatcherRegistry(cfg.PullingConfigSize)
	dispatch := newDispatcher(cfg.CallbackThreadNum, cfg.ListenerQueueDepth, cfg.logger())

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		pool:     pool,
		config:   cp,
		registry: registry,
		dispatch: dispatch,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.pollers = newPollerSupervisor(ctx, &c.wg, registry, cp, dispatch, cfg)

	if cfg.AddressServerEnabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			pool.runDiscovery(ctx, addressDiscoveryInterval)
		}()
	}
	return c, nil
}

// Get fetches the current value of key. A zero timeout uses cfg.DefaultTimeout.
func (c *Client) Get(ctx context.Context, dataID, group string) ([]byte, error) {
	return c.GetWithOptions(ctx, dataID, group, "", 0)
}

// GetWithOptions is Get with an explicit tenant and timeout.
func (c *Client) GetWithOptions(ctx context.Context, dataID, group, tenant string, timeout time.Duration) ([]byte, error) {
	key := NewKey(dataID, group, tenant)
	return c.config.Get(ctx, key, timeout, c.cfg.NoSnapshot)
}

// Publish stores content for (dataID, group).
func (c *Client) Publish(ctx context.Context, dataID, group string, content []byte) error {
	return c.PublishWithOptions(ctx, dataID, group, "", content, 0)
}

// PublishWithOptions is Publish with an explicit tenant and timeout.
func (c *Client) PublishWithOptions(ctx context.Context, dataID, group, tenant string, content []byte, timeout time.Duration) error {
	key := NewKey(dataID, group, tenant)
	return c.config.Publish(ctx, key, content, timeout)
}

// Remove deletes (dataID, group).
func (c *Client) Remove(ctx context.Context, dataID, group string) error {
	return c.RemoveWithOptions(ctx, dataID, group, "", 0)
}

// RemoveWithOptions is Remove with an explicit tenant and timeout.
func (c *Client) RemoveWithOptions(ctx context.Context, dataID, group, tenant string, timeout time.Duration) error {
	key := NewKey(dataID, group, tenant)
	return c.config.Remove(ctx, key, timeout)
}

// ListAll aggregates every page of getAllConfigByTenant, then applies
// groupFilter/prefixFilter client-side.
func (c *Client) ListAll(ctx context.Context, tenant, groupFilter, prefixFilter string) ([]ConfigItem, error) {
	return c.config.ListAll(ctx, tenant, groupFilter, prefixFilter, 0)
}

// AddWatcher registers cb to be invoked whenever the server-side value of
// (dataID, group, tenant) changes. Returns a handle for RemoveWatcher.
// Repeated registrations on the same key merge into one subscription; the
// same callback added twice fires twice per change.
func (c *Client) AddWatcher(dataID, group, tenant string, cb Callback) CallbackHandle {
	key := NewKey(dataID, group, tenant)
	handle, sub, _ := c.registry.Add(key, cb)
	c.pollers.ensureSpawned(sub.shard)
	return handle
}

// RemoveWatcher deregisters a single callback previously returned by
// AddWatcher. After it returns, that callback receives no further
// invocations for changes observed by subsequent poll cycles.
func (c *Client) RemoveWatcher(dataID, group, tenant string, handle CallbackHandle) {
	key := NewKey(dataID, group, tenant)
	c.registry.Remove(key, handle)
}

// RemoveWatchers removes every callback registered on (dataID, group, tenant).
func (c *Client) RemoveWatchers(dataID, group, tenant string) {
	key := NewKey(dataID, group, tenant)
	c.registry.RemoveAll(key)
}

// Close signals all background goroutines to stop, waits up to
// PullingTimeout for poller shards to exit their in-flight long poll, then
// drains and joins the callback dispatcher.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.cfg.PullingTimeout):
		}
		c.dispatch.Close()
	})
}
