package acm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// configPath composes C1-C5 to implement get/publish/remove/list_all.
type configPath struct {
	pool  *serverPool
	http  *httpFacade
	store *fileStore
	kms   *kmsEnvelope
	cfg   *Config
}

func newConfigPath(pool *serverPool, http *httpFacade, store *fileStore, kms *kmsEnvelope, cfg *Config) *configPath {
	return &configPath{pool: pool, http: http, store: store, kms: kms, cfg: cfg}
}

// Get implements the three-tier read path: failover overlay, remote fetch
// with server rotation, snapshot cache. Returns (nil, nil) if the control
// plane reports the key absent (404), distinct from an empty-but-present
// value (which is returned as a non-nil, zero-length slice).
func (c *configPath) Get(ctx context.Context, key Key, timeout time.Duration, noSnapshot bool) ([]byte, error) {
	if content, ok := c.store.readFailover(key); ok {
		return c.kms.decryptIfNeeded(key, content)
	}

	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	params := url.Values{
		"dataId": {key.DataID},
		"group":  {key.Group},
		"tenant": {key.Tenant},
	}
	signCtx := signContext{tenant: key.Tenant, group: key.Group}
	body, err := c.http.request(ctx, "get", http.MethodGet, "/diamond-server/config.co", params, nil, timeout, signCtx)
	if err == nil {
		content := []byte(body)
		c.store.writeSnapshot(key, content)
		return c.kms.decryptIfNeeded(key, content)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == http.StatusNotFound {
			c.store.deleteSnapshot(key)
			return nil, nil
		}
		return nil, err
	}

	// transport error / all servers exhausted: fall through to snapshot
	if noSnapshot {
		return nil, &ErrNoServerAvailable{Op: "get"}
	}
	if content, ok := c.store.readSnapshot(key); ok {
		return c.kms.decryptIfNeeded(key, content)
	}
	return nil, &ErrNoServerAvailable{Op: "get"}
}

// Publish stores content for key. Content must be non-nil; the empty string
// is a valid, distinct-from-absent value.
func (c *configPath) Publish(ctx context.Context, key Key, content []byte, timeout time.Duration) error {
	if content == nil {
		return fmt.Errorf("acm: publish requires non-nil content")
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	stored, err := c.kms.encryptIfNeeded(key, content)
	if err != nil {
		return err
	}
	form := url.Values{
		"dataId":  {key.DataID},
		"group":   {key.Group},
		"tenant":  {key.Tenant},
		"content": {string(stored)},
		"appName": {c.cfg.AppName},
	}
	signCtx := signContext{tenant: key.Tenant, group: key.Group}
	_, err = c.http.request(ctx, "publish", http.MethodPost, "/diamond-server/basestone.do?method=syncUpdateAll", nil, form, timeout, signCtx)
	if err != nil {
		return err
	}
	c.store.writeSnapshot(key, stored)
	return nil
}

// Remove deletes key from the control plane.
func (c *configPath) Remove(ctx context.Context, key Key, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	form := url.Values{
		"dataId": {key.DataID},
		"group":  {key.Group},
		"tenant": {key.Tenant},
	}
	signCtx := signContext{tenant: key.Tenant, group: key.Group}
	_, err := c.http.request(ctx, "remove", http.MethodPost, "/diamond-server/datum.do?method=deleteAllDatums", nil, form, timeout, signCtx)
	if err != nil {
		return err
	}
	c.store.deleteSnapshot(key)
	return nil
}

// ConfigItem is one row of a list_all page.
type ConfigItem struct {
	DataID  string `json:"dataId"`
	Group   string `json:"group"`
	Content string `json:"content"`
}

type listAllPage struct {
	PageNumber     int          `json:"pageNumber"`
	PagesAvailable int          `json:"pagesAvailable"`
	PageItems      []ConfigItem `json:"pageItems"`
}

// listAllSnapshotKey addresses the cached full-tenant listing, reusing the
// same keyed snapshot store that backs Get rather than a separate cache.
func listAllSnapshotKey(tenant string) Key {
	return Key{Tenant: tenant, Group: "list-all", DataID: "snapshot"}
}

// ListAll paginates over getAllConfigByTenant, accumulating every page, then
// applies groupFilter/prefixFilter client-side. Empty filters match
// everything. The unfiltered result is cached as a JSON snapshot; if the
// first page fetch fails outright, ListAll falls back to that cache the same
// way Get falls back to its own per-key snapshot.
func (c *configPath) ListAll(ctx context.Context, tenant, groupFilter, prefixFilter string, timeout time.Duration) ([]ConfigItem, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	var all []ConfigItem
	pageNo := 1
	for {
		params := url.Values{
			"tenant":   {tenant},
			"group":    {groupFilter},
			"pageNo":   {itoa(pageNo)},
			"pageSize": {"100"},
		}
		signCtx := signContext{tenant: tenant, group: groupFilter}
		body, err := c.http.request(ctx, "list_all", http.MethodGet, "/diamond-server/basestone.do?method=getAllConfigByTenant", params, nil, timeout, signCtx)
		if err != nil {
			if pageNo == 1 {
				if cached, ok := c.readListAllSnapshot(tenant); ok {
					return filterConfigItems(cached, groupFilter, prefixFilter), nil
				}
			}
			return nil, err
		}
		var page listAllPage
		if err := json.Unmarshal([]byte(body), &page); err != nil {
			return nil, fmt.Errorf("acm: decode list_all page: %w", err)
		}
		// cheap sanity check without a full struct: a page with no
		// pageItems field ends the listing
		if !gjson.Get(body, "pageItems").Exists() {
			break
		}
		all = append(all, page.PageItems...)
		if page.PageNumber >= page.PagesAvailable || page.PagesAvailable == 0 {
			break
		}
		pageNo = page.PageNumber + 1
	}
	c.writeListAllSnapshot(tenant, all)
	return filterConfigItems(all, groupFilter, prefixFilter), nil
}

func filterConfigItems(items []ConfigItem, groupFilter, prefixFilter string) []ConfigItem {
	var out []ConfigItem
	for _, item := range items {
		if groupFilter != "" && item.Group != groupFilter {
			continue
		}
		if prefixFilter != "" && !hasPrefix(item.DataID, prefixFilter) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// writeListAllSnapshot persists the unfiltered listing as a JSON array built
// with sjson, mirroring the snapshot-on-success discipline of Get.
func (c *configPath) writeListAllSnapshot(tenant string, items []ConfigItem) {
	doc, err := MarshalConfigItemsJSON(items)
	if err != nil {
		return
	}
	c.store.writeSnapshot(listAllSnapshotKey(tenant), []byte(doc))
}

// readListAllSnapshot reads back a cached listing, extracting each item with
// gjson rather than unmarshaling into []ConfigItem directly.
func (c *configPath) readListAllSnapshot(tenant string) ([]ConfigItem, bool) {
	raw, ok := c.store.readSnapshot(listAllSnapshotKey(tenant))
	if !ok {
		return nil, false
	}
	results := gjson.ParseBytes(raw).Array()
	items := make([]ConfigItem, 0, len(results))
	for _, r := range results {
		items = append(items, ConfigItem{
			DataID:  r.Get("dataId").String(),
			Group:   r.Get("group").String(),
			Content: r.Get("content").String(),
		})
	}
	return items, true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}

// MarshalConfigItemsJSON renders a ListAll result as a single JSON array,
// built incrementally with sjson field-by-field rather than round-tripping
// through a single large struct marshal. ListAll itself uses this to persist
// its own snapshot cache (see listAllSnapshotKey); it is also exported for
// callers that want to export/dump the current config set without depending
// on this package's ConfigItem type.
func MarshalConfigItemsJSON(items []ConfigItem) (string, error) {
	doc := "[]"
	var err error
	for i, item := range items {
		prefix := itoa(i)
		doc, err = sjson.Set(doc, prefix+".dataId", item.DataID)
		if err != nil {
			return "", err
		}
		doc, err = sjson.Set(doc, prefix+".group", item.Group)
		if err != nil {
			return "", err
		}
		doc, err = sjson.Set(doc, prefix+".content", item.Content)
		if err != nil {
			return "", err
		}
	}
	return doc, nil
}

// md5Hex is the content-hash function used for Subscription.LastMD5.
func md5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}
