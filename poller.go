package acm

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// backoff implements the §7 retry policy: start at 1s, double on failure up
// to a 60s ceiling. A success returns 0 and clears the state, so the next
// failure waits 1s again.
type backoff struct {
	cur time.Duration
}

const (
	backoffStart   = 1 * time.Second
	backoffCeiling = 60 * time.Second
)

func (b *backoff) next(ok bool) time.Duration {
	if ok {
		b.cur = 0
		return 0
	}
	if b.cur == 0 {
		b.cur = backoffStart
	} else {
		b.cur *= 2
		if b.cur > backoffCeiling {
			b.cur = backoffCeiling
		}
	}
	return b.cur
}

// poller drives the long-poll protocol for one shard's subscription set.
type poller struct {
	shard    int
	registry *watcherRegistry
	config   *configPath
	dispatch *dispatcher
	cfg      *Config
	log      *logrus.Entry
}

func newPoller(shard int, registry *watcherRegistry, config *configPath, dispatch *dispatcher, cfg *Config) *poller {
	return &poller{
		shard:    shard,
		registry: registry,
		config:   config,
		dispatch: dispatch,
		cfg:      cfg,
		log:      cfg.logger(),
	}
}

// run loops until ctx is canceled, exiting early (for later respawn) once
// its shard's subscription set becomes empty.
func (p *poller) run(ctx context.Context) {
	bo := &backoff{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		subs := p.registry.SnapshotShard(p.shard)
		if len(subs) == 0 {
			return
		}

		changed, err := p.pollOnce(ctx, subs)
		delay := bo.next(err == nil)
		if err != nil {
			p.logf("shard %d poll failed: %s", p.shard, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		byKey := make(map[Key]*subscription, len(subs))
		for _, s := range subs {
			byKey[s.key] = s
		}
		for _, ck := range changed {
			key := Key{Tenant: ck.Tenant, Group: ck.Group, DataID: ck.DataID}
			sub, ok := byKey[key]
			if !ok {
				continue
			}
			p.refreshAndDispatch(ctx, sub)
		}
	}
}

// pollOnce issues a single long-poll request for subs and returns the
// server-reported changed keys, in server-response order (authoritative;
// duplicates are handled by the caller applying them in order).
func (p *poller) pollOnce(ctx context.Context, subs []*subscription) ([]changedKey, error) {
	payload := encodeListenerPayload(subs)
	form := url.Values{"Probe-Modify-Request": {payload}}

	timeout := p.cfg.PullingTimeout + 10*time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	signCtx := signContext{tenant: subs[0].key.Tenant, group: subs[0].key.Group}
	body, err := p.longPollRequest(reqCtx, form, signCtx)
	if err != nil {
		return nil, err
	}
	return decodeChangedKeys(body)
}

// longPollRequest mirrors configPath.http.request but adds the
// Long-Pulling-Timeout header the plain request() helper doesn't carry.
func (p *poller) longPollRequest(ctx context.Context, form url.Values, signCtx signContext) (string, error) {
	f := p.config.http
	tried := 0
	maxTries := f.pool.Len()
	if maxTries == 0 {
		maxTries = 1
	}
	for tried < maxTries {
		tried++
		server, err := f.pool.Current("long_poll")
		if err != nil {
			return "", err
		}
		status, respBody, err := p.doLongPoll(ctx, server, form, signCtx)
		if err != nil {
			f.pool.Rotate()
			continue
		}
		if status >= 500 {
			f.pool.Rotate()
			continue
		}
		if status >= 400 {
			return "", &HTTPError{Status: status, Body: respBody}
		}
		return respBody, nil
	}
	return "", &ErrNoServerAvailable{Op: "long_poll"}
}

func (p *poller) doLongPoll(ctx context.Context, server ServerEntry, form url.Values, signCtx signContext) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.baseURL()+"/diamond-server/config.co", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Long-Pulling-Timeout", strconv.FormatInt(p.cfg.PullingTimeout.Milliseconds(), 10))
	req.Header.Set("User-Agent", "ACM-Go-"+userAgentVersion)
	if p.config.http.authEnabled {
		for k, v := range p.config.http.signer.Sign(signCtx) {
			req.Header.Set(k, v)
		}
	}
	resp, err := p.config.http.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

// refreshAndDispatch re-fetches the changed key through configPath.Get with
// the snapshot fallback turned off (a failover file for the key, if one
// exists, is still read first and is not bypassed), updates LastMD5, and
// submits the new content to every
// registered callback. If the re-fetch reports absence, callbacks are
// dispatched with an empty-slice deletion sentinel and LastMD5 is reset. If
// the re-fetch errors, LastMD5 is left unchanged so the next cycle retries.
func (p *poller) refreshAndDispatch(ctx context.Context, sub *subscription) {
	content, err := p.config.Get(ctx, sub.key, p.cfg.DefaultTimeout, true)
	if err != nil {
		p.logf("refresh failed for %s/%s/%s: %s", sub.key.Tenant, sub.key.Group, sub.key.DataID, err)
		return
	}
	if content == nil {
		sub.setLastMD5("")
		for _, rc := range sub.callbacks() {
			p.dispatch.submit(sub.key, rc.fn, []byte{})
		}
		return
	}
	sub.setLastMD5(md5Hex(content))
	for _, rc := range sub.callbacks() {
		p.dispatch.submit(sub.key, rc.fn, content)
	}
}

func (p *poller) logf(format string, args ...interface{}) {
	if p.log == nil {
		return
	}
	p.log.Debugf(format, args...)
}

// pollerSupervisor spawns one poller goroutine per shard the first time it
// becomes non-empty, and lets run() exit (for later respawn) once a shard's
// subscription set drains to zero.
type pollerSupervisor struct {
	mu       sync.Mutex
	running  map[int]bool
	registry *watcherRegistry
	config   *configPath
	dispatch *dispatcher
	cfg      *Config
	ctx      context.Context
	wg       *sync.WaitGroup
}

func newPollerSupervisor(ctx context.Context, wg *sync.WaitGroup, registry *watcherRegistry, config *configPath, dispatch *dispatcher, cfg *Config) *pollerSupervisor {
	return &pollerSupervisor{
		running:  make(map[int]bool),
		registry: registry,
		config:   config,
		dispatch: dispatch,
		cfg:      cfg,
		ctx:      ctx,
		wg:       wg,
	}
}

// ensureSpawned starts shard i's poller if it isn't already running. The
// goroutine it starts only clears its running flag once it has verified,
// under s.mu, that the shard is actually empty - closing the window where a
// concurrent Add lands a subscription in a shard that is mid-exit and would
// otherwise never get re-polled (see the loop below).
func (s *pollerSupervisor) ensureSpawned(shard int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[shard] {
		return
	}
	s.running[shard] = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			p := newPoller(shard, s.registry, s.config, s.dispatch, s.cfg)
			p.run(s.ctx)

			s.mu.Lock()
			if s.ctx.Err() != nil || len(s.registry.SnapshotShard(shard)) == 0 {
				delete(s.running, shard)
				s.mu.Unlock()
				return
			}
			// a subscription landed in this shard between run()'s emptiness
			// check and this point: keep serving it instead of exiting.
			s.mu.Unlock()
		}
	}()
}
