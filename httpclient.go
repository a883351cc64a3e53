package acm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const userAgentVersion = "1.0.0"

// httpFacade is the single entry point for outbound control-plane requests.
// It chooses a server from the pool, signs the request, retries on the next
// server for transport errors/5xx, and propagates 4xx immediately.
type httpFacade struct {
	pool        *serverPool
	signer      *signer
	client      *http.Client
	appName     string
	authEnabled bool
	log         *logrus.Entry
}

func newHTTPFacade(pool *serverPool, signer *signer, cfg *Config) *httpFacade {
	return &httpFacade{
		pool:        pool,
		signer:      signer,
		client:      &http.Client{Timeout: 0}, // per-request timeout is set via context
		appName:     cfg.AppName,
		authEnabled: cfg.AuthEnabled,
		log:         cfg.logger(),
	}
}

// request issues method against path on a rotating set of servers. For GET,
// params is encoded into the URL query; for POST, formBody is sent as the
// form-encoded body and params is not used. timeout bounds the whole call (including retries
// across servers). Returns the decoded body on 200.
func (f *httpFacade) request(ctx context.Context, op, method, path string, params url.Values, formBody url.Values, timeout time.Duration, signCtx signContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tried := 0
	maxTries := f.pool.Len()
	if maxTries == 0 {
		maxTries = 1
	}
	var lastErr error
	for tried < maxTries {
		tried++
		server, err := f.pool.Current(op)
		if err != nil {
			return "", err
		}
		status, respBody, err := f.doOnce(ctx, method, server, path, params, formBody, signCtx)
		if err != nil {
			lastErr = err
			f.logf("request to %s failed, rotating: %s", server.baseURL(), err)
			f.pool.Rotate()
			continue
		}
		if status >= 500 {
			lastErr = &HTTPError{Status: status, Body: respBody}
			f.logf("request to %s returned %d, rotating", server.baseURL(), status)
			f.pool.Rotate()
			continue
		}
		if status >= 400 {
			return "", &HTTPError{Status: status, Body: respBody}
		}
		return respBody, nil
	}
	if lastErr != nil {
		return "", &ErrNoServerAvailable{Op: op}
	}
	return "", &ErrNoServerAvailable{Op: op}
}

func (f *httpFacade) doOnce(ctx context.Context, method string, server ServerEntry, path string, params, formBody url.Values, signCtx signContext) (int, string, error) {
	fullURL := server.baseURL() + path
	var req *http.Request
	var err error
	if method == http.MethodGet {
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, bytes.NewBufferString(formBody.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", "ACM-Go-"+userAgentVersion)
	req.Header.Set("Accept-Encoding", "gzip,deflate")
	if f.authEnabled {
		for k, v := range f.signer.Sign(signCtx) {
			req.Header.Set(k, v)
		}
	}

	resp, err := f.client.Do(req)
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

func (f *httpFacade) logf(format string, args ...interface{}) {
	if f.log == nil {
		return
	}
	f.log.Debugf(format, args...)
}
