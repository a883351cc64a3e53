package acm

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerEntry is one control-plane host the client may talk to.
type ServerEntry struct {
	Host string
	Port int
	TLS  bool
}

func (s ServerEntry) baseURL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// serverPool resolves and rotates the list of control-plane hosts. It is
// safe for concurrent use.
type serverPool struct {
	mu            sync.Mutex
	servers       []ServerEntry
	current       int
	everSucceeded bool
	lastFailure   map[int]time.Time

	// address-server discovery, optional
	addrServerEndpoint string
	addrServerPort     int
	tlsEnabled         bool
	httpClient         *http.Client
	log                *logrus.Entry
}

// newServerPool builds a pool from static config. If cfg.AddressServerEnabled
// is false, endpoint is parsed once as "host[:port]" and used directly.
func newServerPool(cfg *Config) (*serverPool, error) {
	p := &serverPool{
		lastFailure:        make(map[int]time.Time),
		addrServerEndpoint: cfg.Endpoint,
		addrServerPort:     cfg.AddressServerPort,
		tlsEnabled:         cfg.TLSEnabled,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
		log:                cfg.logger(),
	}
	if !cfg.AddressServerEnabled {
		host, port := splitHostPort(cfg.Endpoint, 8080)
		p.servers = []ServerEntry{{Host: host, Port: port, TLS: cfg.TLSEnabled}}
		p.everSucceeded = true
		return p, nil
	}
	return p, nil
}

func splitHostPort(endpoint string, defaultPort int) (string, int) {
	host, portStr, found := strings.Cut(endpoint, ":")
	if !found {
		return endpoint, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

// Current returns the entry at the current index.
func (p *serverPool) Current(op string) (ServerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.servers) == 0 || !p.everSucceeded {
		return ServerEntry{}, &ErrNoServerAvailable{Op: op}
	}
	return p.servers[p.current], nil
}

// Rotate advances the index by one, modulo the list length, and records a
// failure timestamp for the previously-current entry (diagnostics only).
func (p *serverPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.servers) == 0 {
		return
	}
	p.lastFailure[p.current] = time.Now()
	p.current = (p.current + 1) % len(p.servers)
}

// Len reports how many distinct servers are currently known.
func (p *serverPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// runDiscovery re-resolves the address server every interval until ctx is
// canceled. It returns at once if no endpoint is configured; Client.New
// starts it only when address-server mode is enabled.
func (p *serverPool) runDiscovery(ctx context.Context, interval time.Duration) {
	if p.addrServerEndpoint == "" {
		return
	}
	p.discoverOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.discoverOnce(ctx)
		}
	}
}

func (p *serverPool) discoverOnce(ctx context.Context) {
	url := fmt.Sprintf("http://%s:%d/diamond-server/diamond", p.addrServerEndpoint, p.addrServerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logf("address server request build failed: %s", err)
		return
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logf("address server discovery failed: %s", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logf("address server returned status %d", resp.StatusCode)
		return
	}
	var hosts []ServerEntry
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		hosts = append(hosts, ServerEntry{Host: line, Port: 8080, TLS: p.tlsEnabled})
	}
	if len(hosts) == 0 {
		// retain the previous list per the failure model in spec §4.1
		p.logf("address server discovery returned zero entries, retaining previous list")
		return
	}
	p.mu.Lock()
	p.servers = hosts
	if p.current >= len(p.servers) {
		p.current = 0
	}
	p.everSucceeded = true
	p.mu.Unlock()
}

func (p *serverPool) logf(format string, args ...interface{}) {
	if p.log == nil {
		return
	}
	p.log.Debugf(format, args...)
}
