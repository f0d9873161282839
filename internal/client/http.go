package client

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

var ErrNoClient = errors.New("no http client for proxy")

// Doer is the part of an HTTP client the probes need. tls_client.HttpClient
// and *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Factory builds a Doer that routes through proxyURL. An empty proxyURL
// means a direct connection.
type Factory func(proxyURL string, timeout time.Duration) (Doer, error)

var clientProfiles = []profiles.ClientProfile{
	profiles.Chrome_120,
	profiles.Chrome_117,
}

// New returns a tls-client with a browser TLS fingerprint. Redirects are
// never followed so the caller sees the first status code.
func New(proxyURL string, timeout time.Duration) (Doer, error) {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(secs),
		tls_client.WithClientProfile(clientProfiles[rand.Intn(len(clientProfiles))]),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
}

// Cache keeps one client per proxy endpoint so connections are reused
// across probes through the same proxy.
type Cache struct {
	factory Factory
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]Doer
}

func NewCache(factory Factory, timeout time.Duration) *Cache {
	if factory == nil {
		factory = New
	}
	return &Cache{
		factory: factory,
		timeout: timeout,
		clients: make(map[string]Doer),
	}
}

func (c *Cache) Get(proxyURL string) (Doer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.clients[proxyURL]; ok {
		return d, nil
	}
	d, err := c.factory(proxyURL, c.timeout)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNoClient
	}
	c.clients[proxyURL] = d
	return d, nil
}

// Forget drops the cached client for proxyURL and closes its idle
// connections.
func (c *Cache) Forget(proxyURL string) {
	c.mu.Lock()
	d, ok := c.clients[proxyURL]
	delete(c.clients, proxyURL)
	c.mu.Unlock()

	if !ok {
		return
	}
	if closer, ok := d.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
