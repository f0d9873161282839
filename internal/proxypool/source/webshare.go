package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"github.com/yourneighborhoodchef/tokcheck/internal/client"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

const DefaultWebshareURL = "https://proxy.webshare.io"

type webshareList struct {
	Results []webshareProxy `json:"results"`
}

type webshareProxy struct {
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	Ports        struct {
		HTTP   int `json:"http"`
		SOCKS5 int `json:"socks5"`
	} `json:"ports"`
	Username string `json:"username"`
	Password string `json:"password"`
	Valid    *bool  `json:"valid"`
}

// Webshare lists proxies leased from the Webshare API.
type Webshare struct {
	baseURL  string
	apiKey   string
	protocol string
	timeout  time.Duration
	doer     client.Doer
}

func NewWebshare(baseURL, apiKey, protocol string, timeout time.Duration, doer client.Doer) *Webshare {
	if baseURL == "" {
		baseURL = DefaultWebshareURL
	}
	if protocol == "" {
		protocol = "http"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}
	return &Webshare{
		baseURL:  baseURL,
		apiKey:   apiKey,
		protocol: protocol,
		timeout:  timeout,
		doer:     doer,
	}
}

func (w *Webshare) Name() string { return "webshare" }

func (w *Webshare) Fetch(ctx context.Context, maxCount int) ([]string, error) {
	l := logging.WithComponent("ProxyPool/Source")

	if maxCount <= 0 {
		maxCount = 25
	}
	q := url.Values{}
	q.Set("mode", "direct")
	q.Set("page", "1")
	q.Set("page_size", strconv.Itoa(maxCount))
	endpoint := w.baseURL + "/api/v2/proxy/list/?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", "Token "+w.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := w.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sample := string(body)
		if len(sample) > 200 {
			sample = sample[:200] + "..."
		}
		l.Warn().Int("status_code", resp.StatusCode).Str("body", sample).Msg("Provider returned non-success status.")
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var list webshareList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", ErrUpstreamUnavailable, err)
	}

	endpoints := make([]string, 0, len(list.Results))
	for _, item := range list.Results {
		ep, ok := w.endpointFor(item)
		if !ok {
			l.Debug().Str("proxy_address", item.ProxyAddress).Msg("Skipping incomplete provider entry.")
			continue
		}
		endpoints = append(endpoints, ep)
		if len(endpoints) >= maxCount {
			break
		}
	}

	l.Info().Int("count", len(endpoints)).Int("listed", len(list.Results)).Msg("Fetched proxies from provider.")
	return endpoints, nil
}

func (w *Webshare) endpointFor(item webshareProxy) (string, bool) {
	if item.Valid != nil && !*item.Valid {
		return "", false
	}
	if item.ProxyAddress == "" {
		return "", false
	}

	port := item.Port
	if port == 0 {
		if w.protocol == "socks5" {
			port = item.Ports.SOCKS5
		} else {
			port = item.Ports.HTTP
		}
	}
	if port == 0 {
		return "", false
	}

	u := url.URL{
		Scheme: w.protocol,
		Host:   net.JoinHostPort(item.ProxyAddress, strconv.Itoa(port)),
	}
	if item.Username != "" {
		u.User = url.UserPassword(item.Username, item.Password)
	}
	return u.String(), true
}
