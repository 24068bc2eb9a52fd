// Package httpclient implements the JSON GET/POST, HTTP CONNECT tunnel,
// and WebSocket-upgrade HTTP client spec.md §4.2 describes: URL parsing,
// HTTP-proxy support with no_proxy matching, TLS trust-store overrides,
// and response caching for the JSON GET path.
package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/logger"
)

// Config configures a Client's TLS trust store and proxy resolution.
// Proxies default to the process environment (HTTP_PROXY/HTTPS_PROXY/
// NO_PROXY) when Proxies is nil.
type Config struct {
	CAFiles []string
	Proxies *Proxies
}

// Proxies holds the resolved proxy URLs per scheme and the no_proxy list.
type Proxies struct {
	HTTP    string
	HTTPS   string
	NoProxy string
}

// ProxiesFromEnvironment reads HTTP_PROXY, HTTPS_PROXY and NO_PROXY (and
// their lowercase forms) the way curl and most HTTP libraries do.
func ProxiesFromEnvironment() *Proxies {
	env := func(names ...string) string {
		for _, n := range names {
			if v := os.Getenv(n); v != "" {
				return v
			}
		}
		return ""
	}
	return &Proxies{
		HTTP:    env("HTTP_PROXY", "http_proxy"),
		HTTPS:   env("HTTPS_PROXY", "https_proxy"),
		NoProxy: env("NO_PROXY", "no_proxy"),
	}
}

// parsedURL is spec.md's {scheme, host, port, path, query, ssl?} tuple.
type parsedURL struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  string
	SSL    bool
}

func parseURL(raw string) (*parsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q, only http and https are accepted", u.Scheme)
	}
	host := u.Hostname()
	portStr := u.Port()
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in URL %q: %w", raw, err)
		}
		port = p
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &parsedURL{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Path:   path,
		Query:  u.RawQuery,
		SSL:    u.Scheme == "https",
	}, nil
}

// Client performs JSON GET/POST, HTTP CONNECT tunnels, and WebSocket
// upgrades, optionally routed through an HTTP proxy and with an optional
// TLS trust-store override.
type Client struct {
	tlsConfig *tls.Config
	proxies   *Proxies
	log       *zerolog.Logger
}

// New builds a Client from cfg. A nil cfg uses the system trust store and
// resolves proxies from the environment.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	tlsConfig := &tls.Config{}
	if len(cfg.CAFiles) > 0 {
		pool := x509.NewCertPool()
		for _, path := range cfg.CAFiles {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading CA file %q: %w", path, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %q", path)
			}
		}
		tlsConfig.RootCAs = pool
	}
	proxies := cfg.Proxies
	if proxies == nil {
		proxies = ProxiesFromEnvironment()
	}
	return &Client{tlsConfig: tlsConfig, proxies: proxies, log: logger.HTTP()}, nil
}

func (c *Client) proxyFor(u *parsedURL) string {
	if noProxyMatch(c.proxies.NoProxy, u.Host) {
		return ""
	}
	if u.SSL {
		return c.proxies.HTTPS
	}
	return c.proxies.HTTP
}

// DialContext opens a plain or TLS connection to target, transparently
// tunnelling through the configured HTTP proxy via CONNECT first when one
// applies for the scheme/host.
func (c *Client) DialContext(ctx context.Context, rawURL string) (net.Conn, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return c.dialParsed(ctx, u)
}

// DialRaw opens the proxy-tunnelled TCP connection for rawURL without
// performing a TLS handshake, even for an https:// URL. It's used where
// the caller needs to drive its own TLS or protocol upgrade on top (e.g.
// wsconn.Dial handing the raw connection to gorilla/websocket's dialer).
func (c *Client) DialRaw(ctx context.Context, rawURL string) (net.Conn, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	target := formatHostPort(u.Host, u.Port)
	if proxy := c.proxyFor(u); proxy != "" {
		return c.dialThroughProxy(ctx, proxy, target)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", target)
}

// ConnectThrough dials proxyAddr ("host:port") directly and issues an
// HTTP CONNECT for target, returning the tunnelled connection. Unlike
// DialContext/DialRaw, which resolve a forward proxy from the environment
// for an arbitrary URL, this always tunnels through proxyAddr — used to
// reach an exporter's own CONNECT proxy, which is never the environment's
// HTTP(S)_PROXY.
func (c *Client) ConnectThrough(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	return c.dialThroughProxy(ctx, "http://"+proxyAddr, target)
}

// TLSConfigFor returns a *tls.Config configured with this Client's trust
// store and the correct ServerName for host.
func (c *Client) TLSConfigFor(host string) *tls.Config {
	return c.tlsConfigFor(host)
}

func (c *Client) dialParsed(ctx context.Context, u *parsedURL) (net.Conn, error) {
	target := formatHostPort(u.Host, u.Port)
	var conn net.Conn
	var err error

	if proxy := c.proxyFor(u); proxy != "" {
		conn, err = c.dialThroughProxy(ctx, proxy, target)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, err
	}

	if u.SSL {
		tlsConn := tls.Client(conn, c.tlsConfigFor(u.Host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (c *Client) tlsConfigFor(host string) *tls.Config {
	cfg := c.tlsConfig.Clone()
	cfg.ServerName = splitHostPort(host)
	return cfg
}

// dialThroughProxy opens a TCP connection to proxyURL and issues an HTTP
// CONNECT for target, returning the tunnelled connection on 2xx.
func (c *Client) dialThroughProxy(ctx context.Context, proxyURL, target string) (net.Conn, error) {
	p, err := parseURL(proxyURL)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", formatHostPort(p.Host, p.Port))
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: "CONNECT"})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s failed: %s", target, resp.Status)
	}
	if br.Buffered() > 0 {
		buffered, _ := br.Peek(br.Buffered())
		return &prefixedConn{Conn: conn, prefix: append([]byte(nil), buffered...)}, nil
	}
	return conn, nil
}

// prefixedConn replays bytes the proxy's response reader had already
// buffered past the CONNECT response before handing the raw fd back.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// GetJSON performs a JSON GET, consulting and updating cache in place per
// spec.md §4.2's freshness rules. cache may be nil to disable caching.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out interface{}, cache *CacheEntry) error {
	now := time.Now()
	if cache.fresh(rawURL, now) {
		return json.Unmarshal(cache.Content, out)
	}

	body, resp, requestTime, responseTime, err := c.do(ctx, http.MethodGet, rawURL, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if cache != nil {
		freshUntil, store := computeFreshUntil(resp, requestTime, responseTime)
		if store {
			*cache = CacheEntry{URL: rawURL, Content: body, FreshUntil: freshUntil}
		} else {
			*cache = CacheEntry{}
		}
	}

	return json.Unmarshal(body, out)
}

// PostJSON performs a JSON POST with body marshalled from in and the
// response unmarshalled into out (out may be nil to discard the body).
func (c *Client) PostJSON(ctx context.Context, rawURL string, in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	body, resp, _, _, err := c.do(ctx, http.MethodPost, rawURL, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte, contentType string) ([]byte, *http.Response, time.Time, time.Time, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, err
	}
	conn, err := c.dialParsed(ctx, u)
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, err
	}
	defer conn.Close()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = strings.NewReader(string(payload))
	}
	target := u.Path
	if u.Query != "" {
		target += "?" + u.Query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, err
	}
	req.Host = splitHostPort(u.Host)
	req.Header.Set("Host", req.Host)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if payload != nil {
		req.ContentLength = int64(len(payload))
	}

	requestTime := time.Now()
	if err := req.Write(conn); err != nil {
		return nil, nil, time.Time{}, time.Time{}, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, err
	}
	responseTime := time.Now()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, err
	}
	return body, resp, requestTime, responseTime, nil
}
