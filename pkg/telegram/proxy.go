package telegram

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	xproxy "golang.org/x/net/proxy"
)

// ErrInvalidProxy rejects proxy URLs with unsupported schemes or malformed
// addresses.
var ErrInvalidProxy = errors.New("invalid proxy")

// ProxyKind is the proxy protocol family.
type ProxyKind int

const (
	ProxySOCKS5 ProxyKind = iota
	ProxySOCKS4
	ProxyHTTP
)

func (k ProxyKind) String() string {
	switch k {
	case ProxySOCKS5:
		return "socks5"
	case ProxySOCKS4:
		return "socks4"
	case ProxyHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Proxy is a parsed proxy configuration for a session's connections.
type Proxy struct {
	Kind     ProxyKind
	Host     string
	Port     int
	Username string
	Password string

	// RDNS resolves hostnames on the proxy side. Default true: crawling
	// sessions should not leak DNS queries locally.
	RDNS bool
}

// ParseProxy parses a proxy URL into a Proxy. Scheme mapping:
// socks5/socks5h -> SOCKS5, socks4/socks4a -> SOCKS4, http/https -> HTTP;
// anything else fails with ErrInvalidProxy.
func ParseProxy(raw string) (*Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProxy, raw)
	}

	var kind ProxyKind
	switch u.Scheme {
	case "socks5", "socks5h":
		kind = ProxySOCKS5
	case "socks4", "socks4a":
		kind = ProxySOCKS4
	case "http", "https":
		kind = ProxyHTTP
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidProxy, raw)
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port in %q", ErrInvalidProxy, raw)
		}
	}
	if port == 0 {
		return nil, fmt.Errorf("%w: missing port in %q", ErrInvalidProxy, raw)
	}

	proxy := &Proxy{
		Kind: kind,
		Host: host,
		Port: port,
		RDNS: true,
	}
	if u.User != nil {
		proxy.Username = u.User.Username()
		proxy.Password, _ = u.User.Password()
	}

	return proxy, nil
}

// Dialer returns a proxied dialer for SOCKS5 proxies. Other kinds are
// consumed directly by the client library's own transport and have no
// dialer here.
func (p *Proxy) Dialer() (xproxy.Dialer, error) {
	if p.Kind != ProxySOCKS5 {
		return nil, fmt.Errorf("%w: no dialer for %s proxies", ErrInvalidProxy, p.Kind)
	}

	var auth *xproxy.Auth
	if p.Username != "" {
		auth = &xproxy.Auth{User: p.Username, Password: p.Password}
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	return xproxy.SOCKS5("tcp", addr, auth, xproxy.Direct)
}
