package llm

import (
	"net"
	"net/http"
	"time"

	"dbagent/internal/infra/config"
)

// Hosted model APIs: connect quickly, then wait out slow generations.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewHTTPClient builds the client a provider posts chat requests with. The
// overall timeout covers one dial plus one full response.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	conn := orDefault(cfg.ConnTimeout, defaultConnTimeout)
	resp := orDefault(cfg.RespTimeout, defaultRespTimeout)
	return &http.Client{
		Transport: pooledTransport(conn, resp, cfg.Pool),
		Timeout:   conn + resp,
	}
}

// pooledTransport keeps a few long-lived connections per model host.
func pooledTransport(conn, resp time.Duration, pool config.PoolConfig) *http.Transport {
	dialer := &net.Dialer{Timeout: conn, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: resp,
		MaxIdleConns:          positiveOr(pool.MaxIdleConns, 20),
		MaxIdleConnsPerHost:   positiveOr(pool.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       positiveOr(pool.MaxConnsPerHost, 20),
		IdleConnTimeout:       positiveOr(pool.IdleConnTimeout, 2*time.Minute),
	}
}

func positiveOr[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
