package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/util"
)

const (
	clickhouseNativePort       = "9000"
	clickhouseNativeSecurePort = "9440"
)

// ClickHouseClient writes auth attempt batches over the native protocol.
// The sink flushes from one goroutine at a time, so the pool stays small.
type ClickHouseClient struct {
	conn driver.Conn
	mu   sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	ep, err := parseClickHouseEndpoint(chConfig.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr: []string{ep.addr},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		Compression:     &ch.Compression{Method: ch.CompressionLZ4},
	}

	if ep.secure || cfg.IsProduction() {
		tlsConfig, err := clickhouseTLSConfig(ep.host, chConfig.CAFile)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("addr", ep.addr),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn}, nil
}

// Exec runs DDL such as the auth_attempts schema.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert sends rows as one native block. A row that fails to append
// aborts the whole batch.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

type clickhouseEndpoint struct {
	addr   string
	host   string
	secure bool
}

// parseClickHouseEndpoint accepts clickhouse://, tcp://, http:// or https://
// URLs, or a bare host[:port]. A missing port defaults to the native port,
// 9440 for the secure schemes.
func parseClickHouseEndpoint(raw string) (clickhouseEndpoint, error) {
	if raw == "" {
		return clickhouseEndpoint{}, errors.New("clickhouse url is empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return clickhouseEndpoint{}, fmt.Errorf("invalid clickhouse url %q: %w", raw, err)
	}

	var ep clickhouseEndpoint
	switch u.Scheme {
	case "https", "clickhouses", "tls":
		ep.secure = true
	case "http", "clickhouse", "tcp":
	default:
		return clickhouseEndpoint{}, fmt.Errorf("unsupported clickhouse url scheme %q", u.Scheme)
	}

	ep.host = u.Hostname()
	if ep.host == "" {
		return clickhouseEndpoint{}, fmt.Errorf("clickhouse url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = clickhouseNativePort
		if ep.secure {
			port = clickhouseNativeSecurePort
		}
	}
	ep.addr = net.JoinHostPort(ep.host, port)
	return ep, nil
}

func clickhouseTLSConfig(serverName, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if caFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in ClickHouse CA file %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
