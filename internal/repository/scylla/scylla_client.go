package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

const recordColumns = `scope_type, scope_key, window_start, failed_attempts, successful_attempts,
    total_failed_attempts, lockout_level, locked_until, updated_at, revision`

// Statements holds the CQL used by the repository. gocql prepares and caches
// each one on first execution.
type Statements struct {
	SelectRecord      string
	InsertRecord      string
	UpdateRecord      string
	SelectBucketAges  string
	DeleteStaleRecord string
}

var statements = Statements{
	SelectRecord: `SELECT ` + recordColumns + `
        FROM rate_limit_records WHERE bucket = ? AND scope_type = ? AND scope_key = ?`,

	InsertRecord: `INSERT INTO rate_limit_records (bucket, ` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,

	UpdateRecord: `UPDATE rate_limit_records USING TTL ?
        SET window_start = ?, failed_attempts = ?, successful_attempts = ?, total_failed_attempts = ?,
            lockout_level = ?, locked_until = ?, updated_at = ?, revision = ?
        WHERE bucket = ? AND scope_type = ? AND scope_key = ? IF revision = ?`,

	SelectBucketAges: `SELECT scope_type, scope_key, updated_at FROM rate_limit_records WHERE bucket = ?`,

	DeleteStaleRecord: `DELETE FROM rate_limit_records
        WHERE bucket = ? AND scope_type = ? AND scope_key = ? IF updated_at < ?`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
	casRetries int
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		Statements: statements,
		casRetries: max(scyllaConfig.CASRetries, 1),
	}

	if err := client.EnsureSchema(context.Background()); err != nil {
		session.Close()
		return nil, err
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the records table in the session keyspace. Rows
// expire after the retention period unless rewritten.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rate_limit_records (
        bucket int,
        scope_type text,
        scope_key text,
        window_start timestamp,
        failed_attempts int,
        successful_attempts int,
        total_failed_attempts int,
        lockout_level int,
        locked_until timestamp,
        updated_at timestamp,
        revision bigint,
        PRIMARY KEY ((bucket), scope_type, scope_key)
    ) WITH default_time_to_live = %d`, int(ratelimit.RecordRetention/time.Second))

	if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create rate_limit_records table: %w", err)
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
