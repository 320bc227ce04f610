// Package base declares the daemon-wide Config struct and its flags,
// following the teacher's pkg/cli convention of one flag-bearing struct
// populated by a PersistentFlags() block, backed by spf13/pflag.
package base

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/smiecj/distsqld/pkg/authz"
	"github.com/smiecj/distsqld/pkg/queryoptions"
)

// Config holds every daemon flag. Field names mirror the flag names in
// UpperCamelCase.
type Config struct {
	BeeswaxPort int
	HS2Port     int
	BEPort      int

	FEServiceThreads int
	BEServiceThreads int

	DefaultQueryOptions string

	QueryLogSize int

	LogQueryToFile        bool
	ProfileLogDir         string
	MaxProfileLogFileSize int

	AuditEventLogDir         string
	MaxAuditEventLogFileSize int
	AbortOnFailedAuditEvent  bool

	CancellationThreadPoolSize int

	SSLServerCertificate  string
	SSLPrivateKey         string
	SSLClientCACertificate string

	IdleSessionTimeoutS int
	IdleQueryTimeoutS   int

	AuthorizedProxyUserConfig string

	LocalNodeManagerURL string

	MaxResultCacheSize int

	AbortOnConfigError bool

	OTLPEndpoint string
	MetricsPort  int
}

// Default returns a Config populated with the documented
// defaults.
func Default() *Config {
	return &Config{
		BeeswaxPort:                21000,
		HS2Port:                    21050,
		FEServiceThreads:           64,
		BEServiceThreads:           64,
		QueryLogSize:               25,
		LogQueryToFile:             true,
		MaxProfileLogFileSize:      5000,
		MaxAuditEventLogFileSize:   5000,
		AbortOnFailedAuditEvent:    true,
		CancellationThreadPoolSize: 5,
		IdleSessionTimeoutS:        0,
		IdleQueryTimeoutS:          0,
		MaxResultCacheSize:         100000,
		AbortOnConfigError:         true,
		MetricsPort:                9090,
	}
}

// PersistentFlags registers every daemon flag on fs, seeding defaults from
// c (typically Default()).
func (c *Config) PersistentFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.BeeswaxPort, "beeswax_port", c.BeeswaxPort, "port for the Beeswax client protocol")
	fs.IntVar(&c.HS2Port, "hs2_port", c.HS2Port, "port for the HiveServer2 client protocol")
	fs.IntVar(&c.BEPort, "be_port", c.BEPort, "port for the backend (fragment control) protocol")

	fs.IntVar(&c.FEServiceThreads, "fe_service_threads", c.FEServiceThreads, "number of frontend service threads")
	fs.IntVar(&c.BEServiceThreads, "be_service_threads", c.BEServiceThreads, "number of backend service threads")

	fs.StringVar(&c.DefaultQueryOptions, "default_query_options", c.DefaultQueryOptions, "default query options, same grammar as SET")

	fs.IntVar(&c.QueryLogSize, "query_log_size", c.QueryLogSize, "number of queries retained in the in-memory query log (-1 unbounded, 0 disabled)")

	fs.BoolVar(&c.LogQueryToFile, "log_query_to_file", c.LogQueryToFile, "write completed query profiles to the profile log")
	fs.StringVar(&c.ProfileLogDir, "profile_log_dir", c.ProfileLogDir, "directory for profile log files")
	fs.IntVar(&c.MaxProfileLogFileSize, "max_profile_log_file_size", c.MaxProfileLogFileSize, "queries per profile log file before rotation")

	fs.StringVar(&c.AuditEventLogDir, "audit_event_log_dir", c.AuditEventLogDir, "directory for audit event log files")
	fs.IntVar(&c.MaxAuditEventLogFileSize, "max_audit_event_log_file_size", c.MaxAuditEventLogFileSize, "entries per audit log file before rotation")
	fs.BoolVar(&c.AbortOnFailedAuditEvent, "abort_on_failed_audit_event", c.AbortOnFailedAuditEvent, "exit with code 1 if an audit event fails to write")

	fs.IntVar(&c.CancellationThreadPoolSize, "cancellation_thread_pool_size", c.CancellationThreadPoolSize, "number of cancellation engine workers")

	fs.StringVar(&c.SSLServerCertificate, "ssl_server_certificate", c.SSLServerCertificate, "path to the server TLS certificate")
	fs.StringVar(&c.SSLPrivateKey, "ssl_private_key", c.SSLPrivateKey, "path to the server TLS private key")
	fs.StringVar(&c.SSLClientCACertificate, "ssl_client_ca_certificate", c.SSLClientCACertificate, "path to the client CA certificate (not read by the daemon's gRPC server)")

	fs.IntVar(&c.IdleSessionTimeoutS, "idle_session_timeout", c.IdleSessionTimeoutS, "seconds of inactivity before a session expires (0 disables)")
	fs.IntVar(&c.IdleQueryTimeoutS, "idle_query_timeout", c.IdleQueryTimeoutS, "seconds of inactivity before an inactive query expires (0 disables)")

	fs.StringVar(&c.AuthorizedProxyUserConfig, "authorized_proxy_user_config", c.AuthorizedProxyUserConfig, "proxy=user1,user2;proxy2=*;... do-as authorization map")

	fs.StringVar(&c.LocalNodeManagerURL, "local_nodemanager_url", c.LocalNodeManagerURL, "host:port of the local node manager, optionally prefixed by http(s)://")

	fs.IntVar(&c.MaxResultCacheSize, "max_result_cache_size", c.MaxResultCacheSize, "maximum number of rows cached per query result")

	fs.BoolVar(&c.AbortOnConfigError, "abort_on_config_error", c.AbortOnConfigError, "exit with code 1 on a fatal configuration error")

	fs.StringVar(&c.OTLPEndpoint, "otlp_endpoint", c.OTLPEndpoint, "OTLP/gRPC collector endpoint for trace export (empty disables tracing)")
	fs.IntVar(&c.MetricsPort, "metrics_port", c.MetricsPort, "port for the Prometheus metrics endpoint")
}

// Validate performs the startup checks that must be fatal before the
// daemon starts serving: query options and proxy config parse, and
// LogQueryToFile without a ProfileLogDir is rejected rather than silently
// discarding every completed query's profile.
func (c *Config) Validate() error {
	if c.LogQueryToFile && c.ProfileLogDir == "" {
		return errors.New("log_query_to_file is set but profile_log_dir is empty")
	}
	if c.CancellationThreadPoolSize <= 0 {
		return errors.Newf("cancellation_thread_pool_size must be positive, got %d", c.CancellationThreadPoolSize)
	}
	if _, err := queryoptions.Parse(c.DefaultQueryOptions, queryoptions.Default()); err != nil {
		return errors.Wrap(err, "parsing default_query_options")
	}
	if _, err := authz.ParseConfig(c.AuthorizedProxyUserConfig); err != nil {
		return errors.Wrap(err, "parsing authorized_proxy_user_config")
	}
	return nil
}
