// Command daemon is the per-node distsqld control plane process: it wires
// together the Session Registry, Query Registry, Fragment Registry,
// Cancellation Engine, Expiration Engine, Catalog Sync, and Membership
// Sync, then serves a gRPC health check and a /metrics endpoint until told
// to shut down. The fragment-control RPC handlers are not registered on the
// gRPC server here.
//
// Following pkg/cmd/cockroach/main.go's shape, this file only wires the
// command tree; runStart in this package holds the actual startup logic
// (mirroring pkg/cli's runStartInternal split).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/smiecj/distsqld/pkg/audit"
	"github.com/smiecj/distsqld/pkg/authz"
	"github.com/smiecj/distsqld/pkg/base"
	"github.com/smiecj/distsqld/pkg/cancelpool"
	"github.com/smiecj/distsqld/pkg/catalog"
	"github.com/smiecj/distsqld/pkg/expiry"
	"github.com/smiecj/distsqld/pkg/fragment"
	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/membership"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/profilelog"
	"github.com/smiecj/distsqld/pkg/queryexec"
	"github.com/smiecj/distsqld/pkg/querylocations"
	"github.com/smiecj/distsqld/pkg/session"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/stopper"
	"github.com/smiecj/distsqld/pkg/telemetry"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

var cfg = base.Default()

var rootCmd = &cobra.Command{
	Use:   "distsqld",
	Short: "distributed SQL control-plane daemon",
	RunE:  runStart,
}

func init() {
	cfg.PersistentFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ac := log.MakeAmbientContext("component", "daemon")
	ctx = ac.AnnotateCtx(ctx)

	if err := cfg.Validate(); err != nil {
		log.Errorf(ctx, "invalid configuration: %v", err)
		if cfg.AbortOnConfigError {
			os.Exit(1)
		}
		return err
	}

	shutdownTracing, err := telemetry.InitExporter(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return errors.Wrap(err, "initializing trace exporter")
	}

	sp := stopper.New()
	reg := metrics.NewRegistry()

	proxies, err := authz.ParseConfig(cfg.AuthorizedProxyUserConfig)
	if err != nil {
		return errors.Wrap(err, "parsing authorized_proxy_user_config")
	}
	profiles, auditLog, err := setupPersistence(cfg)
	if err != nil {
		return err
	}
	if profiles != nil {
		defer profiles.Close()
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	locations := querylocations.New()
	queryExpiry := expiry.New()

	var queries *queryexec.Registry
	var cancelPool *cancelpool.Pool
	unregisterQuery := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		if err := cancelPool.SubmitUnregister(queryID, cause); err != nil {
			log.Warningf(ctx, "cancellation engine: dropping session-close teardown for query %s: %v", queryID, err)
		}
	}
	sessions := session.New(unregisterQuery, time.Duration(cfg.IdleSessionTimeoutS)*time.Second, reg)

	frontend := &unimplementedFrontend{}
	libCache := &unimplementedLibraryCache{}

	queries = queryexec.New(sessions, frontend, locations, queryExpiry, cfg.QueryLogSize, cfg.IdleQueryTimeoutS, proxies, profiles, auditLog)

	fragments := fragment.New(sp)

	cancelFn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		if err := queries.Cancel(ctx, queryID, cause); err != nil {
			log.Warningf(ctx, "cancellation engine: %v", err)
		}
	}
	unregisterFn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		queries.Unregister(ctx, queryID, cause)
	}
	cancelPool = cancelpool.New(sp, cancelFn, unregisterFn, 65536, cfg.CancellationThreadPoolSize, reg)
	defer cancelPool.Close()

	catalogView := catalog.NewView(reg)
	// catalogSync.ApplyDelta/ProcessCatalogUpdateResult are invoked by the
	// statestore subscriber callback for topic "impala-catalog"; that
	// transport is RPC transport, out of scope here.
	catalogSync := catalog.New(catalogView, frontend, libCache, nil /* deserializer, provided by the FE integration */, func(context.Context) {
		log.Warningf(ctx, "catalog sync: full resync requested")
	})
	_ = catalogSync

	membershipView := membership.NewView(reg)

	querySweeper := expiry.NewSweeper(queryExpiry, 1*time.Second, queries.Activity, func(ctx context.Context, id uuid.UUID) {
		timeoutMs := int64(0)
		if exec, ok := queries.Get(id); ok {
			timeoutMs = exec.EffectiveIdleTimeoutMs()
		}
		cause := status.New(fmt.Sprintf("Query %s expired due to client inactivity (timeout is %ds%03dms)",
			id, timeoutMs/1000, timeoutMs%1000))
		if err := cancelPool.Submit(id, cause); err != nil {
			log.Warningf(ctx, "cancellation engine: dropping idle-query expiry for query %s: %v", id, err)
		}
	}, reg, "distsqld_queries_expired_by_sweeper_total", "Total queries expired by the idle-query sweeper")

	sessions.RunIdleSweep(ctx, sp)
	querySweeper.Run(ctx, sp, "query-idle-sweep")

	if err := sp.RunAsyncTask(ctx, "membership-reconcile", func(ctx context.Context) {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sp.ShouldQuiesce():
				return
			case <-ticker.C:
				membership.Reconcile(ctx, membershipView, locations, func(addr string) {
					log.Infof(ctx, "membership sync: closing cached connection to %s", addr)
				}, cancelPool.Submit)
			}
		}
	}); err != nil {
		return err
	}

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := sp.RunAsyncTask(ctx, "catalog-readiness-to-health", func(ctx context.Context) {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sp.ShouldQuiesce():
				return
			case <-ticker.C:
				if catalogView.Ready() {
					healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
				} else {
					healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				}
			}
		}
	}); err != nil {
		return err
	}

	grpcServer, err := newGRPCServer(cfg)
	if err != nil {
		return errors.Wrap(err, "constructing gRPC server")
	}
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	_ = fragments // fragment control RPC handlers registered onto grpcServer by the BE-transport integration, out of scope here.

	beListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.BEPort))
	if err != nil {
		return errors.Wrapf(err, "listening on be_port %d", cfg.BEPort)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof(gctx, "serving fragment-control RPCs on :%d", cfg.BEPort)
		return grpcServer.Serve(beListener)
	})
	g.Go(func() error {
		log.Infof(gctx, "serving metrics on :%d", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof(ctx, "received signal %v, draining", sig)
	case <-gctx.Done():
		log.Errorf(ctx, "a listener stopped: %v", g.Wait())
	}

	grpcServer.GracefulStop()
	_ = metricsServer.Shutdown(ctx)
	fragments.Quiesce(ctx)
	sp.Stop(ctx)
	return shutdownTracing(ctx)
}

// setupPersistence constructs the profile-log and audit-log writers named
// by cfg, returning nil for either that is unconfigured.
func setupPersistence(cfg *base.Config) (*profilelog.Writer, *audit.Writer, error) {
	fs := afero.NewOsFs()
	nowMs := func() int64 { return time.Now().UnixMilli() }

	var profiles *profilelog.Writer
	if cfg.LogQueryToFile {
		w, err := profilelog.New(fs, cfg.ProfileLogDir, cfg.MaxProfileLogFileSize, nowMs)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening profile log")
		}
		profiles = w
	}

	var auditLog *audit.Writer
	if cfg.AuditEventLogDir != "" {
		w, err := audit.New(fs, cfg.AuditEventLogDir, cfg.MaxAuditEventLogFileSize, nowMs)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening audit event log")
		}
		auditLog = w
	}

	return profiles, auditLog, nil
}

// newGRPCServer builds the daemon's gRPC server, using server-side TLS when
// a server certificate is configured. ssl_client_ca_certificate is not read
// here, so client certificates are neither requested nor verified.
func newGRPCServer(cfg *base.Config) (*grpc.Server, error) {
	if cfg.SSLServerCertificate == "" {
		return grpc.NewServer(), nil
	}
	creds, err := credentials.NewServerTLSFromFile(cfg.SSLServerCertificate, cfg.SSLPrivateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "loading server TLS cert/key %q/%q", cfg.SSLServerCertificate, cfg.SSLPrivateKey)
	}
	return grpc.NewServer(grpc.Creds(creds)), nil
}
