package queryexec

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/expiry"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/querylocations"
	"github.com/smiecj/distsqld/pkg/queryoptions"
	"github.com/smiecj/distsqld/pkg/rpcif"
	"github.com/smiecj/distsqld/pkg/session"
	"github.com/smiecj/distsqld/pkg/status"
)

type fakeFrontend struct {
	plan PlanResultOrErr
}

type PlanResultOrErr struct {
	result rpcif.PlanResult
	err    error
}

func (f *fakeFrontend) PlanQuery(ctx context.Context, sql, database string, opts interface{}) (rpcif.PlanResult, error) {
	return f.plan.result, f.plan.err
}

func (f *fakeFrontend) UpdateCatalogCache(ctx context.Context, added, removed []rpcif.CatalogObject) (string, error) {
	return "", nil
}

func (f *fakeFrontend) LookupCatalogObject(ctx context.Context, key string) (rpcif.CatalogObject, bool) {
	return rpcif.CatalogObject{}, false
}

type fakeCoordinator struct {
	cancelled bool
	reports   int
}

func (c *fakeCoordinator) Cancel(ctx context.Context) { c.cancelled = true }

func (c *fakeCoordinator) UpdateFragmentExecStatus(ctx context.Context, backendIdx int, fragmentInstanceID uuid.UUID, done bool, st status.Status) {
	c.reports++
}

func newTestRegistry(t *testing.T, frontend rpcif.Frontend) (*Registry, *session.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	qr := New(nil, frontend, querylocations.New(), expiry.New(), 16, 0, nil, nil, nil)
	sessions := session.New(qr.Unregister, 0, reg)
	qr.sessions = sessions
	return qr, sessions
}

func mustSession(t *testing.T, sessions *session.Registry) *session.Session {
	t.Helper()
	s := session.NewSession(session.KindLegacy, "conn1", "alice", "default", "1.2.3.4", queryoptions.Default())
	sessions.Register(s)
	acquired, err := sessions.Get(s.ID, true)
	if err != nil {
		t.Fatalf("Get(markActive) = %v", err)
	}
	return acquired
}

func TestExecuteSuccessPopulatesLocations(t *testing.T) {
	frontend := &fakeFrontend{plan: PlanResultOrErr{result: rpcif.PlanResult{
		ResultColumns: []string{"col1"},
		ExecutorHosts: []string{"host-a:1000", "host-b:1000", "host-a:1000"},
	}}}
	qr, sessions := newTestRegistry(t, frontend)
	sess := mustSession(t, sessions)
	defer sessions.Release(sess)

	exec, err := qr.Execute(context.Background(), sess, "select 1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if exec.Phase() != PhaseRunning && exec.Phase() != PhasePlanning {
		t.Fatalf("Phase() = %v", exec.Phase())
	}

	snap := qr.locations.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("locations snapshot = %v, want 2 hosts", snap)
	}
	for _, ids := range snap {
		if len(ids) != 1 || ids[0] != exec.QueryID {
			t.Fatalf("locations entry = %v, want [%v]", ids, exec.QueryID)
		}
	}
}

func TestExecutePlanningFailureUnregisters(t *testing.T) {
	frontend := &fakeFrontend{plan: PlanResultOrErr{err: errPlanningFailed{}}}
	qr, sessions := newTestRegistry(t, frontend)
	sess := mustSession(t, sessions)
	defer sessions.Release(sess)

	exec, err := qr.Execute(context.Background(), sess, "select bogus")
	if err == nil {
		t.Fatal("Execute() error = nil, want planning error")
	}
	if _, ok := qr.Get(exec.QueryID); ok {
		t.Fatal("query still registered after planning failure")
	}
}

type errPlanningFailed struct{}

func (errPlanningFailed) Error() string { return "syntax error" }

func TestUnregisterClearsSessionAndLocations(t *testing.T) {
	frontend := &fakeFrontend{plan: PlanResultOrErr{result: rpcif.PlanResult{ExecutorHosts: []string{"host-a:1000"}}}}
	qr, sessions := newTestRegistry(t, frontend)
	sess := mustSession(t, sessions)
	defer sessions.Release(sess)

	exec, err := qr.Execute(context.Background(), sess, "select 1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	qr.Unregister(context.Background(), exec.QueryID, status.New("user cancel"))

	if _, ok := qr.Get(exec.QueryID); ok {
		t.Fatal("query still present after Unregister")
	}
	if snap := qr.locations.Snapshot(); len(snap) != 0 {
		t.Fatalf("locations snapshot after Unregister = %v, want empty", snap)
	}
	if rec, ok := qr.LogRing().Lookup(exec.QueryID); !ok || rec.FinalStatus.GetErrorMsg() != "user cancel" {
		t.Fatalf("query log record = %+v, ok=%v", rec, ok)
	}
	if err := qr.ReportExecStatus(context.Background(), exec.QueryID, 0, uuid.New(), false, status.OK); err == nil {
		t.Fatal("ReportExecStatus after Unregister = nil error, want unknown query")
	}
}

func TestReportExecStatusForwardsToCoordinator(t *testing.T) {
	frontend := &fakeFrontend{plan: PlanResultOrErr{result: rpcif.PlanResult{ExecutorHosts: []string{"host-a:1000"}}}}
	qr, sessions := newTestRegistry(t, frontend)
	sess := mustSession(t, sessions)
	defer sessions.Release(sess)

	exec, err := qr.Execute(context.Background(), sess, "select 1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	coord := &fakeCoordinator{}
	exec.SetCoordinator(coord)

	if err := qr.ReportExecStatus(context.Background(), exec.QueryID, 0, uuid.New(), true, status.OK); err != nil {
		t.Fatalf("ReportExecStatus() = %v", err)
	}
	if coord.reports != 1 {
		t.Fatalf("coord.reports = %d, want 1", coord.reports)
	}
}
