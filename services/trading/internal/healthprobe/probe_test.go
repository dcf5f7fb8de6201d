package healthprobe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	records   []storage.HealthRecord
	listErr   error
	probeErrs map[string]error
	probed    []string
}

func (f *fakeStore) ListHealthRecords(_ context.Context, _ []string) ([]storage.HealthRecord, error) {
	return f.records, f.listErr
}

func (f *fakeStore) ProbeComponent(_ context.Context, component string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, component)
	return f.probeErrs[component]
}

func newProber(store *fakeStore, now time.Time) *Prober {
	p := New(store, time.Minute, time.Second, nil)
	p.now = func() time.Time { return now }
	return p
}

func TestGetStatusReadError(t *testing.T) {
	p := newProber(&fakeStore{listErr: errors.New("connection refused")}, time.Now())

	_, err := p.GetStatus(context.Background(), Critical)
	if !errors.Is(err, ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
}

func TestGetStatusUsesFreshRows(t *testing.T) {
	now := time.Now()
	store := &fakeStore{records: []storage.HealthRecord{
		{Component: "database", Status: storage.HealthHealthy, LastCheckAt: now},
		{Component: "oms", Status: storage.HealthDegraded, LastCheckAt: now},
		{Component: "risk_engine", Status: storage.HealthHealthy, LastCheckAt: now},
	}}
	p := newProber(store, now)

	statuses, err := p.GetStatus(context.Background(), Critical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if statuses[OMS] != storage.HealthDegraded {
		t.Fatalf("expected oms degraded, got %s", statuses[OMS])
	}
	if len(store.probed) != 0 {
		t.Fatalf("expected no probes, got %v", store.probed)
	}
}

func TestGetStatusProbesMissingAndStaleRows(t *testing.T) {
	now := time.Now()
	store := &fakeStore{records: []storage.HealthRecord{
		{Component: "database", Status: storage.HealthHealthy, LastCheckAt: now},
		{Component: "oms", Status: storage.HealthHealthy, LastCheckAt: now.Add(-time.Hour)},
	}}
	p := newProber(store, now)

	statuses, err := p.GetStatus(context.Background(), Critical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.probed) != 2 {
		t.Fatalf("expected oms and risk_engine probes, got %v", store.probed)
	}
	if statuses[OMS] != storage.HealthHealthy || statuses[RiskEngine] != storage.HealthHealthy {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestGetStatusProbeFailure(t *testing.T) {
	store := &fakeStore{probeErrs: map[string]error{"oms": errors.New("timeout")}}
	p := newProber(store, time.Now())

	statuses, err := p.GetStatus(context.Background(), Critical)
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
	if len(probeErr.Components) != 1 || probeErr.Components[0] != OMS {
		t.Fatalf("unexpected failed components: %v", probeErr.Components)
	}
	if statuses[OMS] != storage.HealthUnknown {
		t.Fatalf("expected unknown oms, got %s", statuses[OMS])
	}
	if statuses[Database] != storage.HealthHealthy {
		t.Fatalf("expected healthy database, got %s", statuses[Database])
	}
}

func TestProbeHonoursTimeout(t *testing.T) {
	p := New(&slowStore{}, 0, 10*time.Millisecond, nil)
	if got := p.Probe(context.Background(), Database); got != storage.HealthUnknown {
		t.Fatalf("expected unknown on timeout, got %s", got)
	}
}

type slowStore struct{}

func (slowStore) ListHealthRecords(context.Context, []string) ([]storage.HealthRecord, error) {
	return nil, nil
}

func (slowStore) ProbeComponent(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}
