package healthprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
)

type Component string

const (
	Database   Component = "database"
	OMS        Component = "oms"
	RiskEngine Component = "risk_engine"
)

// Critical lists the components that must be healthy before any order is placed.
var Critical = []Component{Database, OMS, RiskEngine}

var ErrReadFailed = errors.New("unable to read health status")

// ProbeError reports components whose fallback liveness probe failed.
type ProbeError struct {
	Components []Component
}

func (e *ProbeError) Error() string {
	names := make([]string, len(e.Components))
	for i, c := range e.Components {
		names[i] = string(c)
	}
	return "health probe failed: " + strings.Join(names, ", ")
}

type Store interface {
	ListHealthRecords(ctx context.Context, components []string) ([]storage.HealthRecord, error)
	ProbeComponent(ctx context.Context, component string) error
}

type Prober struct {
	store   Store
	maxAge  time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Prober. Rows older than maxAge are treated as missing; a zero
// maxAge trusts rows of any age.
func New(store Store, maxAge, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Prober{
		store:   store,
		maxAge:  maxAge,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// GetStatus returns a status for every requested component. A failed read of
// the summarized rows returns ErrReadFailed. Components without a usable row
// are probed directly; failed probes are reported as HealthUnknown and the
// returned error is a *ProbeError alongside the populated map.
func (p *Prober) GetStatus(ctx context.Context, components []Component) (map[Component]storage.HealthStatus, error) {
	names := make([]string, len(components))
	for i, c := range components {
		names[i] = string(c)
	}

	records, err := p.store.ListHealthRecords(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}

	now := p.now()
	statuses := make(map[Component]storage.HealthStatus, len(components))
	for _, rec := range records {
		if p.maxAge > 0 && now.Sub(rec.LastCheckAt) > p.maxAge {
			continue
		}
		statuses[Component(rec.Component)] = rec.Status
	}

	var missing []Component
	for _, c := range components {
		if _, ok := statuses[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return statuses, nil
	}

	probed := p.probeAll(ctx, missing)
	var failed []Component
	for _, c := range missing {
		status := probed[c]
		statuses[c] = status
		if status != storage.HealthHealthy {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
		return statuses, &ProbeError{Components: failed}
	}
	return statuses, nil
}

// Probe runs one bounded liveness query against component.
func (p *Prober) Probe(ctx context.Context, component Component) storage.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.store.ProbeComponent(ctx, string(component)); err != nil {
		p.logger.Warn("health probe failed", "component", component, "error", err)
		return storage.HealthUnknown
	}
	return storage.HealthHealthy
}

func (p *Prober) probeAll(ctx context.Context, components []Component) map[Component]storage.HealthStatus {
	out := make(map[Component]storage.HealthStatus, len(components))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			status := p.Probe(ctx, c)
			mu.Lock()
			out[c] = status
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}
