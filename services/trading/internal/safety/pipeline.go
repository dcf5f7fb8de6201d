package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the tri-state verdict of a single check.
type Outcome int

const (
	Pass Outcome = iota
	Fail
	// Unknown means the check could not decide. It always rejects.
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	Code    string
	Reason  string
}

func passed() Result { return Result{Outcome: Pass} }

func failed(code, format string, args ...any) Result {
	return Result{Outcome: Fail, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func undecided(code, format string, args ...any) Result {
	return Result{Outcome: Unknown, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Request is the order under evaluation.
type Request struct {
	BookID     uuid.UUID
	StrategyID *uuid.UUID
	Instrument string
	Side       storage.Side
	Type       storage.OrderType
	Size       decimal.Decimal
	Price      *decimal.Decimal
	Venue      string
}

// Evaluation is the state shared by the checks of one pipeline run. Checks may
// fill in snapshots for later checks and for the caller.
type Evaluation struct {
	Request  Request
	Now      time.Time
	Settings *storage.GlobalSettings
	Book     *storage.Book
	// MarkPrice is the price the risk check resolved, when it needed one.
	MarkPrice *decimal.Decimal
}

type Check interface {
	Name() string
	Evaluate(ctx context.Context, ev *Evaluation) Result
}

type Decision struct {
	Allowed   bool
	Check     string
	Code      string
	Reason    string
	Settings  *storage.GlobalSettings
	MarkPrice *decimal.Decimal
}

type Pipeline struct {
	checks  []Check
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewPipeline(checks []Check, metrics *Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{checks: checks, metrics: metrics, logger: logger, now: time.Now}
}

// Names lists the checks in evaluation order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.checks))
	for i, c := range p.checks {
		names[i] = c.Name()
	}
	return names
}

// Evaluate runs every check in order and stops at the first one that does not pass.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) Decision {
	ev := &Evaluation{Request: req, Now: p.now().UTC()}

	if len(p.checks) == 0 {
		return Decision{Allowed: false, Check: "pipeline", Code: CodeNoChecks, Reason: "no safety checks configured"}
	}

	for _, check := range p.checks {
		res := p.run(ctx, check, ev)
		if res.Outcome == Pass {
			continue
		}
		if res.Reason == "" {
			res.Reason = check.Name() + " check did not pass"
		}
		p.logger.Info("order rejected by safety check",
			"check", check.Name(),
			"outcome", res.Outcome.String(),
			"code", res.Code,
			"reason", res.Reason,
			"book_id", req.BookID.String(),
			"instrument", req.Instrument,
		)
		p.metrics.observeDecision(false, res.Code)
		return Decision{
			Allowed:   false,
			Check:     check.Name(),
			Code:      res.Code,
			Reason:    res.Reason,
			Settings:  ev.Settings,
			MarkPrice: ev.MarkPrice,
		}
	}

	p.metrics.observeDecision(true, "")
	return Decision{Allowed: true, Settings: ev.Settings, MarkPrice: ev.MarkPrice}
}

func (p *Pipeline) run(ctx context.Context, check Check, ev *Evaluation) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("safety check panicked", "check", check.Name(), "panic", r)
			res = undecided(CodeCheckPanicked, "%s check failed unexpectedly", check.Name())
		}
		p.metrics.observeCheck(check.Name(), res.Outcome, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return undecided(CodeCancelled, "request cancelled before %s check", check.Name())
	}
	return check.Evaluate(ctx, ev)
}
