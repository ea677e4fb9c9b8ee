// Package reconciliation compares what the service believes each custody
// wallet holds against the chain.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/custody/internal/chain"
)

// Holding is one custody wallet that should still hold Expected base units.
type Holding struct {
	Kind           string // "escrow" or "split"
	ID             string
	Chain          string
	CustodyAddress string
	Expected       *big.Int
}

// Source lists the holdings of one record type.
type Source interface {
	Holdings(ctx context.Context, limit int) ([]Holding, error)
}

// Finding is a custody wallet whose balance is below what it should hold.
type Finding struct {
	Kind           string `json:"kind"`
	ID             string `json:"id"`
	CustodyAddress string `json:"custodyAddress"`
	Expected       string `json:"expected"`
	Balance        string `json:"balance"`
	Shortfall      string `json:"shortfall"`
}

// Report is the outcome of one run. Amounts are base units.
type Report struct {
	CheckedAt  time.Time `json:"checkedAt"`
	Checked    int       `json:"checked"`
	Shortfalls []Finding `json:"shortfalls"`
	Errors     int       `json:"errors"`
}

// Balanced reports whether every checked wallet held what it should.
func (r *Report) Balanced() bool { return len(r.Shortfalls) == 0 }

// DefaultBatch bounds how many holdings each source contributes per run.
const DefaultBatch = 500

// Runner checks every source against the chain registry.
type Runner struct {
	sources []Source
	chains  *chain.Registry
	batch   int
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner over sources.
func NewRunner(chains *chain.Registry, logger *slog.Logger, sources ...Source) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sources: sources,
		chains:  chains,
		batch:   DefaultBatch,
		logger:  logger,
		now:     time.Now,
	}
}

// RunAll checks every holding. A failed balance lookup counts as an error
// and does not stop the run; a failed source does.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{CheckedAt: start.UTC(), Shortfalls: []Finding{}}

	for _, src := range r.sources {
		holdings, err := src.Holdings(ctx, r.batch)
		if err != nil {
			runErrors.Inc()
			return nil, fmt.Errorf("list holdings: %w", err)
		}
		for _, h := range holdings {
			finding, err := r.check(ctx, h)
			if err != nil {
				report.Errors++
				r.logger.Warn("reconciliation balance lookup failed",
					"kind", h.Kind, "id", h.ID, "error", err)
				continue
			}
			report.Checked++
			if finding != nil {
				report.Shortfalls = append(report.Shortfalls, *finding)
				r.logger.Error("custody wallet below expected balance",
					"kind", h.Kind, "id", h.ID, "custody", h.CustodyAddress,
					"expected", finding.Expected, "balance", finding.Balance)
			}
		}
	}

	shortfallGauge.Set(float64(len(report.Shortfalls)))
	runErrors.Add(float64(report.Errors))
	runDuration.Observe(r.now().Sub(start).Seconds())

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

func (r *Runner) check(ctx context.Context, h Holding) (*Finding, error) {
	gw, err := r.chains.Get(h.Chain)
	if err != nil {
		return nil, err
	}
	balance, err := gw.Balance(ctx, h.CustodyAddress)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(h.Expected) >= 0 {
		return nil, nil
	}
	return &Finding{
		Kind:           h.Kind,
		ID:             h.ID,
		CustodyAddress: h.CustodyAddress,
		Expected:       h.Expected.String(),
		Balance:        balance.String(),
		Shortfall:      new(big.Int).Sub(h.Expected, balance).String(),
	}, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
