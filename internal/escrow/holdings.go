package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/custody/internal/reconciliation"
	"github.com/mbd888/custody/internal/units"
)

// heldStatuses are the states in which custody holds the full deposit.
var heldStatuses = []Status{StatusFunded, StatusDisputed}

// Holdings lists escrows whose custody wallet must still hold the whole
// total: funded or disputed, with no milestone paid out yet. Once a
// transfer leaves custody the remaining balance depends on fees paid, so
// those escrows are not reconciled.
func (s *Service) Holdings(ctx context.Context, limit int) ([]reconciliation.Holding, error) {
	var out []reconciliation.Holding
	for _, status := range heldStatuses {
		escrows, err := s.store.ListByStatus(ctx, status, limit)
		if err != nil {
			return nil, err
		}
		for _, e := range escrows {
			if e.Type == TypeMilestone {
				paid, err := s.anyMilestoneReleased(ctx, e.ID)
				if err != nil {
					return nil, err
				}
				if paid {
					continue
				}
			}
			total, err := units.Parse(e.TotalAmount, s.cfg.Decimals)
			if err != nil {
				return nil, fmt.Errorf("escrow %s stored total %q: %w", e.ID, e.TotalAmount, err)
			}
			out = append(out, reconciliation.Holding{
				Kind:           "escrow",
				ID:             e.ID,
				Chain:          e.Chain,
				CustodyAddress: e.CustodyAddress,
				Expected:       total,
			})
		}
	}
	return out, nil
}

func (s *Service) anyMilestoneReleased(ctx context.Context, id string) (bool, error) {
	ms, err := s.store.Milestones(ctx, id)
	if err != nil {
		return false, err
	}
	for _, m := range ms {
		if m.Status == MilestoneReleased {
			return true, nil
		}
	}
	return false, nil
}
