package split

import (
	"context"
	"fmt"

	"github.com/mbd888/custody/internal/reconciliation"
	"github.com/mbd888/custody/internal/units"
)

// Holdings lists funded splits that have not paid anyone yet; their
// custody wallet must hold at least the total.
func (s *Service) Holdings(ctx context.Context, limit int) ([]reconciliation.Holding, error) {
	splits, err := s.store.ListByStatus(ctx, StatusFunded, limit)
	if err != nil {
		return nil, err
	}
	var out []reconciliation.Holding
	for _, sp := range splits {
		recips, err := s.store.Recipients(ctx, sp.ID)
		if err != nil {
			return nil, err
		}
		if anyPaid(recips) {
			continue
		}
		total, err := units.Parse(sp.TotalAmount, s.cfg.Decimals)
		if err != nil {
			return nil, fmt.Errorf("split %s stored total %q: %w", sp.ID, sp.TotalAmount, err)
		}
		out = append(out, reconciliation.Holding{
			Kind:           "split",
			ID:             sp.ID,
			Chain:          sp.Chain,
			CustodyAddress: sp.CustodyAddress,
			Expected:       total,
		})
	}
	return out, nil
}

func anyPaid(recips []*Recipient) bool {
	for _, r := range recips {
		if r.Paid() {
			return true
		}
	}
	return false
}
