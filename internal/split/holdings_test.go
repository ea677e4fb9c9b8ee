package split

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/reconciliation"
)

func TestHoldings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "1", percentages(alice, "100"))
	held := h.funded(t, "1", percentages(alice, "50", bob, "50"), oneEth)
	paid := h.funded(t, "1", percentages(carol, "100"), oneEth)
	_, err := h.svc.Distribute(ctx, paid.ID, payer)
	require.NoError(t, err)

	holdings, err := h.svc.Holdings(ctx, 100)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "split", holdings[0].Kind)
	assert.Equal(t, held.ID, holdings[0].ID)
	assert.Equal(t, oneEth.String(), holdings[0].Expected.String())

	h.gw.fund(held.CustodyAddress, big.NewInt(0))
	report, err := reconciliation.NewRunner(chain.NewRegistry(h.gw), nil, h.svc).RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Shortfalls, 1)
	assert.Equal(t, oneEth.String(), report.Shortfalls[0].Shortfall)
}
