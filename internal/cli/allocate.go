package cli

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/mbd888/custody/internal/allocation"
	"github.com/mbd888/custody/internal/units"
)

type allocationLine struct {
	Index     int    `json:"index"`
	BaseUnits string `json:"baseUnits"`
	Amount    string `json:"amount"`
}

// NewAllocateCommand previews how a total divides across shares.
func NewAllocateCommand(opts *RootOptions) *cobra.Command {
	var (
		total       string
		decimals    int
		percentages []string
		amounts     []string
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Divide a total by percentages or fixed amounts",
		Example: `  custodyctl allocate --total 1 --percentages 33.33,33.33,33.34
  custodyctl allocate --total 100 --decimals 6 --amounts 25,50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(percentages) == 0) == (len(amounts) == 0) {
				return errors.New("exactly one of --percentages or --amounts is required")
			}
			totalBase, err := units.Parse(total, decimals)
			if err != nil {
				return fmt.Errorf("total: %w", err)
			}

			var shares []*big.Int
			if len(percentages) > 0 {
				pcts, err := allocation.ParsePercentages(percentages)
				if err != nil {
					return err
				}
				if shares, err = allocation.Allocate(totalBase, pcts); err != nil {
					return err
				}
			} else {
				fixed := make([]*big.Int, len(amounts))
				for i, a := range amounts {
					if fixed[i], err = units.Parse(a, decimals); err != nil {
						return fmt.Errorf("amount %d: %w", i, err)
					}
				}
				if shares, err = allocation.AllocateFixed(totalBase, fixed); err != nil {
					return err
				}
			}

			lines := make([]allocationLine, len(shares))
			for i, s := range shares {
				lines[i] = allocationLine{Index: i, BaseUnits: s.String(), Amount: units.Format(s, decimals)}
			}
			return emit(cmd.OutOrStdout(), opts.Format, lines, func(w io.Writer) {
				for _, l := range lines {
					fmt.Fprintf(w, "%d\t%s\t%s\n", l.Index, l.Amount, l.BaseUnits)
				}
			})
		},
	}
	cmd.Flags().StringVar(&total, "total", "", "total in the chain-native unit")
	cmd.Flags().IntVar(&decimals, "decimals", 18, "decimal places of the currency")
	cmd.Flags().StringSliceVar(&percentages, "percentages", nil, "comma-separated percentages summing to 100")
	cmd.Flags().StringSliceVar(&amounts, "amounts", nil, "comma-separated fixed amounts")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}
