package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/custody/internal/keystore"
)

// NewKeygenCommand prints a fresh age identity for CUSTODY_AGE_IDENTITY.
func NewKeygenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for encrypting custody keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, recipient, err := keystore.GenerateIdentity()
			if err != nil {
				return err
			}
			out := map[string]string{"identity": identity, "recipient": recipient}
			return emit(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) {
				fmt.Fprintf(w, "# public key: %s\n%s\n", recipient, identity)
			})
		},
	}
}
