package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFingerprintCmd(deps *Deps) *cobra.Command {
	var stored bool

	cmd := &cobra.Command{
		Use:   "fingerprint NAME",
		Short: "Print the fingerprint of a publication",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.open(nil)
			if err != nil {
				return err
			}
			name := args[0]
			if _, ok := a.runner.Publication(name); !ok {
				return usagef("unknown publication %q", name)
			}

			if stored {
				text, ok, err := a.store.Load(name)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no stored fingerprint for %s", name)
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}

			rec, err := a.runner.Fingerprint(name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.Text())
			return nil
		},
	}
	cmd.Flags().BoolVar(&stored, "stored", false, "print the stored fingerprint instead of computing it")
	return cmd
}
