package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexmorozenko/leapp/internal/web"
)

func newClearCmd(r *Root) {
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove the browser profile and reap hanging chromium processes",
		Long: `If a previous run exited improperly there is a chance hanging browser
processes and a stale profile were left behind, this cleans them up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := web.ClearCache(r.browserDataDir()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "browser cache cleared")
			return nil
		},
	}
	r.Cmd.AddCommand(cmd)
}
