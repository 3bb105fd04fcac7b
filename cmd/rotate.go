package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/alexmorozenko/leapp/internal/rotation"
)

type rotateCmdFlags struct {
	interval time.Duration
	once     bool
}

func newRotateCmd(r *Root) {
	flags := &rotateCmdFlags{}
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Refresh expired active sessions, once or on an interval",
		Long: `Scans the active sessions and re-runs the credential protocol for any whose
credentials have expired. Without --once it keeps running until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.App()
			if err != nil {
				return err
			}
			defer a.browser.Close()

			scheduler := rotation.New(a.factory, a.notifier, a.log).
				WithInterval(flags.interval)
			if flags.once {
				scheduler.Tick(cmd.Context())
				return nil
			}
			scheduler.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().DurationVarP(&flags.interval, "interval", "i", rotation.DefaultInterval, "How often to scan for expired sessions")
	cmd.Flags().BoolVarP(&flags.once, "once", "", false, "Run a single rotation pass and exit")
	r.Cmd.AddCommand(cmd)
}
