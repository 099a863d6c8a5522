package cli

import (
	"github.com/spf13/cobra"
)

func newBackendsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Check every backend and show its health and breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			// One check round feeds the router, so the status below
			// reflects current reachability.
			a.Monitor.CheckNow(cmd.Context())
			return printJSON(cmd, map[string]any{"backends": a.Service.Backends()})
		},
	}
}
