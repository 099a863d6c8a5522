// Package cli implements the memvault CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/memvault/internal/app"
	"github.com/scrypster/memvault/internal/config"
	"github.com/scrypster/memvault/pkg/types"
)

type options struct {
	configPath string
	project    string
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "memvault",
		Short: "Resilient memory store with multi-backend failover",
		Long: "memvault stores project memories across several storage backends. " +
			"Circuit breakers skip failing backends and every call falls back to the next one by preference.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// One-shot commands print JSON on stdout; keep component logs
			// out of the way unless asked for.
			if !opts.verbose && cmd.Name() != "serve" {
				log.SetOutput(io.Discard)
			}
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $MEMVAULT_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.project, "project", "p", os.Getenv("MEMVAULT_PROJECT"), "Project scope (default: $MEMVAULT_PROJECT)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log component activity to stderr")

	root.AddCommand(
		newServeCmd(opts),
		newPutCmd(opts),
		newGetCmd(opts),
		newSearchCmd(opts),
		newUpdateCmd(opts),
		newRmCmd(opts),
		newBackendsCmd(opts),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		return exitCode(err)
	}
	return 0
}

// exitCode distinguishes caller mistakes from outages so scripts can
// decide whether to retry.
func exitCode(err error) int {
	switch {
	case types.IsValidation(err):
		return 2
	case types.IsNotFound(err):
		return 3
	case types.IsTimeout(err), types.IsUnavailable(err):
		return 4
	default:
		return 1
	}
}

func (o *options) open() (*app.App, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

func (o *options) requireProject() (string, error) {
	if strings.TrimSpace(o.project) == "" {
		return "", fmt.Errorf("%w: --project (or $MEMVAULT_PROJECT) is required", types.ErrValidationFailed)
	}
	return o.project, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readContent takes content from positional args, falling back to piped
// stdin.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func metadataFlag(m map[string]string) types.Metadata {
	if len(m) == 0 {
		return nil
	}
	return types.Metadata(m)
}
