package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/memvault/internal/engine"
	"github.com/scrypster/memvault/pkg/types"
)

func newPutCmd(opts *options) *cobra.Command {
	var (
		category string
		meta     map[string]string
		key      string
	)
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := opts.requireProject()
			if err != nil {
				return err
			}
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Store(cmd.Context(), engine.StoreRequest{
				Category:       types.Category(category),
				Content:        content,
				Metadata:       metadataFlag(meta),
				ProjectScope:   project,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&category, "category", string(types.CategoryProject), "Category: project, pattern, team, error")
	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "Metadata as key=value pairs")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Idempotency key: the same key in the same project always yields the same id")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newSearchCmd(opts *options) *cobra.Command {
	var (
		category string
		mode     string
		limit    int
		meta     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search or list memories in a project",
		Long:  "Rank memories by a free-text query, or list the most recent ones when no query is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := opts.requireProject()
			if err != nil {
				return err
			}

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Retrieve(cmd.Context(), engine.RetrieveRequest{
				Category:     types.Category(category),
				QueryText:    strings.Join(args, " "),
				Metadata:     metadataFlag(meta),
				ProjectScope: project,
				Limit:        limit,
				Mode:         types.Capability(mode),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Filter by category")
	cmd.Flags().StringVar(&mode, "mode", "", "Search mode: semantic-search or full-text (default: any)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "Max results")
	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "Filter by metadata key=value pairs")
	return cmd
}

func newUpdateCmd(opts *options) *cobra.Command {
	var (
		content string
		meta    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a memory's content or metadata",
		Long:  "Change a memory's content or metadata. --meta replaces the stored metadata entirely.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch types.Patch
			if cmd.Flags().Changed("content") {
				patch.Content = &content
			}
			if cmd.Flags().Changed("meta") {
				patch.Metadata = types.Metadata(meta)
				if patch.Metadata == nil {
					patch.Metadata = types.Metadata{}
				}
			}
			if patch.Empty() {
				return fmt.Errorf("%w: nothing to update (use --content or --meta)", types.ErrValidationFailed)
			}

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Service.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "New content")
	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "New metadata as key=value pairs")
	return cmd
}

func newRmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Service.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"ok": true, "id": args[0]})
		},
	}
}
