package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/router-for-me/PageBlocks/internal/app"
	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/bulk"
	"github.com/spf13/cobra"
)

func generateCmd(opts *options) *cobra.Command {
	var (
		blockTypes []string
		retry      bool
		noSave     bool
	)
	cmd := &cobra.Command{
		Use:   "generate <post_id>",
		Short: "Generate blocks for a page",
		Long: "Generate one block (--block with a single value), a subset, or every block for a page.\n" +
			"With --retry only the blocks that failed in the last run are generated again.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, err := parsePostID(args[0])
			if err != nil {
				return err
			}
			for _, blockType := range blockTypes {
				if !blocks.Valid(blockType) {
					return fmt.Errorf("unknown block type %q (known: %s)", blockType, strings.Join(blocks.IDs(), ", "))
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				switch {
				case retry:
					result, errRetry := a.Bulk.RetryFailed(ctx, postID, nil)
					if errRetry != nil {
						return errRetry
					}
					return printJSON(cmd, result)
				case len(blockTypes) == 1:
					result, errGen := a.Generator.GeneratePageBlock(ctx, postID, blockTypes[0], nil)
					if errGen != nil {
						return errGen
					}
					if !noSave {
						if errSave := a.Pages.SaveBlockFields(ctx, postID, blockTypes[0], result.Fields); errSave != nil {
							return errSave
						}
					}
					return printJSON(cmd, result)
				default:
					result, errRun := a.Bulk.Run(ctx, bulk.Request{PostID: postID, BlockTypes: blockTypes})
					if errRun != nil {
						return errRun
					}
					return printJSON(cmd, result)
				}
			})
		},
	}
	cmd.Flags().StringSliceVarP(&blockTypes, "block", "b", nil, "Block types to generate (default all)")
	cmd.Flags().BoolVar(&retry, "retry", false, "Regenerate only the blocks that failed last run")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Print a single block without writing it to the page")
	return cmd
}

func pagesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Manage pages",
	}

	var (
		title string
		vars  map[string]string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a page with prompt context values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(title) == "" {
				return fmt.Errorf("--title is required")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				page, err := a.Pages.Create(ctx, title, vars)
				if err != nil {
					return err
				}
				return printJSON(cmd, page)
			})
		},
	}
	create.Flags().StringVarP(&title, "title", "t", "", "Page title")
	create.Flags().StringToStringVar(&vars, "var", nil, "Prompt context value, key=value (repeatable)")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "show <post_id>",
			Short: "Print a page with its generated fields",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				postID, err := parsePostID(args[0])
				if err != nil {
					return err
				}
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					page, errGet := a.Pages.Get(ctx, postID)
					if errGet != nil {
						return errGet
					}
					return printJSON(cmd, page)
				})
			},
		},
		&cobra.Command{
			Use:   "delete <post_id>",
			Short: "Delete a page and its queue jobs",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				postID, err := parsePostID(args[0])
				if err != nil {
					return err
				}
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					return a.Pages.Delete(ctx, postID)
				})
			},
		},
	)
	return cmd
}

func costsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Show this month's spend against the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				summary, err := a.Tracker.MonthSummary(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func promptsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect prompt templates",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every block template",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					templates, err := a.Prompts.List(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, templates)
				})
			},
		},
		&cobra.Command{
			Use:   "reset <block_type>",
			Short: "Drop a customized template and restore the default",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Prompts.Reset(ctx, args[0]); err != nil {
						return err
					}
					tpl, err := a.Prompts.Template(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd, tpl)
				})
			},
		},
	)
	return cmd
}
