package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/router-for-me/PageBlocks/internal/app"
	"github.com/spf13/cobra"
)

func queueCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the generation queue",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Queue.List(ctx, status)
				if err != nil {
					return err
				}
				return printJSON(cmd, jobs)
			})
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, processing, completed, failed)")

	var delay time.Duration
	enqueue := &cobra.Command{
		Use:   "enqueue <post_id>",
		Short: "Schedule a page for bulk generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, err := parsePostID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, errGet := a.Pages.Get(ctx, postID); errGet != nil {
					return errGet
				}
				job, created, errEnqueue := a.Queue.Enqueue(ctx, postID, time.Now().UTC().Add(delay))
				if errEnqueue != nil {
					return errEnqueue
				}
				return printJSON(cmd, map[string]any{"job": job, "created": created})
			})
		},
	}
	enqueue.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes due")

	var olderThan time.Duration
	requeue := &cobra.Command{
		Use:   "requeue-stuck",
		Short: "Return long-running processing jobs to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				threshold := olderThan
				if threshold <= 0 {
					threshold = a.Config.Queue.StuckAfter
				}
				n, err := a.Queue.RequeueStuck(ctx, threshold)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"requeued": n})
			})
		},
	}
	requeue.Flags().DurationVar(&olderThan, "older-than", 0, "Processing age threshold (default queue.stuck_after)")

	cmd.AddCommand(
		list,
		enqueue,
		requeue,
		&cobra.Command{
			Use:   "status",
			Short: "Show queue counts and the completion estimate",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					stats, err := a.Queue.Stats(ctx)
					if err != nil {
						return err
					}
					estimate, err := a.Queue.EstimatedCompletion(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"stats": stats, "paused": a.Queue.IsPaused(), "estimate": estimate})
				})
			},
		},
		&cobra.Command{
			Use:   "process-next",
			Short: "Claim and run the next due job",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					outcome, err := a.Processor.ProcessNext(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"processed": outcome != nil, "outcome": outcome})
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every pending job",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					n, err := a.Queue.Clear(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"cleared": n})
				})
			},
		},
		&cobra.Command{
			Use:   "pause",
			Short: "Stop the scheduler from claiming jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Queue.Pause(ctx); err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"paused": true})
				})
			},
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Let the scheduler claim jobs again",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Queue.Resume(ctx); err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"paused": false})
				})
			},
		},
		&cobra.Command{
			Use:   "remove <post_id>",
			Short: "Delete every job for a page",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				postID, err := parsePostID(args[0])
				if err != nil {
					return err
				}
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					n, errRemove := a.Queue.RemoveJob(ctx, postID)
					if errRemove != nil {
						return errRemove
					}
					return printJSON(cmd, map[string]any{"post_id": postID, "removed": n})
				})
			},
		},
	)
	return cmd
}

func parsePostID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid post id %q", raw)
	}
	return id, nil
}
