package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/usagegate/internal/scheduler"
	"github.com/spf13/cobra"
)

var jobNames = []string{
	scheduler.JobDrainRecompute,
	scheduler.JobClosePeriods,
	scheduler.JobRetryBillingSync,
}

func (c *cli) jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Run scheduler jobs once",
	}

	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduler jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range jobNames {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	jobs.AddCommand(&cobra.Command{
		Use:   "run <job>",
		Short: "Run one scheduler job, or all of them with \"all\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				if args[0] == "all" {
					if err := svc.Scheduler.RunOnce(ctx); err != nil {
						return err
					}
				} else if err := svc.Scheduler.RunJob(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s finished\n", args[0])
				return nil
			})
		},
	})
	return jobs
}
