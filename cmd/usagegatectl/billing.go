package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
)

func (c *cli) billingCmd() *cobra.Command {
	billing := &cobra.Command{
		Use:   "billing",
		Short: "Process billing cycles and provider syncs",
	}

	var creator, period string
	processCycle := &cobra.Command{
		Use:   "process-cycle",
		Short: "Bill every active customer of a creator for one period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creatorID, err := parseID("creator", creator)
			if err != nil {
				return err
			}
			billingPeriod, err := requireFlag("period", period)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				res, err := svc.BillingSync.ProcessBillingCycle(ctx, creatorID, billingPeriod)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	processCycle.Flags().StringVar(&creator, "creator", "", "creator id (required)")
	processCycle.Flags().StringVar(&period, "period", "", "billing period key, e.g. 2026-01 (required)")

	var failedCreator string
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List failed syncs that can still be retried",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var creatorID snowflake.ID
			if failedCreator != "" {
				id, err := parseID("creator", failedCreator)
				if err != nil {
					return err
				}
				creatorID = id
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				records, err := svc.BillingSync.GetFailedBillingSync(ctx, creatorID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	failed.Flags().StringVar(&failedCreator, "creator", "", "only list syncs of this creator")

	retry := &cobra.Command{
		Use:   "retry <sync-id>",
		Short: "Retry one failed sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("sync-id", args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				record, err := svc.BillingSync.RetryFailedSync(ctx, id)
				if record != nil {
					if perr := printJSON(cmd.OutOrStdout(), record); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	var limit int
	sweep := &cobra.Command{
		Use:   "retry-eligible",
		Short: "Retry failed syncs whose backoff has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				res, err := svc.BillingSync.RetryEligible(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	sweep.Flags().IntVar(&limit, "limit", 100, "maximum syncs to retry")

	billing.AddCommand(processCycle, failed, retry, sweep)
	return billing
}
