package main

import (
	"context"

	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/spf13/cobra"
)

func (c *cli) usageCmd() *cobra.Command {
	usage := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and rebuild usage aggregates",
	}

	var meter, user, period string
	recompute := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild one aggregate from raw events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			meterID, err := parseID("meter", meter)
			if err != nil {
				return err
			}
			userID, err := requireFlag("user", user)
			if err != nil {
				return err
			}
			billingPeriod, err := requireFlag("period", period)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				agg, err := svc.Aggregator.RecomputeAggregate(ctx, meterID, userID, billingPeriod)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agg)
			})
		},
	}
	recompute.Flags().StringVar(&meter, "meter", "", "meter id (required)")
	recompute.Flags().StringVar(&user, "user", "", "user id (required)")
	recompute.Flags().StringVar(&period, "period", "", "billing period key (required)")

	var sMeter, sUser, sPlan, sPeriod string
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show a user's usage against the plan limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			meterID, err := parseID("meter", sMeter)
			if err != nil {
				return err
			}
			userID, err := requireFlag("user", sUser)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				res, err := svc.Usage.GetUsageSummary(ctx, usagedomain.SummaryRequest{
					MeterID:       meterID,
					UserID:        userID,
					PlanName:      sPlan,
					BillingPeriod: sPeriod,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	summary.Flags().StringVar(&sMeter, "meter", "", "meter id (required)")
	summary.Flags().StringVar(&sUser, "user", "", "user id (required)")
	summary.Flags().StringVar(&sPlan, "plan", "", "plan name; defaults to the user's current tier")
	summary.Flags().StringVar(&sPeriod, "period", "", "billing period key; defaults to the current period")

	usage.AddCommand(recompute, summary)
	return usage
}
