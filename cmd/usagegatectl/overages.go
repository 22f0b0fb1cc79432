package main

import (
	"context"

	"github.com/spf13/cobra"
)

func (c *cli) overagesCmd() *cobra.Command {
	overages := &cobra.Command{
		Use:   "overages",
		Short: "Calculate tier overages",
	}

	var creator, customer, period string
	calculate := &cobra.Command{
		Use:   "calculate",
		Short: "Recompute a customer's overage rows for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creatorID, err := parseID("creator", creator)
			if err != nil {
				return err
			}
			customerID, err := requireFlag("customer", customer)
			if err != nil {
				return err
			}
			billingPeriod, err := requireFlag("period", period)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc *services) error {
				rows, err := svc.Overages.CalculateUsageOverages(ctx, creatorID, customerID, billingPeriod)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	calculate.Flags().StringVar(&creator, "creator", "", "creator id (required)")
	calculate.Flags().StringVar(&customer, "customer", "", "customer id (required)")
	calculate.Flags().StringVar(&period, "period", "", "billing period key, e.g. 2026-01 (required)")

	overages.AddCommand(calculate)
	return overages
}
