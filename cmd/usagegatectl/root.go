package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
)

const defaultTimeout = 5 * time.Minute

type cli struct {
	open    opener
	timeout time.Duration
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "usagegatectl",
		Short:         "Operate usagegate billing jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", defaultTimeout, "deadline for the whole command")

	root.AddCommand(c.jobsCmd())
	root.AddCommand(c.billingCmd())
	root.AddCommand(c.usageCmd())
	root.AddCommand(c.overagesCmd())
	return root
}

// run opens the services for the duration of fn.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, svc *services) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	svc, stop, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = stop(stopCtx)
	}()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(flag, value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--%s must be a snowflake id", flag)
	}
	return id, nil
}

func requireFlag(flag, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("--%s is required", flag)
	}
	return value, nil
}
