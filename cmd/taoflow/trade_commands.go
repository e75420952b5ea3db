package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/taoflow/taoflow/client"
)

// apiTaskGetter lets tests fake the task polling loop.
type apiTaskGetter interface {
	GetTradeTask(ctx context.Context, taskID string) (*client.TradeTask, error)
}

func tradeTriggerCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Trigger a sentiment trade for a pair via the dividend endpoint",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "netuid",
				Usage:    "Subnet ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "hotkey",
				Usage:    "Hotkey",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Poll the task until it settles",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait for the task to settle",
				Value:   5 * time.Minute,
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)

			result, err := cl.GetTaoDividend(context.Background(), c.Int64("netuid"), c.String("hotkey"), true)
			if err != nil {
				return fmt.Errorf("failed to trigger trade: %w", err)
			}

			if !result.StakeTxTriggered || result.TaskID == nil {
				fmt.Fprintln(os.Stderr, "trade not triggered (a trade may already be in flight for this pair)")
				return outputWithJQ(result, c.String("jq"))
			}

			if !c.Bool("wait") {
				return outputWithJQ(result, c.String("jq"))
			}

			fmt.Fprintf(os.Stderr, "waiting for task %s to settle...\n", *result.TaskID)
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			task, err := awaitTask(ctx, cl, *result.TaskID, 2*time.Second)
			if err != nil {
				return err
			}
			return outputWithJQ(task, c.String("jq"))
		},
	}
}

func tradeStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of a sentiment trade task",
		ArgsUsage: "TASK_ID",
		Flags: []cli.Flag{
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: task ID")
			}

			cl := getAPIClient(c)
			task, err := cl.GetTradeTask(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get trade task: %w", err)
			}
			return outputWithJQ(task, c.String("jq"))
		},
	}
}

// awaitTask polls the task endpoint until the task reaches a terminal
// state or the context expires.
func awaitTask(ctx context.Context, cl apiTaskGetter, taskID string, interval time.Duration) (interface{}, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := cl.GetTradeTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll trade task: %w", err)
		}
		if task.State == "confirmed" || task.State == "failed" {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for task %s (last state %s)", taskID, task.State)
		case <-ticker.C:
		}
	}
}
