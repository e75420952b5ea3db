package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server liveness",
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := cl.Health(ctx); err != nil {
				return fmt.Errorf("server unhealthy: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"status": "ok"})
			}
			fmt.Println("server is healthy")
			return nil
		},
	}
}

func workerHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker-health",
		Usage: "Check the server's Temporal connectivity",
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := cl.WorkerHealth(ctx); err != nil {
				return fmt.Errorf("worker unhealthy: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"status": "ok"})
			}
			fmt.Println("worker is healthy")
			return nil
		},
	}
}
