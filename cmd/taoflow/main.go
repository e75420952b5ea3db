package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Load .env if present; explicit environment still wins
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "taoflow",
		Usage: "Tao dividend query and sentiment trading service CLI",
		Description: `A command-line tool for managing and debugging the taoflow service.

Use this CLI to inspect database state, trigger trades, stream trade events, and debug workflows.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listDividendsCommand(),
					listTransactionsCommand(),
					listTasksCommand(),
				},
			},
			// Trade commands (HTTP API)
			{
				Name:  "trade",
				Usage: "Sentiment trade commands",
				Subcommands: []*cli.Command{
					tradeTriggerCommand(),
					tradeStatusCommand(),
				},
			},
			// NATS trade streaming commands
			{
				Name:  "nats",
				Usage: "NATS trade streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			// Client commands (HTTP API)
			clientCommands(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					workerHealthCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for API and health checks",
				EnvVars: []string{"TAOFLOW_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "Bearer token for /api/v1 routes",
				EnvVars: []string{"API_AUTH_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
