package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/taoflow/taoflow/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			pool, closer, err := getPool(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := db.Migrate(context.Background(), pool); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}

			fmt.Fprintln(os.Stderr, "schema applied")
			return nil
		},
	}
}

func listDividendsCommand() *cli.Command {
	return &cli.Command{
		Name:    "dividends",
		Usage:   "List persisted dividend observations",
		Aliases: []string{"divs"},
		Flags:   append(pairFilterFlags(), paginationFlags()...),
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			records, err := store.ListDividendHistory(context.Background(), db.ListDividendHistoryParams{
				Netuid: netuidFilter(c),
				Hotkey: hotkeyFilter(c),
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list dividend history: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(records)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNETUID\tHOTKEY\tDIVIDEND (RAO)\tOBSERVED")
			for _, rec := range records {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n",
					rec.ID,
					rec.Netuid,
					rec.Hotkey,
					rec.Dividend,
					rec.ObservedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d records\n", len(records))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Usage:   "List settled stake transactions",
		Aliases: []string{"txs"},
		Flags: append(append(pairFilterFlags(), paginationFlags()...),
			&cli.StringFlag{
				Name:    "operation-type",
				Aliases: []string{"op"},
				Usage:   "Filter by operation type (stake, unstake)",
			},
		),
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var opType *string
			if op := c.String("operation-type"); op != "" {
				opType = &op
			}

			txns, err := store.ListStakeTransactions(context.Background(), db.ListStakeTransactionsParams{
				Netuid:        netuidFilter(c),
				Hotkey:        hotkeyFilter(c),
				OperationType: opType,
				Limit:         int32(c.Int("limit")),
				Offset:        int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list stake transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNETUID\tHOTKEY\tOP\tAMOUNT (RAO)\tSTATUS\tTX HASH\tCREATED")
			for _, txn := range txns {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					txn.ID,
					txn.Netuid,
					txn.Hotkey,
					txn.OperationType,
					txn.Amount,
					txn.Status,
					formatOptional(txn.TxHash),
					txn.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func listTasksCommand() *cli.Command {
	return &cli.Command{
		Name:    "tasks",
		Usage:   "List sentiment trade tasks",
		Aliases: []string{"ts"},
		Flags: append(append(pairFilterFlags(), paginationFlags()...),
			&cli.StringFlag{
				Name:    "state",
				Aliases: []string{"s"},
				Usage:   "Filter by state (pending, scoring, deciding, submitting, confirmed, failed)",
			},
		),
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var state *string
			if st := c.String("state"); st != "" {
				if !db.ValidTaskState(st) {
					return fmt.Errorf("unknown state %q", st)
				}
				state = &st
			}

			tasks, err := store.ListTradeTasks(context.Background(), db.ListTradeTasksParams{
				Netuid: netuidFilter(c),
				Hotkey: hotkeyFilter(c),
				State:  state,
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list trade tasks: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(tasks)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK ID\tNETUID\tHOTKEY\tSTATE\tSCORE\tDIRECTION\tAMOUNT (RAO)\tREQUESTED")
			for _, task := range tasks {
				score := "-"
				if task.SentimentScore != nil {
					score = fmt.Sprintf("%.0f", *task.SentimentScore)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					task.TaskID,
					task.Netuid,
					task.Hotkey,
					task.State,
					score,
					task.Direction,
					task.Amount,
					task.RequestedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d tasks\n", len(tasks))
			return nil
		},
	}
}

func pairFilterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:  "netuid",
			Usage: "Filter by subnet ID",
			Value: -1,
		},
		&cli.StringFlag{
			Name:  "hotkey",
			Usage: "Filter by hotkey",
		},
	}
}

func paginationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   "Limit number of rows",
			Value:   50,
		},
		&cli.IntFlag{
			Name:  "offset",
			Usage: "Offset into the result set",
		},
	}
}

func netuidFilter(c *cli.Context) *int64 {
	if n := c.Int64("netuid"); n >= 0 {
		return &n
	}
	return nil
}

func hotkeyFilter(c *cli.Context) *string {
	if hk := c.String("hotkey"); hk != "" {
		return &hk
	}
	return nil
}

// Helper function to connect to database
func getPool(c *cli.Context) (*pgxpool.Pool, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, func() { pool.Close() }, nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	pool, closer, err := getPool(c)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool), closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Helper function to format optional strings
func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
