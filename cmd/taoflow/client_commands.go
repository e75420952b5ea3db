package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/taoflow/taoflow/client"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the taoflow service",
		Subcommands: []*cli.Command{
			clientDividendsCommand(),
			clientStakeCommand(),
			clientUnstakeCommand(),
			clientDividendHistoryCommand(),
			clientTransactionHistoryCommand(),
		},
	}
}

func clientDividendsCommand() *cli.Command {
	return &cli.Command{
		Name:  "dividends",
		Usage: "Query Tao dividends for a pair or a whole subnet",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "netuid",
				Usage: "Subnet ID (server default when omitted)",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "hotkey",
				Usage: "Hotkey (omit with --netuid to query the whole subnet)",
			},
			&cli.BoolFlag{
				Name:  "trade",
				Usage: "Trigger a sentiment trade for the queried pair(s)",
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)
			netuid := c.Int64("netuid")
			hotkey := c.String("hotkey")
			trade := c.Bool("trade")

			var result interface{}
			var err error
			switch {
			case netuid >= 0 && hotkey == "":
				result, err = cl.GetSubnetDividends(context.Background(), netuid, trade)
			case netuid >= 0:
				result, err = cl.GetTaoDividend(context.Background(), netuid, hotkey, trade)
			case hotkey != "":
				return fmt.Errorf("--hotkey requires --netuid")
			default:
				// Server applies its configured default pair
				result, err = cl.GetDefaultTaoDividend(context.Background(), trade)
			}
			if err != nil {
				return fmt.Errorf("failed to query dividends: %w", err)
			}

			return outputWithJQ(result, c.String("jq"))
		},
	}
}

func clientStakeCommand() *cli.Command {
	return &cli.Command{
		Name:      "stake",
		Usage:     "Submit a direct stake, bypassing sentiment analysis",
		ArgsUsage: "AMOUNT_RAO",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "netuid", Usage: "Subnet ID", Value: -1},
			&cli.StringFlag{Name: "hotkey", Usage: "Hotkey (server default when omitted)"},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			return runDirectTrade(c, "stake")
		},
	}
}

func clientUnstakeCommand() *cli.Command {
	return &cli.Command{
		Name:      "unstake",
		Usage:     "Submit a direct unstake, bypassing sentiment analysis",
		ArgsUsage: "AMOUNT_RAO",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "netuid", Usage: "Subnet ID", Value: -1},
			&cli.StringFlag{Name: "hotkey", Usage: "Hotkey (server default when omitted)"},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			return runDirectTrade(c, "unstake")
		},
	}
}

func runDirectTrade(c *cli.Context, direction string) error {
	if c.NArg() != 1 {
		return fmt.Errorf("requires exactly one argument: amount in rao")
	}

	var amount int64
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &amount); err != nil {
		return fmt.Errorf("invalid amount %q: %w", c.Args().First(), err)
	}

	cl := getAPIClient(c)
	netuid := c.Int64("netuid")
	if netuid < 0 {
		netuid = 0
	}

	var result *client.TradeResult
	var err error
	if direction == "stake" {
		result, err = cl.Stake(context.Background(), netuid, c.String("hotkey"), amount)
	} else {
		result, err = cl.Unstake(context.Background(), netuid, c.String("hotkey"), amount)
	}
	if err != nil {
		return fmt.Errorf("failed to %s: %w", direction, err)
	}

	return outputWithJQ(result, c.String("jq"))
}

func clientDividendHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:    "dividend-history",
		Usage:   "List persisted dividend observations via the HTTP API",
		Aliases: []string{"history"},
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "netuid", Usage: "Filter by subnet ID", Value: -1},
			&cli.StringFlag{Name: "hotkey", Usage: "Filter by hotkey"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50},
			&cli.IntFlag{Name: "offset"},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)
			records, err := cl.DividendHistory(context.Background(), historyFilter(c))
			if err != nil {
				return fmt.Errorf("failed to fetch dividend history: %w", err)
			}
			return outputWithJQ(records, c.String("jq"))
		},
	}
}

func clientTransactionHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:    "transaction-history",
		Usage:   "List settled stake transactions via the HTTP API",
		Aliases: []string{"txns"},
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "netuid", Usage: "Filter by subnet ID", Value: -1},
			&cli.StringFlag{Name: "hotkey", Usage: "Filter by hotkey"},
			&cli.StringFlag{Name: "operation-type", Aliases: []string{"op"}, Usage: "Filter by operation type (stake, unstake)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50},
			&cli.IntFlag{Name: "offset"},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)
			filter := historyFilter(c)
			if op := c.String("operation-type"); op != "" {
				filter.OperationType = &op
			}
			txns, err := cl.StakeTransactionHistory(context.Background(), filter)
			if err != nil {
				return fmt.Errorf("failed to fetch transaction history: %w", err)
			}
			return outputWithJQ(txns, c.String("jq"))
		},
	}
}

func jqFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "jq",
		Usage: "jq expression applied to the JSON output",
	}
}

func historyFilter(c *cli.Context) client.HistoryFilter {
	filter := client.HistoryFilter{
		Limit:  int32(c.Int("limit")),
		Offset: int32(c.Int("offset")),
	}
	if n := c.Int64("netuid"); n >= 0 {
		filter.Netuid = &n
	}
	if hk := c.String("hotkey"); hk != "" {
		filter.Hotkey = &hk
	}
	return filter
}

// getAPIClient builds an authenticated client from the global flags.
func getAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), c.String("auth-token"), nil, logger)
}

// outputWithJQ prints v as indented JSON, optionally filtered through a
// jq expression first.
func outputWithJQ(v interface{}, expr string) error {
	if expr == "" {
		return outputJSON(v)
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("failed to parse jq expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq expression %q: %w", expr, err)
	}

	// Round-trip through JSON so gojq sees plain maps and slices
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal output: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	iter := code.Run(doc)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq evaluation failed: %w", err)
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return nil
}
