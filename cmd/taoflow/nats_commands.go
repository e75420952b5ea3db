package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/taoflow/taoflow/service/nats"
)

// subscribeCommand streams settled trade events from NATS JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to settled trade events",
		Description: `Subscribe to real-time trade events published to NATS JetStream.

Events are published to the subject: trades.{netuid}.{hotkey}
With no filters, all trades are streamed.

Example:
  taoflow nats subscribe --netuid 18 --json`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "netuid",
				Usage: "Filter by subnet ID",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "hotkey",
				Usage: "Filter by hotkey (requires --netuid)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "taoflow-cli",
			},
		},
		Action: func(c *cli.Context) error {
			netuid := c.Int64("netuid")
			hotkey := c.String("hotkey")
			if hotkey != "" && netuid < 0 {
				return fmt.Errorf("--hotkey requires --netuid")
			}

			var subject string
			switch {
			case hotkey != "":
				subject = natspkg.TradeSubject(netuid, hotkey)
			case netuid >= 0:
				subject = fmt.Sprintf("trades.%d.*", netuid)
			default:
				subject = natspkg.StreamSubjects
			}

			return streamTrades(c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("json"))
		},
	}
}

func streamTrades(natsURL, subject string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if durable {
		config.Durable = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, config)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "subscribed to %s (ctrl-c to stop)\n\n", subject)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()

		var event natspkg.TradeEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			fmt.Fprintf(os.Stderr, "failed to unmarshal event: %v\n", err)
			return
		}

		if jsonOutput {
			outputJSON(event)
			return
		}

		txHash := "-"
		if event.TxHash != nil {
			txHash = *event.TxHash
		}
		score := "-"
		if event.SentimentScore != nil {
			score = fmt.Sprintf("%.0f", *event.SentimentScore)
		}
		fmt.Printf("[%s] task=%s netuid=%d hotkey=%s state=%s direction=%s amount=%d score=%s tx=%s\n",
			event.PublishedAt.Format("15:04:05"),
			event.TaskID,
			event.Netuid,
			event.Hotkey,
			event.State,
			event.Direction,
			event.Amount,
			score,
			txHash,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	// Block until interrupted
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	if !jsonOutput {
		fmt.Fprintln(os.Stderr, "\nshutting down")
	}
	return nil
}
