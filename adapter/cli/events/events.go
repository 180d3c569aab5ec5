package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/eventbus"
)

var patterns []string

// Cmd is the events command group.
var Cmd = &cobra.Command{
	Use:   "events",
	Short: "Observe integration events",
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print notification and analytics events as they are published",
	Long: `Bind a temporary queue to the event exchange and print every matching
event until interrupted. Patterns use topic syntax.

Examples:
  slotwise events tail
  slotwise events tail --pattern 'notifications.*'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp()
		if err != nil {
			return err
		}
		if app.RabbitMQURL == "" {
			return errors.New("events tail requires RABBITMQ_URL")
		}

		out := cmd.OutOrStdout()
		registry := eventbus.NewRegistry(nil)
		registry.Register(eventbus.HandlerFunc{
			Keys: patterns,
			Fn: func(_ context.Context, e *eventbus.Event) error {
				_, err := fmt.Fprintf(out, "%s  %-40s %s %s\n",
					e.OccurredAt.Format("15:04:05.000"), e.RoutingKey, e.AggregateID, e.Payload)
				return err
			},
		})

		consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{URL: app.RabbitMQURL}, registry)
		if err != nil {
			return err
		}
		defer consumer.Close()

		if err := consumer.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().StringSliceVar(&patterns, "pattern", []string{"notifications.#", "analytics.#"}, "routing key patterns")
	Cmd.AddCommand(tailCmd)
}
