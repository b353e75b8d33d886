package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntor/querybot/pkg/kafka"
	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/models"
)

var (
	outcomesGroup   string
	outcomesFromAll bool
	outcomesFailed  bool
)

// outcomesCmd tails the outcome topics
var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Follow published query outcomes",
	Long: `Consume the query outcome topics and print each outcome as it arrives.

Examples:
  querybot outcomes
  querybot outcomes --failed-only --from-beginning`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(querybotConfig.Kafka.Brokers) == 0 {
			return fmt.Errorf("no kafka brokers configured")
		}

		bc := busConfig(querybotConfig)
		bc.Consumer.GroupID = outcomesGroup
		if bc.Consumer.GroupID == "" {
			bc.Consumer.GroupID = fmt.Sprintf("querybot-cli-%d", time.Now().UnixNano())
		}
		if outcomesFromAll {
			bc.Consumer.AutoOffsetReset = "earliest"
		}

		client := kafka.NewClient(bc, logging.NewNop())
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer closeQuietly(client)

		topics := kafka.OutcomeTopics
		if outcomesFailed {
			topics = []string{kafka.TopicQueryFailed}
		}
		if err := client.Subscribe(ctx, topics, outcomePrinter(cmd.OutOrStdout())); err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Following %v (Ctrl+C to stop)\n", topics)
		<-ctx.Done()
		return nil
	},
}

func init() {
	outcomesCmd.Flags().StringVar(&outcomesGroup, "group", "", "consumer group (default: a fresh group per run)")
	outcomesCmd.Flags().BoolVar(&outcomesFromAll, "from-beginning", false, "start from the oldest retained outcome")
	outcomesCmd.Flags().BoolVar(&outcomesFailed, "failed-only", false, "only follow failed queries")
}

// outcomePrinter writes one line (or JSON object) per outcome. Readers run
// one goroutine per topic so writes are serialised.
func outcomePrinter(out io.Writer) kafka.OutcomeHandler {
	var mu sync.Mutex
	return func(ctx context.Context, o models.QueryOutcome) error {
		mu.Lock()
		defer mu.Unlock()

		if jsonOutput {
			return printJSON(out, o)
		}
		status := "ok"
		if !o.Success {
			status = string(o.Failure)
		}
		line := fmt.Sprintf("%s  %-14s task=%s channel=%s rows=%d", o.Timestamp.Format(time.RFC3339), status, o.TaskID, o.ChannelID, o.RowCount)
		if o.CSVPath != "" {
			line += " csv=" + o.CSVPath
		}
		_, err := fmt.Fprintf(out, "%s\n    %s\n", line, truncate(o.Message, 120))
		return err
	}
}
