package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/cmdq/internal/tracing"
	"github.com/harun/cmdq/pkg/commandqueue"
	"github.com/harun/cmdq/pkg/journal"
	"github.com/harun/cmdq/pkg/signaling"
	"github.com/spf13/cobra"
)

var (
	sendURL    string
	sendRepeat int
)

var sendCmd = &cobra.Command{
	Use:   "send <method> [data]",
	Short: "Send commands to a signaling peer through the queue",
	Long: `Send one or more commands to a signaling peer. All commands are pushed
up front and reach the peer one at a time, in push order. data is a JSON
document; results are printed one JSON line per command, in push order.`,
	Example: `  cmdq send echo '{"roomId":"r1"}'
  cmdq send delay '{"ms":200}' --repeat 5`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendURL, "url", "", "peer url (overrides peer.url)")
	sendCmd.Flags().IntVar(&sendRepeat, "repeat", 1, "number of times to push the command")
	rootCmd.AddCommand(sendCmd)
}

// sendResult is one output line of the send command
type sendResult struct {
	Command string          `json:"command"`
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func runSend(cmd *cobra.Command, args []string) error {
	method := args[0]

	var data json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("data is not valid JSON: %s", args[1])
		}
		data = json.RawMessage(args[1])
	}
	if sendRepeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	if cmd.Flags().Changed("url") {
		cfg.Peer.URL = sendURL
	}

	log := rt.log.Component("send")
	ctx := tracing.NewRequestContext(cmd.Context())

	client, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:            cfg.Peer.URL,
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         &log,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	queue, err := commandqueue.New(commandqueue.Config{
		Name:      cfg.Queue.Name,
		Executor:  client,
		Logger:    &log,
		WarnAfter: cfg.WarnAfter(),
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Config{
			Path:   cfg.Journal.Path,
			Logger: &log,
		})
		if err != nil {
			return err
		}
		defer j.Close()
		j.Attach(queue)
	}

	futures := make([]*commandqueue.Future, sendRepeat)
	for i := range futures {
		futures[i] = queue.PushWithContext(ctx, method, data)
	}

	failed := 0
	enc := json.NewEncoder(cmd.OutOrStdout())
	for i, future := range futures {
		value, err := future.Await(cmd.Context())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		result := sendResult{Command: fmt.Sprintf("%s#%d", method, i+1), OK: err == nil}
		if err != nil {
			failed++
			result.Error = err.Error()
		} else if raw, ok := value.(json.RawMessage); ok {
			result.Data = raw
		}

		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	// Let the journal see the last completion before it closes
	queue.WaitForIdle(5 * time.Second)

	if failed > 0 {
		return fmt.Errorf("%d of %d commands failed", failed, len(futures))
	}
	return nil
}
