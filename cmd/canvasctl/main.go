package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
	"github.com/manpreetbhatti/lattice-canvas/internal/events"
	"github.com/manpreetbhatti/lattice-canvas/internal/logging"
	"github.com/manpreetbhatti/lattice-canvas/internal/presence"
	"github.com/manpreetbhatti/lattice-canvas/pkg/canvasclient"
)

type globalOptions struct {
	url     string
	room    string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "canvasctl",
		Short:         "Inspect and drive a canvas room from the command line",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "canvas server websocket endpoint")
	flags.StringVarP(&opts.room, "room", "r", "default", "room to join")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for one-shot commands")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection activity to stderr")

	rootCmd.AddCommand(
		newWatchCmd(opts),
		newDocumentCmd(opts),
		newSetCmd(opts),
		newDeleteCmd(opts),
		newOneShotCmd(opts, "reset", "Delete every object in the room", (*canvasclient.Client).ResetAll),
		newOneShotCmd(opts, "undo", "Undo the latest change in the room", (*canvasclient.Client).Undo),
		newOneShotCmd(opts, "redo", "Redo the latest undone change", (*canvasclient.Client).Redo),
	)
	return rootCmd
}

func connect(ctx context.Context, opts *globalOptions) (*canvasclient.Client, error) {
	logger := zap.NewNop()
	if opts.verbose {
		l, err := logging.New("debug", true)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	client, err := canvasclient.Dial(ctx, opts.url, opts.room, canvasclient.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to join room %q: %w", opts.room, err)
	}
	return client, nil
}

// withClient joins the room, runs fn and leaves
func withClient(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, c *canvasclient.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream document, presence and event updates as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			client, err := connect(dialCtx, opts)
			cancel()
			if err != nil {
				return err
			}
			defer client.Close()

			out := newPrinter(cmd.OutOrStdout())
			replica := client.Replica()
			out.print("welcome", map[string]any{
				"connectionId": replica.ConnectionID(),
				"sequence":     replica.Sequence(),
				"objects":      len(replica.Snapshot()),
			})

			replica.OnChange(func(records []document.Record) {
				out.print("document", map[string]any{"sequence": replica.Sequence(), "objects": records})
			})
			replica.OnPresence(func(peers map[string]presence.Entry) {
				out.print("presence", peers)
			})
			replica.OnEvent(func(from string, ev events.Event) {
				out.print("event", map[string]any{"from": from, "event": ev})
			})

			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return client.Err()
			}
		},
	}
}

func newDocumentCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "document",
		Short: "Print the current room document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *canvasclient.Client) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(c.Snapshot())
			})
		},
	}
}

func newSetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <objectId> <json>",
		Short: "Create or replace one object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withClient(cmd, opts, func(ctx context.Context, c *canvasclient.Client) error {
				return c.SetShape(ctx, args[0], payload)
			})
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <objectId>",
		Short: "Delete one object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *canvasclient.Client) error {
				return c.DeleteOne(ctx, args[0])
			})
		},
	}
}

func newOneShotCmd(opts *globalOptions, use, short string, fn func(*canvasclient.Client, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *canvasclient.Client) error {
				if err := fn(c, ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s ok (sequence %d)\n", use, c.Replica().Sequence())
				return nil
			})
		},
	}
}

// printer serializes output from listener goroutines
type printer struct {
	enc *json.Encoder
	ch  chan line
}

type line struct {
	Kind string `json:"kind"`
	At   string `json:"at"`
	Data any    `json:"data"`
}

func newPrinter(w io.Writer) *printer {
	p := &printer{enc: json.NewEncoder(w), ch: make(chan line, 64)}
	go func() {
		for l := range p.ch {
			p.enc.Encode(l)
		}
	}()
	return p
}

func (p *printer) print(kind string, data any) {
	p.ch <- line{Kind: kind, At: time.Now().Format(time.RFC3339Nano), Data: data}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
