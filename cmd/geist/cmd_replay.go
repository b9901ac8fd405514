package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/geistlabs/geistai-sub001/internal/chat"
	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/links"
	"github.com/geistlabs/geistai-sub001/internal/negotiation"
	"github.com/geistlabs/geistai-sub001/internal/reducer"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Rebuild the message of a captured stream",
	Long: `Decode a captured orchestrator stream through the same engine the relay
uses and print the finalized message. Use "-" to read from stdin.

Examples:
  geist replay capture.sse
  geist replay capture.sse --chunk-size 1 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().Int("chunk-size", 0, "Fragment size in bytes (0 feeds the whole capture at once)")
	replayCmd.Flags().String("plans", "", "Pricing plans YAML file")
	replayCmd.Flags().String("specialist", negotiation.DefaultSpecialist, "Agent whose output is parsed as a negotiation result")
}

func runReplay(cmd *cobra.Command, args []string) error {
	data, err := readCapture(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	if chunkSize < 0 {
		return fmt.Errorf("chunk-size must be >= 0")
	}
	parser, err := newParser(cmd)
	if err != nil {
		return err
	}

	msg, err := replay(cmd.Context(), data, chunkSize, parser)
	if msg != nil {
		if printErr := printMessage(cmd, msg); printErr != nil {
			return printErr
		}
	}
	return err
}

// replay runs data through a fresh reducer and returns the terminal message.
func replay(ctx context.Context, data []byte, chunkSize int, parser *negotiation.Parser) (*domain.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.Default()
	r := reducer.New("replay",
		reducer.WithLinkCollector(links.New(0, logger)),
		reducer.WithNegotiationParser(parser),
		reducer.WithLogger(logger),
	)
	msg := r.BeginTurn()

	body, err := (&chat.ReplayTransport{Data: data, ChunkSize: chunkSize}).Open(ctx, chat.TurnRequest{})
	if err != nil {
		return nil, err
	}
	runErr := chat.NewEngine(r, time.Minute, logger).Run(ctx, msg.ID, body, nil)
	var serr *chat.ServerError
	if errors.As(runErr, &serr) {
		// the capture recorded a server error; the message already carries it
		runErr = nil
	}
	return r.Message(msg.ID), runErr
}

func readCapture(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return data, nil
}

func newParser(cmd *cobra.Command) (*negotiation.Parser, error) {
	specialist, _ := cmd.Flags().GetString("specialist")
	plansFile, _ := cmd.Flags().GetString("plans")
	plans := negotiation.DefaultPlans()
	if plansFile != "" {
		var err error
		if plans, err = negotiation.LoadPlans(plansFile); err != nil {
			return nil, err
		}
	}
	return negotiation.NewParser(specialist, plans, slog.Default()), nil
}
