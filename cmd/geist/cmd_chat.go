package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/geistlabs/geistai-sub001/internal/chat"
	"github.com/geistlabs/geistai-sub001/internal/config"
	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/links"
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Run one live turn against the orchestrator",
	Long: `Send a message to ORCHESTRATOR_URL, stream the answer to the terminal
and print the finalized message.

Examples:
  geist chat --user alice "Summarize today's news"
  ORCHESTRATOR_URL=http://localhost:8000 geist chat "hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("user", "", "User id sent in the identity header (default $GEIST_USER_ID)")
	chatCmd.Flags().Bool("quiet", false, "Do not echo tokens while streaming")
	chatCmd.Flags().String("plans", "", "Pricing plans YAML file")
	chatCmd.Flags().String("specialist", "", "Agent whose output is parsed as a negotiation result (default $PRICING_SPECIALIST)")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		userID = os.Getenv("GEIST_USER_ID")
	}
	if userID == "" {
		return fmt.Errorf("a user id is required: pass --user or set GEIST_USER_ID")
	}
	if s, _ := cmd.Flags().GetString("specialist"); s == "" {
		_ = cmd.Flags().Set("specialist", cfg.Pricing.Specialist)
	}
	if p, _ := cmd.Flags().GetString("plans"); p == "" && cfg.Pricing.PlansFile != "" {
		_ = cmd.Flags().Set("plans", cfg.Pricing.PlansFile)
	}
	parser, err := newParser(cmd)
	if err != nil {
		return err
	}

	logger := slog.Default()
	manager := chat.NewManager(chat.ManagerConfig{
		Transport: chat.NewHTTPTransport(chat.HTTPTransportConfig{
			BaseURL:        cfg.Orchestrator.URL,
			StreamPath:     cfg.Orchestrator.StreamPath,
			IdentityHeader: cfg.Orchestrator.IdentityHeader,
			ConnectTimeout: cfg.Orchestrator.ConnectTimeout,
		}, logger),
		IdleTimeout: cfg.Orchestrator.IdleTimeout,
		Links:       links.New(cfg.FaviconCacheSize, logger),
		Negotiation: parser,
		Logger:      logger,
	})
	defer manager.Close()

	quiet, _ := cmd.Flags().GetBool("quiet")
	echo := &tokenEcho{out: cmd.ErrOrStderr()}
	observe := func(m *domain.Message) {
		if !quiet {
			echo.update(m)
		}
	}

	svc, err := manager.Open(cmd.Context(), uuid.NewString())
	if err != nil {
		return err
	}
	msg, sendErr := svc.Send(cmd.Context(), userID, strings.Join(args, " "), observe)
	echo.finish()
	if msg != nil {
		if err := printMessage(cmd, msg); err != nil {
			return err
		}
	}
	if errors.Is(sendErr, chat.ErrCanceled) {
		return errors.New("canceled")
	}
	if sendErr != nil {
		return errors.New(chat.UserMessage(sendErr))
	}
	return nil
}

// tokenEcho writes the newly appended part of the streaming content.
type tokenEcho struct {
	out     io.Writer
	printed int
}

func (e *tokenEcho) update(m *domain.Message) {
	if !m.IsStreaming || len(m.Content) <= e.printed {
		return
	}
	_, _ = fmt.Fprint(e.out, m.Content[e.printed:])
	e.printed = len(m.Content)
}

func (e *tokenEcho) finish() {
	if e.printed > 0 {
		_, _ = fmt.Fprintln(e.out)
	}
}
