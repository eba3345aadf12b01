package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"chatsync/internal/config"
	"chatsync/internal/logging"

	"github.com/spf13/cobra"
)

type options struct {
	wsBase     string
	apiBase    string
	chatBase   string
	transcript string
	logLevel   string
	logBackend string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Realtime chat room client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.wsBase, "ws-base", "", "websocket base URL (env CHAT_WS_BASE)")
	flags.StringVar(&opts.apiBase, "api-base", "", "REST API base URL (env CHAT_API_BASE)")
	flags.StringVar(&opts.chatBase, "chat-base", "", "chat service base URL (env CHAT_BASE)")
	flags.StringVar(&opts.transcript, "transcript", "", "bbolt transcript file (env CHAT_TRANSCRIPT)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	flags.StringVar(&opts.logBackend, "log-backend", "", "std or zap (env LOG_BACKEND)")

	root.AddCommand(newJoinCmd(opts), newTranscriptCmd(opts))
	return root
}

// load reads the environment and applies flag overrides on top.
func (o *options) load(tokenOptional bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(tokenOptional)
	if err != nil {
		return nil, nil, err
	}

	for _, override := range []struct {
		flag string
		dst  *string
	}{
		{o.wsBase, &cfg.WSBase},
		{o.apiBase, &cfg.APIBase},
		{o.chatBase, &cfg.ChatBase},
		{o.transcript, &cfg.Transcript},
		{o.logLevel, &cfg.LogLevel},
		{o.logBackend, &cfg.LogBackend},
	} {
		if override.flag != "" {
			*override.dst = override.flag
		}
	}
	if err := cfg.Validate(tokenOptional); err != nil {
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Backend: logging.Backend(cfg.LogBackend),
		Format:  cfg.LogFormat,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// syncWriter serializes writes from the input and print loops.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
