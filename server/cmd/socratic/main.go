package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"socratic-tutor/server/internal/api"
	"socratic-tutor/server/internal/config"
	"socratic-tutor/server/internal/repl"
	"socratic-tutor/server/internal/session"
	"socratic-tutor/server/internal/timeline"
)

var (
	configPath string
	sessionID  string
	noHistory  bool
)

var rootCmd = &cobra.Command{
	Use:   "socratic",
	Short: "Socratic tutoring dialogue driven by an arbiter and four teaching strategies",
	// 不带子命令时进入交互模式
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive tutoring session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tutoring sessions over HTTP and WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	chatCmd.Flags().StringVarP(&sessionID, "session", "i", "cli", "Session ID used in logs and the sqlite backend")
	chatCmd.Flags().BoolVar(&noHistory, "no-history", false, "Start with persistent history disabled")
	rootCmd.Flags().AddFlagSet(chatCmd.Flags())
	rootCmd.AddCommand(chatCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup 加载 .env 与配置，并配置全局 logger。
func setup(logOut *os.File) (*config.Config, *slog.Logger, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(logOut, opts)
	} else {
		handler = slog.NewTextHandler(logOut, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := cfg.RequireAPIKey(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runChat(ctx context.Context) error {
	// 交互模式下日志写 stderr，避免打断对话输出
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	if noHistory {
		cfg.History.Enabled = false
	}

	deps, err := newDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	sess := deps.newSession(sessionID, deps.chatStore(sessionID), nil)
	sess.Open(ctx)
	logger.Debug("chat session opened", "session_id", sessionID, "history", len(sess.History()))

	r := repl.New(os.Stdin, os.Stdout, sess, repl.Options{
		Color:     cfg.UI.Color,
		Markdown:  cfg.UI.Markdown,
		Threshold: cfg.Dialogue.MasteryThreshold,
		MaxHops:   cfg.Dialogue.MaxHops,
	})
	return r.Run(ctx)
}

func runServe(ctx context.Context) error {
	cfg, logger, err := setup(os.Stdout)
	if err != nil {
		return err
	}

	deps, err := newDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	tl := timeline.NewInMemoryStore()
	manager := session.NewManager(deps.serveFactory(tl))
	server := api.NewServer(manager, tl, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", httpServer.Addr, "provider", cfg.LLM.Provider, "history_backend", cfg.History.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down server")
		return httpServer.Shutdown(shutdownCtx)
	}
}
