package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"socratic-tutor/server/internal/agent"
	"socratic-tutor/server/internal/arbiter"
	"socratic-tutor/server/internal/config"
	"socratic-tutor/server/internal/contextcap"
	"socratic-tutor/server/internal/history"
	"socratic-tutor/server/internal/llm"
	"socratic-tutor/server/internal/orchestrator"
	"socratic-tutor/server/internal/session"
	"socratic-tutor/server/internal/timeline"
)

// sessionIDPattern 限制 session id 的字符，id 会出现在历史文件名中。
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// deps 是两个子命令共享的组件。
type deps struct {
	cfg          *config.Config
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	estimator    contextcap.Estimator
	sqlite       *history.SQLiteDB
	now          func() time.Time
}

func newDeps(cfg *config.Config, logger *slog.Logger) (*deps, error) {
	client, err := llm.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return buildDeps(cfg, logger, client)
}

// buildDeps 组装编排器与存储，client 由调用方提供便于替换。
func buildDeps(cfg *config.Config, logger *slog.Logger, client llm.Client) (*deps, error) {
	now := time.Now

	registry, err := agent.NewDefaultRegistry(client, cfg.Agents.PromptsDir, now)
	if err != nil {
		return nil, err
	}
	arb := arbiter.New(client, registry.Names(), cfg.Dialogue.MasteryThreshold, logger)
	orch := orchestrator.New(arb, registry,
		orchestrator.WithMaxHops(cfg.Dialogue.MaxHops),
		orchestrator.WithMasteryThreshold(cfg.Dialogue.MasteryThreshold),
		orchestrator.WithClock(now),
		orchestrator.WithLogger(logger),
	)

	est, err := contextcap.NewEstimator(cfg.Tokenizer)
	if err != nil {
		return nil, err
	}

	d := &deps{cfg: cfg, logger: logger, orchestrator: orch, estimator: est, now: now}
	if cfg.History.Backend == config.BackendSQLite {
		db, err := history.OpenSQLite(cfg.History.SQLitePath, now, logger)
		if err != nil {
			return nil, err
		}
		d.sqlite = db
	}
	return d, nil
}

func (d *deps) Close() {
	if d.sqlite == nil {
		return
	}
	if err := d.sqlite.Close(); err != nil {
		d.logger.Error("Failed to close history database", "error", err)
	}
}

// chatStore 返回交互模式的历史句柄：json 后端使用 history.path 单文件。
func (d *deps) chatStore(id string) history.Store {
	if d.sqlite != nil {
		return d.sqlite.Store(id)
	}
	return history.NewFileStore(d.cfg.History.Path, d.now, d.logger)
}

// serveStore 返回服务模式的历史句柄：json 后端每个 session 一个文件。
func (d *deps) serveStore(id string) history.Store {
	if d.sqlite != nil {
		return d.sqlite.Store(id)
	}
	return history.NewFileStore(filepath.Join(d.cfg.History.Dir, id+".json"), d.now, d.logger)
}

func (d *deps) newSession(id string, store history.Store, tl timeline.Store) *session.Session {
	opts := []session.Option{
		session.WithEstimator(d.estimator),
		session.WithTokenBudget(d.cfg.Dialogue.TokenBudget),
		session.WithPersistence(d.cfg.History.Enabled),
		session.WithClock(d.now),
		session.WithLogger(d.logger),
	}
	if tl != nil {
		opts = append(opts, session.WithTimeline(tl))
	}
	return session.New(id, store, d.orchestrator, opts...)
}

func (d *deps) serveFactory(tl timeline.Store) session.Factory {
	return func(ctx context.Context, id string) (*session.Session, error) {
		if !sessionIDPattern.MatchString(id) {
			return nil, fmt.Errorf("%w: %q", session.ErrInvalidID, id)
		}
		sess := d.newSession(id, d.serveStore(id), tl)
		sess.Open(ctx)
		return sess, nil
	}
}
