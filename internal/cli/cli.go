// Package cli implements the minima command line: model inspection, one-shot
// generation, an interactive chat loop and the generation history.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"minima/internal/config"
	"minima/internal/history"
	"minima/internal/inference"
	"minima/internal/model"
	"minima/internal/tokencache"
	"minima/pkg/bridge"
)

// options carries the resolved configuration and IO streams for one run.
type options struct {
	configPath string
	logLevel   string
	cfg        config.Config

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    zerolog.Logger
}

// Main runs the CLI against the process arguments and returns an exit code.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return MainWithArgs(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// MainWithArgs runs the CLI with explicit arguments and streams.
func MainWithArgs(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o := &options{stdin: stdin, stdout: stdout, stderr: stderr, log: zerolog.Nop()}
	root := buildRootCmdWith(o)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

// setup loads the config file, applies defaults and installs the logger.
func (o *options) setup(cmd *cobra.Command) error {
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		o.cfg = cfg
	}
	if cmd.Flags().Changed("log-level") || o.cfg.LogLevel == "" {
		o.cfg.LogLevel = o.logLevel
	}
	o.cfg = o.cfg.WithDefaults()
	o.log = newLogger(o.stderr, o.cfg.LogLevel)
	return nil
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// session bundles a bridge with the stores it was built on.
type session struct {
	b       *bridge.Bridge
	tokens  *tokencache.Cache
	history *history.Store
}

func (s *session) Close() {
	_ = s.b.Close()
	s.tokens.Close()
	if s.history != nil {
		_ = s.history.Close()
	}
}

// openSession builds a bridge from the resolved config. A failed model load
// is returned as an error.
func (o *options) openSession(ctx context.Context, pub bridge.EventPublisher) (*session, error) {
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("no model: pass --model or set model_path in the config file")
	}
	policy, err := inference.ParseWindowPolicy(cfg.WindowPolicy)
	if err != nil {
		return nil, err
	}
	tokens, err := tokencache.New(tokencache.Options{Dir: cfg.TokenCacheDir, TTL: cfg.TokenCacheTTL(), Logger: &o.log})
	if err != nil {
		return nil, err
	}
	s := &session{tokens: tokens}
	if cfg.HistoryDB != "" {
		hs, err := history.Open(cfg.HistoryDB)
		if err != nil {
			tokens.Close()
			return nil, err
		}
		s.history = hs
	}
	sampling := inference.SamplingParams{
		Temperature:   *cfg.Temperature,
		TopP:          cfg.TopP,
		TopK:          cfg.TopK,
		RepeatPenalty: cfg.RepeatPenalty,
		RepeatLastN:   cfg.RepeatLastN,
		Seed:          cfg.Seed,
		MaxTokens:     cfg.MaxTokens,
	}
	bc := bridge.Config{
		ModelPath: cfg.ModelPath,
		StoreOptions: model.Options{
			Threads:        cfg.Threads,
			GPULayers:      cfg.GPULayers,
			MemoryBudgetMB: cfg.MemoryBudgetMB,
			MemoryMarginMB: cfg.MemoryMarginMB,
		},
		ContextLength:     cfg.ContextLength,
		WindowPolicy:      policy,
		WindowKeep:        cfg.WindowKeep,
		SystemPrompt:      cfg.SystemPrompt,
		Sampling:          &sampling,
		EmbeddingMinDelta: cfg.EmbeddingMinDelta,
		MaxQueueDepth:     cfg.MaxQueueDepth,
		MaxWait:           cfg.MaxWait(),
		TokenCache:        tokens,
		Publisher:         pub,
		Logger:            &o.log,
	}
	if s.history != nil {
		bc.History = s.history
	}
	s.b = bridge.New(ctx, bc)
	if !s.b.IsLoaded() {
		err := s.b.LoadErr()
		s.Close()
		return nil, err
	}
	return s, nil
}
