package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"minima/internal/httpapi"
	"minima/pkg/bridge"
	"minima/pkg/types"
)

const chatHelp = `commands:
  /embed FILE   ingest an image embedding
  /reset        clear the conversation
  /status       print context status
  /quit         exit`

func newChatCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation over one warmed context",
		RunE: func(cmd *cobra.Command, args []string) error {
			o.applyModelFlags(cmd)
			if cmd.Flags().Changed("metrics-addr") {
				o.cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, err := o.openSession(ctx, &logPublisher{o: o})
			if err != nil {
				return err
			}
			defer s.Close()
			if o.cfg.MetricsAddr != "" {
				httpapi.SetLogger(o.log)
				go func() {
					err := httpapi.Serve(ctx, o.cfg.MetricsAddr, s.b, func(a net.Addr) {
						o.log.Info().Str("addr", a.String()).Msg("metrics available at /metrics")
					})
					if err != nil {
						o.log.Error().Err(err).Msg("ops endpoint stopped")
					}
				}()
			}
			if err := s.b.Prefetch(ctx); err != nil {
				return err
			}
			return o.chatLoop(ctx, s.b)
		},
	}
	modelFlags(cmd)
	cmd.Flags().String("metrics-addr", "", "Serve /healthz, /readyz, /status and /metrics on this address")
	return cmd
}

func (o *options) chatLoop(ctx context.Context, b *bridge.Bridge) error {
	fmt.Fprintln(o.stdout, chatHelp)
	sc := bufio.NewScanner(o.stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(o.stdout, "> ")
		if !sc.Scan() {
			fmt.Fprintln(o.stdout)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := o.chatCommand(ctx, b, line)
			if err != nil {
				fmt.Fprintln(o.stdout, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}
		_, err := b.Generate(ctx, types.GenerationRequest{Prompt: line}, func(f types.Fragment) bool {
			fmt.Fprint(o.stdout, f.Text)
			return true
		})
		fmt.Fprintln(o.stdout)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(o.stdout, "error:", err)
		}
	}
}

func (o *options) chatCommand(ctx context.Context, b *bridge.Bridge, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/reset":
		return false, b.Reset(ctx)
	case "/embed":
		if arg == "" {
			return false, fmt.Errorf("usage: /embed FILE")
		}
		vec, err := readEmbedding(arg)
		if err != nil {
			return false, err
		}
		return false, b.IngestEmbedding(ctx, vec, len(vec))
	case "/status":
		st := b.Status()
		fmt.Fprintf(o.stdout, "session %s position %d consumed %d warmed %t\n", st.Session, st.Position, st.Consumed, st.Warmed)
		return false, nil
	case "/help":
		fmt.Fprintln(o.stdout, chatHelp)
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s", name)
}

// logPublisher forwards bridge events to the debug log.
type logPublisher struct{ o *options }

func (p *logPublisher) Publish(e bridge.Event) {
	ev := p.o.log.Debug().Str("event", e.Name).Str("session", e.Session)
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("bridge event")
}
