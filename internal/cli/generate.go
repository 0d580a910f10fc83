package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"minima/pkg/types"
)

func newGenerateCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [PROMPT...]",
		Short: "Generate one response and stream it to stdout",
		Example: "  minima generate -m tiny.gguf --max-tokens 32 \"Tell me a joke\"\n" +
			"  minima generate -m llava.mnma --embedding cat.f32 describe",
		RunE: func(cmd *cobra.Command, args []string) error {
			o.applyModelFlags(cmd)
			prompt, _ := cmd.Flags().GetString("prompt")
			if prompt == "" {
				prompt = strings.Join(args, " ")
			}
			stop, _ := cmd.Flags().GetStringSlice("stop")
			embedPath, _ := cmd.Flags().GetString("embedding")

			ctx := cmd.Context()
			s, err := o.openSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.b.Prefetch(ctx); err != nil {
				return err
			}
			if embedPath != "" {
				vec, err := readEmbedding(embedPath)
				if err != nil {
					return err
				}
				if err := s.b.IngestEmbedding(ctx, vec, len(vec)); err != nil {
					return err
				}
			}
			res, err := s.b.Generate(ctx, types.GenerationRequest{Prompt: prompt, Stop: stop}, func(f types.Fragment) bool {
				_, werr := fmt.Fprint(o.stdout, f.Text)
				return werr == nil
			})
			fmt.Fprintln(o.stdout)
			o.log.Info().
				Str("state", string(res.State)).
				Str("reason", string(res.FinishReason)).
				Int("prompt_tokens", res.Usage.PromptTokens).
				Int("completion_tokens", res.Usage.CompletionTokens).
				Msg("generation done")
			return err
		},
	}
	modelFlags(cmd)
	cmd.Flags().StringP("prompt", "p", "", "Prompt text (defaults to the positional arguments)")
	cmd.Flags().StringSlice("stop", nil, "Stop sequences (repeatable)")
	cmd.Flags().StringP("embedding", "e", "", "Image embedding file to ingest first (.f32 or whitespace separated text)")
	return cmd
}
