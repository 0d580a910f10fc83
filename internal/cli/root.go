package cli

import (
	"github.com/spf13/cobra"
)

// buildRootCmdWith constructs the command tree bound to o.
func buildRootCmdWith(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "minima",
		Short:         "On-device multimodal LLM inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	root.AddCommand(newInspectCmd(o), newGenerateCmd(o), newChatCmd(o), newHistoryCmd(o))
	return root
}

// modelFlags registers the flags shared by commands that load a model.
func modelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("model", "m", "", "Model file (.gguf or .mnma)")
	f.Int("ctx", 0, "Context length cap (0 = model default)")
	f.String("window", "", "Window policy when the context fills: slide|reject")
	f.String("system", "", "System prompt seeded into the context")
	f.Int("max-tokens", 0, "Default maximum tokens per generation")
	f.Float32("temperature", 0, "Sampling temperature (0 = greedy)")
	f.Float32("top-p", 0, "Nucleus sampling threshold")
	f.Int("top-k", 0, "Top-k sampling cutoff")
	f.Uint64("seed", 0, "Sampling seed (0 = random)")
	f.String("history-db", "", "Record generations to this SQLite file")
}

// applyModelFlags overrides config values with flags the user set.
func (o *options) applyModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("model") {
		o.cfg.ModelPath, _ = f.GetString("model")
	}
	if f.Changed("ctx") {
		o.cfg.ContextLength, _ = f.GetInt("ctx")
	}
	if f.Changed("window") {
		o.cfg.WindowPolicy, _ = f.GetString("window")
	}
	if f.Changed("system") {
		o.cfg.SystemPrompt, _ = f.GetString("system")
	}
	if f.Changed("max-tokens") {
		o.cfg.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("temperature") {
		t, _ := f.GetFloat32("temperature")
		o.cfg.Temperature = &t
	}
	if f.Changed("top-p") {
		o.cfg.TopP, _ = f.GetFloat32("top-p")
	}
	if f.Changed("top-k") {
		o.cfg.TopK, _ = f.GetInt("top-k")
	}
	if f.Changed("seed") {
		o.cfg.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("history-db") {
		o.cfg.HistoryDB, _ = f.GetString("history-db")
	}
}
