package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"minima/internal/common/fsutil"
	"minima/internal/model"
	"minima/internal/registry"
)

type inspectOutput struct {
	Path            string `json:"path"`
	Format          string `json:"format"`
	Version         uint32 `json:"version"`
	Architecture    string `json:"architecture"`
	VocabSize       int    `json:"vocab_size"`
	ContextLength   int    `json:"context_length"`
	HiddenSize      int    `json:"hidden_size"`
	EmbeddingLength int    `json:"embedding_length"`
	Quantization    string `json:"quantization"`
	HasChatTemplate bool   `json:"has_chat_template"`
	EstimatedMB     int    `json:"estimated_mb"`
	Loadable        bool   `json:"loadable"`
	Error           string `json:"error,omitempty"`
}

func describe(path string, md model.Metadata, err error) inspectOutput {
	if err != nil {
		return inspectOutput{Path: path, Error: err.Error()}
	}
	return inspectOutput{
		Path:            md.Path,
		Format:          string(md.Format),
		Version:         md.Version,
		Architecture:    md.Architecture,
		VocabSize:       md.VocabSize,
		ContextLength:   md.ContextLength,
		HiddenSize:      md.HiddenSize,
		EmbeddingLength: md.EmbeddingLength,
		Quantization:    md.Quantization,
		HasChatTemplate: md.HasChatTemplate,
		EstimatedMB:     md.EstimatedMB(),
		Loadable:        md.Format == model.FormatNative || model.LlamaBuilt(),
	}
}

func newInspectCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL|DIR",
		Short: "Print model metadata without loading weights",
		Long:  "Print the header metadata of one model file, or of every .gguf and .mnma file in a directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(o.stdout)
			enc.SetIndent("", "  ")
			if p, err := fsutil.ExpandHome(args[0]); err == nil {
				if fi, err := os.Stat(p); err == nil && fi.IsDir() {
					entries, err := registry.Scan(p)
					if err != nil {
						return err
					}
					out := make([]inspectOutput, 0, len(entries))
					for _, e := range entries {
						out = append(out, describe(e.Path, e.Meta, e.Err))
					}
					return enc.Encode(out)
				}
			}
			md, err := model.Inspect(args[0])
			if err != nil {
				return err
			}
			return enc.Encode(describe(md.Path, md, nil))
		},
	}
}
