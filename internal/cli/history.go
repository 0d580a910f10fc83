package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"minima/internal/history"
)

func newHistoryCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded generations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			if f.Changed("db") {
				o.cfg.HistoryDB, _ = f.GetString("db")
			}
			if o.cfg.HistoryDB == "" {
				return fmt.Errorf("no history database: pass --db or set history_db")
			}
			limit, _ := f.GetInt("limit")
			search, _ := f.GetString("search")
			sessionID, _ := f.GetString("session")
			asJSON, _ := f.GetBool("json")

			hs, err := history.Open(o.cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer hs.Close()
			turns, err := hs.List(cmd.Context(), history.Query{Session: sessionID, Search: search, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(o.stdout)
				for _, t := range turns {
					if err := enc.Encode(t); err != nil {
						return err
					}
				}
				return nil
			}
			tw := tabwriter.NewWriter(o.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATE\tTOKENS\tPROMPT\tOUTPUT")
			for _, t := range turns {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.CreatedAt.Local().Format(time.DateTime), t.State,
					t.Usage.CompletionTokens, clip(t.Prompt, 40), clip(t.Output, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("db", "", "History database (defaults to history_db from the config)")
	cmd.Flags().Int("limit", 20, "Maximum rows")
	cmd.Flags().String("search", "", "Only turns whose prompt or output contains this text")
	cmd.Flags().String("session", "", "Only turns from this session")
	cmd.Flags().Bool("json", false, "Print one JSON object per line")
	return cmd
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
