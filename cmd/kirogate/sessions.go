package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/Veraticus/kirogate/internal/pool"
)

var sessionsAddr string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live agent sessions on a running kirogate instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(fmt.Sprintf("http://%s/sessions", sessionsAddr))
		if err != nil {
			return fmt.Errorf("fetching sessions: %w", err)
		}
		defer resp.Body.Close()

		var infos []pool.SessionInfo
		if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
			return fmt.Errorf("decoding sessions response: %w", err)
		}

		if len(infos) == 0 {
			fmt.Println("no live sessions")
			return nil
		}

		table := tablewriter.NewTable(cmd.OutOrStdout(),
			tablewriter.WithHeaderAlignment(tw.AlignLeft),
			tablewriter.WithRowAlignment(tw.AlignLeft),
			tablewriter.WithRendition(tw.Rendition{
				Borders: tw.BorderNone,
				Settings: tw.Settings{
					Lines:      tw.LinesNone,
					Separators: tw.SeparatorsNone,
				},
			}),
			tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
		)
		table.Header([]string{"Key", "Session", "Context%", "Idle", "RSS", "Errors", "Prompting"})

		for _, info := range infos {
			_ = table.Append([]string{
				info.KeyPrefix,
				info.SessionID,
				contextColor(info.ContextPct),
				(time.Duration(info.IdleSeconds) * time.Second).String(),
				fmt.Sprintf("%.1fMB", float64(info.RSSBytes)/1024/1024),
				fmt.Sprintf("%d", info.ErrorCount),
				promptingColor(info.Prompting),
			})
		}
		return table.Render()
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsAddr, "addr", "localhost:8080", "gateway address to query")
}

func contextColor(pct float64) string {
	s := fmt.Sprintf("%.0f%%", pct)
	switch {
	case pct >= 95:
		return color.New(color.FgHiRed).Sprint(s)
	case pct >= 80:
		return color.New(color.FgHiYellow).Sprint(s)
	default:
		return color.New(color.FgHiGreen).Sprint(s)
	}
}

func promptingColor(prompting bool) string {
	if prompting {
		return color.New(color.FgHiYellow).Sprint("yes")
	}
	return color.New(color.FgHiBlue).Sprint("no")
}
