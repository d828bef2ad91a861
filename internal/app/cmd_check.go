package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (a *App) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe every configured portal and database",
		Long: `Resolves credentials for each portal and generates a token, then opens
and pings each database connection. Exits non-zero if any check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := a.sync.CheckConnections(cmd.Context())

			failed := 0
			for _, st := range statuses {
				if !st.OK {
					failed++
				}
			}

			if a.jsonOutput {
				if err := writeJSON(a.out, statuses); err != nil {
					return err
				}
			} else {
				s := newStyles(a.out)
				if len(statuses) == 0 {
					fmt.Fprintln(a.out, s.muted.Render("no connections configured"))
				}
				t := &table{headers: []string{"KIND", "NAME", "TARGET", "RESULT", "LATENCY"}}
				for _, st := range statuses {
					result := s.ok.Render("ok")
					if !st.OK {
						result = s.bad.Render(st.Error)
					}
					t.add(st.Kind, st.Name, st.Target, result, st.Latency.Round(time.Millisecond).String())
				}
				if len(statuses) > 0 {
					fmt.Fprint(a.out, t.render(s))
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d connections failed", failed, len(statuses))
			}
			return nil
		},
	}
}
