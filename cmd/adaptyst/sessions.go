package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent profiling sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := openRegistry()
			if registry == nil {
				return fmt.Errorf("session registry unavailable")
			}
			defer registry.Close()

			sessions, err := registry.Recent(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tEXIT\tPROBES\tRESULT DIR\tCOMMAND")
			for _, s := range sessions {
				exit := "?"
				if s.ExitCode >= 0 {
					exit = fmt.Sprintf("%d", s.ExitCode)
				}
				command := s.Command
				if len(command) > 50 {
					command = command[:47] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					s.StartedAt.Local().Format(time.DateTime), exit, s.Probes, s.ResultDir, command)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	return cmd
}
