package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/dispatchclaw/internal/router"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions per group folder",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		sessions, err := st.AllSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		folders := make([]string, 0, len(sessions))
		for f := range sessions {
			folders = append(folders, f)
		}
		slices.Sort(folders)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FOLDER\tSESSION\tTRANSCRIPT")
		for _, f := range folders {
			transcript := "missing"
			if _, err := os.Stat(router.SessionFile(cfg.DataDir, f, sessions[f])); err == nil {
				transcript = "present"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", f, sessions[f], transcript)
		}
		return w.Flush()
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <folder|all>",
	Short: "Forget a group's session so the next run starts fresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		sessions, err := st.AllSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		targets := sessions
		if args[0] != "all" {
			id, ok := sessions[args[0]]
			if !ok {
				return fmt.Errorf("session not found: %s", args[0])
			}
			targets = map[string]string{args[0]: id}
		}
		for folder, id := range targets {
			if err := st.DeleteSession(cmd.Context(), folder); err != nil {
				return err
			}
			if err := os.Remove(router.SessionFile(cfg.DataDir, folder, id)); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "warning: remove transcript for %s: %v\n", folder, err)
			}
		}
		fmt.Fprintf(os.Stdout, "Cleared %d session(s). Restart the daemon to apply.\n", len(targets))
		return nil
	},
}
