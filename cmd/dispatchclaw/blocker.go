package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/dispatchclaw/internal/escalation"
	"github.com/user/dispatchclaw/internal/store"
)

func init() {
	rootCmd.AddCommand(blockerCmd)
	blockerCmd.AddCommand(blockerListCmd, blockerResolveCmd)
	blockerListCmd.Flags().Bool("all", false, "include resolved blockers")
}

var blockerCmd = &cobra.Command{
	Use:   "blocker",
	Short: "Inspect and resolve tracked [BLOCKED] alerts",
}

var blockerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blockers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		blockers, err := st.ListBlockers(cmd.Context(), all)
		if err != nil {
			return fmt.Errorf("list blockers: %w", err)
		}
		if len(blockers) == 0 {
			fmt.Println("No blockers.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSENDER\tSUBJECT\tAGE\tLEVEL\tRESOLVED")
		for _, b := range blockers {
			age := time.Since(b.FirstPosted).Truncate(time.Minute)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%v\n", b.ID, b.Sender, b.Subject, age, b.Level, b.Resolved)
		}
		return w.Flush()
	},
}

var blockerResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a blocker resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid blocker id %q", args[0])
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := escalation.NewTracker(st).Resolve(cmd.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("blocker %d not found", id)
			}
			return fmt.Errorf("resolve blocker: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Blocker %d resolved.\n", id)
		return nil
	},
}
