package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/dispatchclaw/internal/store"
	"github.com/user/dispatchclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupRegisterCmd, groupListCmd, groupRemoveCmd, groupChatsCmd)

	groupRegisterCmd.Flags().String("chat", "", "chat id with platform prefix, e.g. sl:C0123 (required)")
	groupRegisterCmd.Flags().String("name", "", "display name (required)")
	groupRegisterCmd.Flags().String("folder", "", "group folder under data/groups (required)")
	groupRegisterCmd.Flags().String("trigger", "", "trigger word shown to users")
	groupRegisterCmd.Flags().Bool("requires-trigger", true, "only dispatch when a message mentions the assistant")
	_ = groupRegisterCmd.MarkFlagRequired("chat")
	_ = groupRegisterCmd.MarkFlagRequired("name")
	_ = groupRegisterCmd.MarkFlagRequired("folder")
}

// openStore opens the daemon's database for a one-shot CLI command.
func openStore() (*store.Store, error) {
	cfg := loadConfig()
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage registered chats",
}

var groupRegisterCmd = &cobra.Command{
	Use:     "register",
	Aliases: []string{"add"},
	Short:   "Register a chat for dispatch",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _ := cmd.Flags().GetString("chat")
		name, _ := cmd.Flags().GetString("name")
		folder, _ := cmd.Flags().GetString("folder")
		trigger, _ := cmd.Flags().GetString("trigger")
		requires, _ := cmd.Flags().GetBool("requires-trigger")

		chatID := types.ChatID(chat)
		if chatID.Prefix() == "" {
			return fmt.Errorf("chat id %q has no platform prefix", chat)
		}
		if folder != filepath.Base(folder) || folder == "." || folder == ".." {
			return fmt.Errorf("invalid folder name %q", folder)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		g := &types.Group{
			ChatID:          chatID,
			Name:            name,
			Folder:          folder,
			Trigger:         trigger,
			RequiresTrigger: requires,
			AddedAt:         time.Now().UTC(),
		}
		if err := st.SetGroup(cmd.Context(), g); err != nil {
			return fmt.Errorf("register group: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(loadConfig().GroupsDir(), folder, "logs"), 0o755); err != nil {
			return fmt.Errorf("create group folder: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Group %q registered for %s. Restart the daemon to apply.\n", name, chatID)
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		groups, err := st.AllGroups(cmd.Context())
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		if len(groups) == 0 {
			fmt.Println("No groups registered.")
			return nil
		}
		ids := make([]types.ChatID, 0, len(groups))
		for id := range groups {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHAT\tNAME\tFOLDER\tTRIGGER\tREQUIRES TRIGGER")
		for _, id := range ids {
			g := groups[id]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", g.ChatID, g.Name, g.Folder, g.Trigger, g.RequiresTrigger)
		}
		return w.Flush()
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <chat>",
	Short: "Unregister a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteGroup(cmd.Context(), types.ChatID(args[0])); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("group %q not found", args[0])
			}
			return fmt.Errorf("remove group: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Group %s removed. Restart the daemon to apply.\n", args[0])
		return nil
	},
}

var groupChatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List every chat seen by a channel, registered or not",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		chats, err := st.ListChats(cmd.Context())
		if err != nil {
			return fmt.Errorf("list chats: %w", err)
		}
		if len(chats) == 0 {
			fmt.Println("No chats discovered yet.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHAT\tNAME\tCHANNEL\tGROUP\tLAST MESSAGE")
		for _, c := range chats {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", c.ChatID, c.Name, c.Channel, c.IsGroup, c.LastMessageTime)
		}
		return w.Flush()
	},
}
