package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/dispatchclaw/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("dispatchclaw setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.AssistantName = ask(scanner, "Assistant name", cfg.AssistantName)
		cfg.Agent.Command = ask(scanner, "Agent command", cfg.Agent.Command)
		if n, err := strconv.Atoi(ask(scanner, "Max concurrent executions", strconv.Itoa(cfg.Agent.MaxConcurrent))); err == nil && n > 0 {
			cfg.Agent.MaxConcurrent = n
		}

		cfg.Slack.BotToken = ask(scanner, "Slack bot token (optional)", cfg.Slack.BotToken)
		cfg.Slack.AppToken = ask(scanner, "Slack app token (optional)", cfg.Slack.AppToken)
		cfg.Slack.AlertsChannel = ask(scanner, "Slack alerts channel id (optional)", cfg.Slack.AlertsChannel)
		cfg.Slack.AlertsWebhook = ask(scanner, "Slack alerts webhook URL (optional)", cfg.Slack.AlertsWebhook)
		cfg.Telegram.Token = ask(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.Discord.Token = ask(scanner, "Discord bot token (optional)", cfg.Discord.Token)

		cfg.AgentMail.URL = ask(scanner, "Agent Mail URL (optional)", cfg.AgentMail.URL)
		if cfg.AgentMail.URL != "" {
			cfg.AgentMail.Token = ask(scanner, "Agent Mail token", cfg.AgentMail.Token)
			cfg.AgentMail.ProjectKey = ask(scanner, "Agent Mail project key", cfg.AgentMail.ProjectKey)
			cfg.AgentMail.AgentName = ask(scanner, "Agent Mail agent name", cfg.AgentMail.AgentName)
			cfg.AgentMail.TargetChat = ask(scanner, "Chat receiving Agent Mail (e.g. sl:C0123)", cfg.AgentMail.TargetChat)
		}

		cfg.Mail.IMAP.Host = ask(scanner, "IMAP host (optional)", cfg.Mail.IMAP.Host)
		if cfg.Mail.IMAP.Host != "" {
			cfg.Mail.IMAP.User = ask(scanner, "IMAP user", cfg.Mail.IMAP.User)
			cfg.Mail.IMAP.Password = ask(scanner, "IMAP password", cfg.Mail.IMAP.Password)
			cfg.Mail.TargetChat = ask(scanner, "Chat receiving email", cfg.Mail.TargetChat)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// ask prints label with its default and returns the trimmed answer, or the
// default on empty input.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
