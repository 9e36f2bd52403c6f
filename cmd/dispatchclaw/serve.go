package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/channels/discord"
	"github.com/user/dispatchclaw/internal/channels/slack"
	"github.com/user/dispatchclaw/internal/channels/telegram"
	"github.com/user/dispatchclaw/internal/config"
	"github.com/user/dispatchclaw/internal/escalation"
	"github.com/user/dispatchclaw/internal/executor"
	"github.com/user/dispatchclaw/internal/mail"
	"github.com/user/dispatchclaw/internal/notify"
	"github.com/user/dispatchclaw/internal/poller"
	"github.com/user/dispatchclaw/internal/poller/agentmail"
	"github.com/user/dispatchclaw/internal/poller/email"
	"github.com/user/dispatchclaw/internal/prompt"
	"github.com/user/dispatchclaw/internal/queue"
	"github.com/user/dispatchclaw/internal/router"
	"github.com/user/dispatchclaw/internal/scheduler"
	"github.com/user/dispatchclaw/internal/store"
	"github.com/user/dispatchclaw/internal/tracing"
	"github.com/user/dispatchclaw/internal/types"
	"github.com/user/dispatchclaw/internal/webhook"
)

const (
	promptModel       = "gpt-4o"
	promptTokenBudget = 64_000
	shutdownDeadline  = 10 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatchclaw daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := cfg.PIDPath()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Executions outlive loopCtx so they can finish during shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	loopCtx, stopLoops := context.WithCancel(baseCtx)
	defer stopLoops()

	shutdownTracing, err := tracing.Setup(baseCtx, "dispatchclaw", version, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	slog.Info("database initialized", "path", cfg.DBPath())

	engine, err := prompt.New(promptModel, promptTokenBudget)
	if err != nil {
		return fmt.Errorf("create prompt engine: %w", err)
	}
	runner := executor.NewRunner(cfg.Agent.Command, cfg.GroupsDir(), cfg.DataDir, cfg.AgentTimeout())

	q := queue.NewQueue(int64(cfg.Agent.MaxConcurrent))
	q.Start(baseCtx)
	reg := channels.NewRegistry()

	rt := router.New(router.Config{
		AssistantName: cfg.AssistantName,
		MainFolder:    cfg.MainGroupFolder,
		PollInterval:  cfg.PollInterval(),
		IdleTimeout:   cfg.IdleTimeout(),
		GroupsDir:     cfg.GroupsDir(),
		DataDir:       cfg.DataDir,
		CheapNoResume: cfg.Agent.CheapNoResume,
		Profile: router.ProfileConfig{
			DefaultProvider: cfg.Profile.DefaultProvider,
			Sticky:          cfg.Profile.Sticky,
			CheapModel:      cfg.Profile.CheapModel,
			HeavyModel:      cfg.Profile.HeavyModel,
		},
	}, st, q, runner, reg, engine)
	q.SetProcessor(rt.ProcessChat)
	if err := rt.LoadState(baseCtx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	opts := channels.Options{Inbound: st, IsRegistered: rt.IsRegistered, AssistantName: cfg.AssistantName}
	if cfg.Slack.BotToken != "" && cfg.Slack.AppToken != "" {
		reg.Register(slack.New(cfg.Slack.BotToken, cfg.Slack.AppToken, opts))
	}
	if cfg.Telegram.Token != "" {
		reg.Register(telegram.New(cfg.Telegram.Token, opts))
	}
	if cfg.Discord.Token != "" {
		reg.Register(discord.New(cfg.Discord.Token, opts))
	}
	if len(reg.All()) == 0 {
		slog.Warn("no channels configured")
	}
	if err := reg.ConnectAll(baseCtx); err != nil {
		return fmt.Errorf("connect channels: %w", err)
	}

	// Alerts
	outOfBand := notify.NewWebhook(cfg.Slack.AlertsWebhook)
	alerts := &notify.ChannelAlerter{Sender: reg}
	if cfg.Slack.AlertsChannel != "" {
		alerts.ChatID = types.NewChatID("sl", cfg.Slack.AlertsChannel)
	}
	blockers := escalation.NewTracker(st)
	sink := &poller.Sink{
		Store: st,
		Gate:  poller.NewAlertGate(),
		OnAlert: func(ctx context.Context, a poller.Alert) {
			alerts.Alert(ctx, a.Text)
			if err := blockers.Track(ctx, a); err != nil {
				slog.Warn("track blocker failed", "message_id", a.MessageID, "error", err)
			}
		},
	}

	// Pollers
	var amPoller, mailPoller *poller.Poller
	if cfg.AgentMailEnabled() {
		src := agentmail.New(baseCtx, agentmail.Config{
			URL:        cfg.AgentMail.URL,
			Token:      cfg.AgentMail.Token,
			ProjectKey: cfg.AgentMail.ProjectKey,
			AgentName:  cfg.AgentMail.AgentName,
			TargetChat: types.ChatID(cfg.AgentMail.TargetChat),
		}, sink, st)
		tracker := poller.NewTracker("Agent Mail",
			func() { outOfBand.Alert(baseCtx, "Agent Mail is unreachable. Agent coordination is offline.") },
			func() { outOfBand.Alert(baseCtx, "Agent Mail connection restored.") })
		amPoller = poller.New(src, tracker, cfg.AgentMailInterval())
		go amPoller.Run(loopCtx)
	}
	if cfg.MailEnabled() {
		dial := email.DialIMAP(email.IMAPConfig{
			Host:     cfg.Mail.IMAP.Host,
			Port:     cfg.Mail.IMAP.Port,
			User:     cfg.Mail.IMAP.User,
			Password: cfg.Mail.IMAP.Password,
		})
		src := email.New(baseCtx, dial, types.ChatID(cfg.Mail.TargetChat), sink, st)
		tracker := poller.NewTracker("Email (IMAP)",
			func() { outOfBand.Alert(baseCtx, "Email (IMAP) is unreachable. Inbound email processing is offline.") },
			func() { outOfBand.Alert(baseCtx, "Email (IMAP) connection restored.") })
		mailPoller = poller.New(src, tracker, cfg.MailInterval())
		go mailPoller.Run(loopCtx)
	}

	var mailer escalation.Mailer
	if cfg.SMTPEnabled() {
		mailer = mail.NewSender(mail.Config{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.User,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.FromAddress,
			FromName: cfg.Mail.FromName,
		})
	}
	sweeper := escalation.NewSweeper(st, alerts, mailer, cfg.Mail.FromAddress)

	// Scheduler
	sched := scheduler.New(st, func(ctx context.Context, task *types.Task) {
		if err := rt.ScheduleTask(task); err != nil {
			slog.Error("schedule task failed", "task", task.Name, "error", err)
		}
	})
	if err := addSweepJobs(cfg, sched, sweeper, reg, amPoller, mailPoller); err != nil {
		return err
	}
	if cfg.HealthcheckPingURL != "" {
		hb := notify.NewHeartbeat(cfg.HealthcheckPingURL)
		if err := hb.Ping(baseCtx); err != nil {
			slog.Warn("healthcheck ping failed", "error", err)
		}
		if err := sched.AddJob("heartbeat", "*/5 * * * *", hb.Ping); err != nil {
			return err
		}
		slog.Info("healthcheck heartbeat enabled")
	}
	if err := sched.Start(loopCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Health server
	health := webhook.NewServer(webhook.Options{
		Channels:  reg,
		Tasks:     st,
		RunTask:   rt.ScheduleTask,
		AgentMail: statusFunc(amPoller),
		Email:     statusFunc(mailPoller),
	})
	healthCtx, stopHealth := context.WithCancel(baseCtx)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		if err := health.ListenAndServe(healthCtx, cfg.ListenAddr()); err != nil {
			slog.Error("health server error", "error", err)
		}
	}()

	rt.RecoverPending(baseCtx)
	go rt.Run(loopCtx)

	slog.Info("dispatchclaw started",
		"data_dir", cfg.DataDir,
		"assistant", cfg.AssistantName,
		"max_concurrent", cfg.Agent.MaxConcurrent,
		"agent_mail", amPoller != nil,
		"email", mailPoller != nil,
		"pid_file", pidPath,
	)

	sig := waitForSignal(cfg, pidPath)
	slog.Info("shutting down", "signal", sig)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancelStop()
	sched.Stop(stopCtx)
	stopLoops()
	q.Shutdown(context.Background(), shutdownDeadline)
	reg.DisconnectAll()
	stopHealth()
	<-healthDone
	return nil
}

// addSweepJobs registers the escalation, liveness and briefing jobs.
func addSweepJobs(cfg *config.Config, sched *scheduler.Scheduler, sweeper *escalation.Sweeper,
	reg *channels.Registry, amPoller, mailPoller *poller.Poller) error {

	if err := sched.AddJob("escalate-blockers", "*/10 * * * *", sweeper.EscalateBlockers); err != nil {
		return err
	}
	if err := sched.AddJob("check-liveness", "@hourly", sweeper.CheckLiveness); err != nil {
		return err
	}
	if cfg.Slack.BriefingChannel == "" {
		return nil
	}
	briefingChat := types.NewChatID("sl", cfg.Slack.BriefingChannel)
	return sched.AddJob("morning-briefing", "0 8 * * 1-5", func(ctx context.Context) error {
		text, err := sweeper.Briefing(ctx, statusOf(amPoller), statusOf(mailPoller))
		if err != nil {
			return err
		}
		return reg.Send(ctx, briefingChat, text)
	})
}

func statusOf(p *poller.Poller) *poller.Status {
	if p == nil {
		return nil
	}
	st := p.Status()
	return &st
}

func statusFunc(p *poller.Poller) webhook.StatusFunc {
	if p == nil {
		return nil
	}
	return p.Status
}

// waitForSignal blocks until SIGINT or SIGTERM. SIGHUP re-executes the
// binary in place; if that fails the daemon keeps running.
func waitForSignal(cfg *config.Config, pidPath string) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		sig := <-sigChan
		if sig != syscall.SIGHUP {
			return sig
		}
		slog.Info("received SIGHUP, restarting")
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			continue
		}
		os.Remove(pidPath)
		if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
			slog.Error("failed to re-exec", "error", err)
			if _, writeErr := writePIDFile(cfg); writeErr != nil {
				slog.Error("failed to re-write PID file", "error", writeErr)
			}
		}
	}
}
