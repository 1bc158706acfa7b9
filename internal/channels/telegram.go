package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/engine"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const platformTelegram = "telegram"

// botClient is the part of tgbotapi.BotAPI used for sending.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender sends plain-text messages to Telegram chats under a rate
// limit shared by all destinations.
type TelegramSender struct {
	bot     botClient
	limiter *rate.Limiter
}

func NewTelegramSender(bot botClient, perSecond float64) *TelegramSender {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &TelegramSender{bot: bot, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (s *TelegramSender) Platform() string { return platformTelegram }

func (s *TelegramSender) Send(ctx context.Context, target Target, text string) error {
	chatID, err := strconv.ParseInt(target.Destination, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram destination %q: %w", target.Destination, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if target.ThreadID != "" {
		if replyTo, err := strconv.Atoi(target.ThreadID); err == nil {
			msg.ReplyToMessageID = replyTo
		}
	}
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Controller is the engine surface the chat commands drive.
type Controller interface {
	Steer(key, msg string) bool
	Abort(key string) bool
	Status(ctx context.Context, key string) (*engine.TaskStatus, error)
}

// TelegramChannel listens for chat commands and runs tasks through the
// delivery wrapper:
//
//	/task <prompt>   start a task for this chat
//	/steer <text>    queue guidance for the chat's active task
//	/abort           abort the chat's active task
//	/status [key]    show the active (or named) task
//
// Plain text steers the active task, or starts one when none is active.
type TelegramChannel struct {
	bot        *tgbotapi.BotAPI
	allowedIDs map[int64]struct{}
	delivery   *Delivery
	control    Controller
	sender     Sender
	logger     *slog.Logger
}

func NewTelegramChannel(bot *tgbotapi.BotAPI, allowedIDs []int64, delivery *Delivery, control Controller, sender Sender, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		bot:        bot,
		allowedIDs: allowed,
		delivery:   delivery,
		control:    control,
		sender:     sender,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return platformTelegram
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: no bot client")
	}
	t.logger.Info("telegram listener started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates reads updates until ctx is done (nil) or the connection looks
// dead (error, triggers a reconnect).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// Twice and a half the long-poll timeout.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			timer.Reset(stallTimeout)

			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[msg.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
				continue
			}
			target := Target{
				Owner:       fmt.Sprintf("telegram:%d", msg.From.ID),
				Platform:    platformTelegram,
				Destination: strconv.FormatInt(msg.Chat.ID, 10),
			}
			if reply := t.handleText(ctx, target, msg.Text); reply != "" {
				t.reply(ctx, target, reply)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) reply(ctx context.Context, target Target, text string) {
	if err := t.sender.Send(ctx, target, Truncate(text, LimitFor(nil, target.Platform))); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// handleText executes one chat message and returns the reply, if any.
func (t *TelegramChannel) handleText(ctx context.Context, target Target, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	cmd, arg := parseCommand(text)
	active, hasActive := t.delivery.ActiveTask(target)

	switch cmd {
	case "/start", "/help":
		return "Send /task <what to do> to start a task. While it runs, use /steer <text>, /abort or /status."
	case "/task":
		if arg == "" {
			return "Usage: /task <what to do>"
		}
		return t.startTask(ctx, target, arg)
	case "/steer":
		if arg == "" {
			return "Usage: /steer <guidance>"
		}
		return t.steer(target, active, hasActive, arg)
	case "/abort":
		if !hasActive || !t.control.Abort(active) {
			return "No active task in this chat."
		}
		return fmt.Sprintf("Aborting task %s…", active)
	case "/status":
		key := arg
		if key == "" {
			if !hasActive {
				return "No active task in this chat."
			}
			key = active
		}
		return t.status(ctx, key)
	case "":
		if hasActive {
			return t.steer(target, active, hasActive, text)
		}
		return t.startTask(ctx, target, text)
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", cmd)
	}
}

func (t *TelegramChannel) startTask(ctx context.Context, target Target, prompt string) string {
	task, err := t.delivery.Start(ctx, target, engine.StartRequest{
		ConversationRef: target.Platform + "-" + target.Destination,
		Prompt:          prompt,
	})
	if errors.Is(err, ErrChannelBusy) {
		active, _ := t.delivery.ActiveTask(target)
		return fmt.Sprintf("Task %s is still running here. Use /steer to guide it or /abort to stop it.", active)
	}
	if err != nil {
		t.logger.Error("failed to start telegram task", "error", err)
		return fmt.Sprintf("Could not start the task: %v", err)
	}
	return fmt.Sprintf("Started task %s (up to %d steps).", task.Key, task.MaxSteps)
}

func (t *TelegramChannel) steer(target Target, active string, hasActive bool, msg string) string {
	if !hasActive || !t.control.Steer(active, msg) {
		return "No active task in this chat."
	}
	t.logger.Info("telegram steering queued", "task_key", active, "destination", target.Destination)
	return "Got it, applying that at the next step."
}

func (t *TelegramChannel) status(ctx context.Context, key string) string {
	st, err := t.control.Status(ctx, key)
	if err != nil {
		return fmt.Sprintf("Task %s not found.", key)
	}
	line := fmt.Sprintf("Task %s: %s, step %d/%d", st.Key, st.Status, st.CurrentStep, st.MaxSteps)
	switch {
	case st.Running && st.PendingSteers > 0:
		line += fmt.Sprintf(", %d steering message(s) queued", st.PendingSteers)
	case st.Orphaned:
		line += " (orphaned: no longer running in this process)"
	case st.Error != "":
		line += ": " + st.Error
	}
	return line
}

// parseCommand splits "/cmd@bot args" into "/cmd" and "args". Plain text
// yields an empty command.
func parseCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}
