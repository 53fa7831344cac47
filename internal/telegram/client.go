// Package telegram sends session summaries to an operator chat and accepts
// /status and /abort commands from it.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/audiometer/internal/logger"
	"github.com/rewired-gh/audiometer/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// Controls connects operator commands to a running session.
type Controls struct {
	Snapshot func() *models.SessionState
	Abort    func()
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled. Commands
// from chats other than the configured one are ignored.
func (c *Client) ListenForCommands(ctx context.Context, ctl Controls) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil || !msg.IsCommand() || msg.Chat.ID != c.chatID {
					continue
				}
				text, ok := reply(msg.Command(), ctl)
				if !ok {
					continue
				}
				if err := c.sendMarkdownV2(text); err != nil {
					logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
				}
			}
		}
	}()
}

// reply builds the answer to a command. ok is false for unknown commands.
func reply(command string, ctl Controls) (text string, ok bool) {
	switch command {
	case "ping":
		return "Pong", true
	case "status":
		if ctl.Snapshot == nil {
			return "No session is running\\.", true
		}
		return formatStatus(ctl.Snapshot()), true
	case "abort":
		if ctl.Abort == nil {
			return "No session is running\\.", true
		}
		logger.Warn("Abort requested from Telegram")
		ctl.Abort()
		return "🛑 *Abort requested*\nThe current trial is discarded and the session is saved as incomplete\\.", true
	}
	return "", false
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a session that could not run or could not be saved.
func (c *Client) SendError(sessionID string, err error) error {
	text := fmt.Sprintf("⚠️ *Session error* `%s`\n`%s`",
		escapeMarkdownV2(sessionID), escapeMarkdownV2(err.Error()))
	return c.sendMarkdownV2(text)
}

// NotifySession sends the summary of a finalized session.
func (c *Client) NotifySession(s *models.SessionState) error {
	return c.sendMarkdownV2(formatSummary(s))
}

// formatSummary formats a finalized session into a Telegram MarkdownV2 message.
func formatSummary(s *models.SessionState) string {
	var b strings.Builder
	if s.Status == models.SessionComplete {
		b.WriteString("🩺 *Audiometry session complete*\n")
	} else {
		b.WriteString("⏸ *Audiometry session incomplete*\n")
	}
	fmt.Fprintf(&b, "🆔 `%s`\n", escapeMarkdownV2(s.ID))
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "📅 %s, %s\n",
			escapeMarkdownV2(s.StartedAt.Format("2006-01-02 15:04")),
			escapeMarkdownV2(s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()))
	}
	b.WriteString("\n")

	for _, ear := range []models.Ear{models.EarRight, models.EarLeft} {
		line := earLine(s, ear)
		if line == "" {
			continue
		}
		b.WriteString(line)
	}

	if a, ok := s.LatestRisk(); ok {
		fmt.Fprintf(&b, "\n%s *Risk %s* \\(score %s\\)\n",
			riskEmoji(a.Category), escapeMarkdownV2(a.Category.String()),
			escapeMarkdownV2(fmt.Sprintf("%.1f", a.Score)))
		for _, e := range a.Escalations {
			fmt.Fprintf(&b, "   ⬆️ %s\n", escapeMarkdownV2(e))
		}
	}

	c := s.CatchSummary
	if c.CatchTrialsPresented > 0 {
		fmt.Fprintf(&b, "🎯 Catch trials: %d/%d false positives\n", c.FalsePositives, c.CatchTrialsPresented)
	}
	return b.String()
}

func earLine(s *models.SessionState, ear models.Ear) string {
	var cells []string
	for _, f := range s.Frequencies {
		if f.Ear != ear {
			continue
		}
		value := "-"
		switch f.Status {
		case models.StatusThresholdConfirmed:
			value = strconv.Itoa(*f.Threshold)
		case models.StatusAbandoned:
			value = "NR"
		}
		cells = append(cells, fmt.Sprintf("%s: %s", hz(f.FrequencyHz), value))
	}
	if len(cells) == 0 {
		return ""
	}
	title := strings.ToUpper(string(ear[:1])) + string(ear[1:])
	line := fmt.Sprintf("👂 *%s*", escapeMarkdownV2(title))
	if pta, ok := s.PureToneAverage(ear); ok {
		line += " PTA " + escapeMarkdownV2(fmt.Sprintf("%.1f dB HL", pta))
	}
	return line + "\n   " + escapeMarkdownV2(strings.Join(cells, ", ")) + "\n"
}

func formatStatus(s *models.SessionState) string {
	var done, total int
	current := ""
	for _, f := range s.Frequencies {
		total++
		switch {
		case f.Status.Final():
			done++
		case current == "" && f.Status != models.StatusNotTested:
			current = fmt.Sprintf("%s %s at %d dB HL, %d reversals", f.Ear, hz(f.FrequencyHz), f.CurrentLevel, f.ReversalCount)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 *%s* `%s`\n", escapeMarkdownV2(string(s.Status)), escapeMarkdownV2(s.ID))
	fmt.Fprintf(&b, "Pairs finished: %d/%d, trials: %d\n", done, total, len(s.Trials))
	if current != "" {
		fmt.Fprintf(&b, "Testing %s\n", escapeMarkdownV2(current))
	}
	if a, ok := s.LatestRisk(); ok {
		fmt.Fprintf(&b, "Risk: %s %s\n", riskEmoji(a.Category), escapeMarkdownV2(a.Category.String()))
	}
	return b.String()
}

func hz(v int) string {
	if v >= 1000 && v%1000 == 0 {
		return fmt.Sprintf("%dk", v/1000)
	}
	return strconv.Itoa(v)
}

func riskEmoji(c models.RiskCategory) string {
	switch c {
	case models.RiskLow:
		return "🟢"
	case models.RiskModerate:
		return "🟡"
	case models.RiskHigh:
		return "🟠"
	default:
		return "🔴"
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
