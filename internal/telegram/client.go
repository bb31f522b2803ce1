// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/pricealert/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	send           func(tgbotapi.Chattable) (tgbotapi.Message, error)
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	status func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		send:           bot.Send,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
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
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

// SetStatusFunc installs the handler behind the /status command.
func (c *Client) SetStatusFunc(fn func() string) {
	c.status = fn
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	case "status":
		text := "No cycle has completed yet"
		if c.status != nil {
			text = c.status()
		}
		c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
// Waiting between attempts stops early when ctx is done.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == c.maxRetries-1 {
			break
		}
		if err := waitRetry(ctx, c.retryDelayBase*time.Duration(i+1)); err != nil {
			return fmt.Errorf("gave up after %d attempts: %w (last error: %v)", i+1, err, lastErr)
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

func waitRetry(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Price alert cycle failed*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(context.Background(), text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Price alert cycles recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(context.Background(), text)
}

func (c *Client) Name() string { return "telegram" }

// Notify sends one triggered alert.
func (c *Client) Notify(ctx context.Context, event models.TriggerEvent) error {
	return c.sendMarkdownV2(ctx, formatMessage(event))
}

// fieldOrder lists the detail fields shown first; the rest follow alphabetically.
var fieldOrder = []string{"price", "spread", "change", "discount", "shock_sigma", "high", "low"}

// formatMessage formats a trigger event into a Telegram MarkdownV2 message.
func formatMessage(event models.TriggerEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s* \\(%s\\)\n", escapeMarkdownV2(event.AlertName), escapeMarkdownV2(string(event.Type)))
	if !event.At.IsZero() {
		fmt.Fprintf(&b, "📅 Triggered: %s\n", escapeMarkdownV2(event.At.UTC().Format("2006-01-02 15:04:05")))
	}
	b.WriteString("\n")

	for i, item := range event.Items {
		fmt.Fprintf(&b, "%d\\. Item `%d`\n", i+1, item.ItemID)
		for _, k := range orderedFields(item.Fields) {
			fmt.Fprintf(&b, "   %s: *%s*\n", escapeMarkdownV2(k), escapeMarkdownV2(formatNumber(item.Fields[k])))
		}
		if score, ok := event.Confidence[item.ItemID]; ok {
			fmt.Fprintf(&b, "   🎯 confidence: *%s*\n", escapeMarkdownV2(formatNumber(score)))
		}
	}
	return b.String()
}

func orderedFields(fields map[string]float64) []string {
	keys := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, k := range fieldOrder {
		if _, ok := fields[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
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
