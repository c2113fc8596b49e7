package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramBot is the part of *tgbotapi.BotAPI the adapter uses.
type telegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetMe() (tgbotapi.User, error)
}

type TelegramAdapter struct {
	token         string
	updateTimeout int
	maxLen        int
	allowed       map[int64]bool
	dedupeTTL     time.Duration

	eventHandler EventHandler
	dedupe       Deduper

	mu   sync.RWMutex
	bot  telegramBot
	done chan struct{}
}

func NewTelegramAdapter(cfg config.TelegramConfig, eventHandler EventHandler, dedupe Deduper, dedupeTTL time.Duration) *TelegramAdapter {
	updateTimeout := cfg.UpdateTimeout
	if updateTimeout <= 0 {
		updateTimeout = config.DefaultTelegramUpdateTimeout
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = config.DefaultTelegramMaxMessageLength
	}
	var allowed map[int64]bool
	if len(cfg.AllowedChats) > 0 {
		allowed = make(map[int64]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			allowed[id] = true
		}
	}
	return &TelegramAdapter{
		token:         cfg.BotToken,
		updateTimeout: updateTimeout,
		maxLen:        maxLen,
		allowed:       allowed,
		dedupeTTL:     dedupeTTL,
		eventHandler:  eventHandler,
		dedupe:        dedupe,
	}
}

func (t *TelegramAdapter) Name() string {
	return "telegram"
}

func (t *TelegramAdapter) Prefix() string {
	return PrefixTelegram
}

// Connect authenticates the bot. Start calls it when needed; the daemon calls
// it early so commands can be registered before updates flow.
func (t *TelegramAdapter) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return errors.Wrap(err, "failed to init telegram bot")
	}
	slog.Info("Telegram bot connected", "user", bot.Self.UserName)
	t.bot = bot
	return nil
}

func (t *TelegramAdapter) client() telegramBot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

func (t *TelegramAdapter) Start(ctx context.Context) error {
	if err := t.Connect(); err != nil {
		return err
	}
	bot := t.client()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.updateTimeout
	updates := bot.GetUpdatesChan(u)

	done := make(chan struct{})
	t.mu.Lock()
	t.done = done
	t.mu.Unlock()
	defer close(done)

	slog.Info("Telegram Adapter started", "update_timeout", t.updateTimeout)
	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramAdapter) Stop(ctx context.Context) error {
	t.mu.RLock()
	bot, done := t.bot, t.done
	t.mu.RUnlock()
	if bot == nil || done == nil {
		return nil
	}
	bot.StopReceivingUpdates()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TelegramAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	if t.allowed != nil && !t.allowed[msg.Chat.ID] {
		slog.Warn("Telegram chat not allow-listed, dropping message", "chat", msg.Chat.ID)
		return
	}

	key := fmt.Sprintf("tg:update:%d", update.UpdateID)
	if t.dedupe != nil && t.dedupe.CheckAndMarkKey(key, t.dedupeTTL) {
		slog.Debug("Duplicate Telegram update dropped", "update_id", update.UpdateID)
		return
	}

	ev := Event{
		Source: "telegram",
		ChatID: ChatID(PrefixTelegram, strconv.FormatInt(msg.Chat.ID, 10)),
		Text:   text,
		Key:    key,
	}
	if msg.From != nil {
		ev.SenderName = msg.From.FirstName
		if ev.SenderName == "" {
			ev.SenderName = msg.From.UserName
		}
	}

	if t.eventHandler != nil {
		if err := t.eventHandler(ctx, ev); err != nil {
			slog.Error("Failed to handle Telegram event", "chat_id", ev.ChatID, "error", err)
		}
	}
}

// Send delivers content in chunks, trying Markdown first and falling back to
// plain text when Telegram rejects the formatting.
func (t *TelegramAdapter) Send(ctx context.Context, nativeID string, content string) error {
	chatID, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return errors.InvalidInput("invalid telegram chat id: " + err.Error())
	}
	bot := t.client()
	if bot == nil {
		return errors.Transient("Telegram bot not initialized")
	}

	for _, chunk := range SplitMessage(content, t.maxLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := bot.Send(msg); err != nil {
			slog.Debug("Markdown send rejected, retrying as plain text", "chat", nativeID, "error", err)
			msg.ParseMode = ""
			if _, err := bot.Send(msg); err != nil {
				return errors.Wrap(err, "failed to send telegram message")
			}
		}
	}

	slog.Debug("Telegram message sent", "chat", nativeID)
	return nil
}

func (t *TelegramAdapter) SendTyping(ctx context.Context, nativeID string) error {
	chatID, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return errors.InvalidInput("invalid telegram chat id: " + err.Error())
	}
	bot := t.client()
	if bot == nil {
		return errors.Transient("Telegram bot not initialized")
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (t *TelegramAdapter) RegisterCommands(ctx context.Context, cmds []Command) error {
	bot := t.client()
	if bot == nil {
		return errors.Transient("Telegram bot not initialized")
	}
	botCmds := make([]tgbotapi.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		botCmds = append(botCmds, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	if _, err := bot.Request(tgbotapi.NewSetMyCommands(botCmds...)); err != nil {
		return errors.Wrap(err, "failed to register telegram commands")
	}
	return nil
}

func (t *TelegramAdapter) Health(ctx context.Context) error {
	bot := t.client()
	if bot == nil {
		return errors.Transient("Telegram bot not initialized")
	}
	if _, err := bot.GetMe(); err != nil {
		return errors.Transient("Telegram connection failed: " + err.Error())
	}
	return nil
}
