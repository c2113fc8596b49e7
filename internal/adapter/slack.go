package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/errors"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Slack accepts far longer messages, but anything past this is unreadable.
const slackMaxMessageLength = 4000

type SlackAdapter struct {
	signingSecret string
	botToken      string
	allowed       map[string]bool
	dedupeTTL     time.Duration

	eventHandler EventHandler
	dedupe       Deduper
	server       *http.Server
	port         int
	client       *slack.Client
}

func NewSlackAdapter(cfg config.SlackConfig, eventHandler EventHandler, dedupe Deduper, dedupeTTL time.Duration) *SlackAdapter {
	var allowed map[string]bool
	if len(cfg.AllowedChannels) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedChannels))
		for _, ch := range cfg.AllowedChannels {
			allowed[ch] = true
		}
	}
	return &SlackAdapter{
		signingSecret: cfg.SigningSecret,
		botToken:      cfg.BotToken,
		allowed:       allowed,
		dedupeTTL:     dedupeTTL,
		eventHandler:  eventHandler,
		dedupe:        dedupe,
		port:          cfg.Port,
		client:        slack.New(cfg.BotToken),
	}
}

func (s *SlackAdapter) Name() string {
	return "slack"
}

func (s *SlackAdapter) Prefix() string {
	return PrefixSlack
}

func (s *SlackAdapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", s.handleEvents)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Slack Adapter listening", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Slack server failed", "error", err)
		}
	}()

	<-ctx.Done()
	return s.server.Shutdown(context.Background())
}

func (s *SlackAdapter) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *SlackAdapter) Send(ctx context.Context, nativeID string, content string) error {
	for _, chunk := range SplitMessage(content, slackMaxMessageLength) {
		if _, _, err := s.client.PostMessageContext(ctx, nativeID, slack.MsgOptionText(chunk, false)); err != nil {
			return errors.Wrap(err, "failed to send Slack message")
		}
	}
	slog.Debug("Slack message sent", "channel", nativeID)
	return nil
}

// SendTyping is a no-op: the Events API has no typing indicator for bots.
func (s *SlackAdapter) SendTyping(ctx context.Context, nativeID string) error {
	return nil
}

func (s *SlackAdapter) Health(ctx context.Context) error {
	if s.server == nil {
		return errors.Transient("Slack server not started")
	}

	if s.client == nil {
		return errors.Transient("Slack client not initialized")
	}

	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return errors.Transient("Slack connection failed")
	}

	return nil
}

func (s *SlackAdapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := sv.Write(body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := sv.Ensure(); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	eventsAPIEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if eventsAPIEvent.Type == slackevents.URLVerification {
		var challenge *slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
		return
	}

	if eventsAPIEvent.Type == slackevents.CallbackEvent {
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.handleMessage(r.Context(), ev)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *SlackAdapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Bot echoes and edits carry a subtype or bot id.
	if ev.BotID != "" || ev.SubType != "" || ev.Text == "" {
		return
	}
	if s.allowed != nil && !s.allowed[ev.Channel] {
		slog.Warn("Slack channel not allow-listed, dropping message", "channel", ev.Channel)
		return
	}

	// Slack retries unacknowledged deliveries with the same ts.
	key := fmt.Sprintf("slack:event:%s:%s", ev.Channel, ev.TimeStamp)
	if s.dedupe != nil && s.dedupe.CheckAndMarkKey(key, s.dedupeTTL) {
		slog.Debug("Duplicate Slack event dropped", "channel", ev.Channel, "ts", ev.TimeStamp)
		return
	}

	if s.eventHandler == nil {
		return
	}
	out := Event{
		Source:     "slack",
		ChatID:     ChatID(PrefixSlack, ev.Channel),
		Text:       ev.Text,
		SenderName: ev.User,
		Key:        key,
	}
	if err := s.eventHandler(ctx, out); err != nil {
		slog.Error("Failed to handle Slack event", "chat_id", out.ChatID, "error", err)
	}
}
