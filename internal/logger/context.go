package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const ChatIDKey contextKey = "chat_id"
const ContainerKey contextKey = "container"

func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ChatIDKey, id)
}

func GetChatID(ctx context.Context) string {
	if id, ok := ctx.Value(ChatIDKey).(string); ok {
		return id
	}
	return ""
}

func WithContainer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContainerKey, name)
}

func GetContainer(ctx context.Context) string {
	if name, ok := ctx.Value(ContainerKey).(string); ok {
		return name
	}
	return ""
}

// From returns the default logger annotated with whatever chat and container are on ctx.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetChatID(ctx); id != "" {
		l = l.With("chat_id", id)
	}
	if name := GetContainer(ctx); name != "" {
		l = l.With("container", name)
	}
	return l
}
