package store

import "time"

// --- Sessions (sessions.json) ---

// Session is the durable identity of one chat. It is never deleted, only reset.
type Session struct {
	ChatID       string    `json:"chatId"`
	SessionID    string    `json:"sessionId,omitempty"`
	Model        string    `json:"model,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// SessionIndex is keyed by chat id.
type SessionIndex struct {
	Sessions map[string]Session `json:"sessions"`
}

// --- Image hash cache (image_hashes.json) ---

// ImageHashes maps chat id to the sha256 of the last extension descriptor built for it.
type ImageHashes struct {
	Hashes map[string]string `json:"hashes"`
}
