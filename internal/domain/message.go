package domain

import (
	"fmt"
	"strconv"
	"time"
)

// ChatMessage is a single chat line in a chapter room.
// SenderName and SenderAvatarURL are display hints and may be stale.
type ChatMessage struct {
	ID              string    `json:"id"`
	RoomID          string    `json:"roomId"`
	SenderID        string    `json:"senderId"`
	SenderName      string    `json:"senderName"`
	SenderAvatarURL string    `json:"senderAvatarUrl"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
}

// Page is one backward page of room history, oldest first.
type Page struct {
	Messages   []ChatMessage `json:"messages"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// FormatCursor renders a timestamp as a history cursor.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseCursor accepts an RFC 3339 timestamp or unix milliseconds.
func ParseCursor(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("invalid cursor %q", s)
	}
	return time.UnixMilli(ms), nil
}
