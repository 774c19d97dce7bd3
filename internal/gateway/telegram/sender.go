package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// MaxMessageRunes is the Bot API limit on text length per sendMessage call.
const MaxMessageRunes = 4096

// Sender posts outbound messages through the Bot API, splitting texts that
// exceed the per-message limit.
type Sender struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewSender builds a Sender for the given bot token.
func NewSender(token string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		token:   token,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "telegram.Sender"),
	}
}

// SetBaseURL points the sender at a different API host. Tests use it with
// httptest servers.
func (s *Sender) SetBaseURL(u string) {
	s.baseURL = strings.TrimRight(u, "/")
}

// SendMessage delivers text to a chat. Long texts are sent as consecutive
// chunks of at most MaxMessageRunes; a chunk failure aborts the remainder.
func (s *Sender) SendMessage(ctx context.Context, chatID, text string) error {
	if s.token == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	parts := SplitMessage(text, MaxMessageRunes)
	for i, part := range parts {
		if err := s.sendOne(ctx, chatID, part); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

func (s *Sender) sendOne(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram response malformed: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram sendMessage rejected: %s", result.Description)
	}
	return nil
}

// SplitMessage splits text into chunks of at most limit runes. A chunk
// boundary prefers the last newline inside the window so paragraphs stay
// intact; the separating newline itself is dropped.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		if part := strings.TrimRight(string(runes[:cut]), "\n"); part != "" {
			parts = append(parts, part)
		}
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
