package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenExpiryMargin is subtracted from the reported token lifetime so a
// send never races the expiry.
const tokenExpiryMargin = 60 * time.Second

// Sender posts outbound messages through the IM API, authenticating with a
// tenant access token that is cached until shortly before it expires.
type Sender struct {
	appID     string
	appSecret string
	baseURL   string
	client    *http.Client
	logger    *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewSender builds a Sender for the given app credentials.
func NewSender(appID, appSecret string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   "https://open.feishu.cn",
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With("component", "feishu.Sender"),
	}
}

// SetBaseURL points the sender at a different API host. Tests use it with
// httptest servers.
func (s *Sender) SetBaseURL(u string) {
	s.baseURL = strings.TrimRight(u, "/")
}

// SendMessage delivers text to a chat.
func (s *Sender) SendMessage(ctx context.Context, chatID, text string) error {
	if s.appID == "" || s.appSecret == "" {
		return fmt.Errorf("feishu app credentials not configured")
	}
	token, err := s.tenantToken(ctx)
	if err != nil {
		return fmt.Errorf("tenant token: %w", err)
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	})
	if err != nil {
		return err
	}

	url := s.baseURL + "/open-apis/im/v1/messages?receive_id_type=chat_id"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("feishu request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("feishu response malformed: %w", err)
	}
	if result.Code != 0 {
		if isAuthCode(result.Code) {
			s.invalidateToken()
		}
		return fmt.Errorf("feishu message rejected: code=%d msg=%s", result.Code, result.Msg)
	}
	return nil
}

// tenantToken returns the cached tenant access token, fetching a fresh one
// when the cache is empty or within the expiry margin.
func (s *Sender) tenantToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     s.appID,
		"app_secret": s.appSecret,
	})
	if err != nil {
		return "", err
	}
	url := s.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("token response malformed: %w", err)
	}
	if result.Code != 0 || result.Token == "" {
		return "", fmt.Errorf("token rejected: code=%d msg=%s", result.Code, result.Msg)
	}

	ttl := time.Duration(result.Expire)*time.Second - tokenExpiryMargin
	if ttl < 0 {
		ttl = 0
	}
	s.token = result.Token
	s.tokenExpiry = time.Now().Add(ttl)
	s.logger.Debug("tenant token refreshed", "expires_in", result.Expire)
	return s.token, nil
}

func (s *Sender) invalidateToken() {
	s.mu.Lock()
	s.token = ""
	s.tokenExpiry = time.Time{}
	s.mu.Unlock()
}

// isAuthCode reports whether an IM API error code indicates an invalid or
// expired access token.
func isAuthCode(code int) bool {
	return code >= 99991661 && code <= 99991668
}
