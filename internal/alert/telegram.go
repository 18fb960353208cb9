package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

type TelegramOptions struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	// Silent delivers messages without a sound on the client.
	Silent bool
}

type TelegramNotifier struct {
	opts   TelegramOptions
	client *http.Client
}

func NewTelegramNotifier(opts TelegramOptions) (*TelegramNotifier, error) {
	if opts.BotToken == "" || opts.ChatID == "" {
		return nil, errors.New("telegram bot_token and chat_id required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultTelegramBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &TelegramNotifier{opts: opts, client: &http.Client{Timeout: opts.Timeout}}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:              t.opts.ChatID,
		Text:                msg,
		DisableNotification: t.opts.Silent,
	})
	if err != nil {
		return err
	}
	endpoint := t.opts.BaseURL + "/bot" + t.opts.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed sendMessageResponse
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil && !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// LogNotifier writes alerts to the process log when no chat is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg string) error {
	log.Printf("level=WARN event=alert msg=%q", msg)
	return nil
}
