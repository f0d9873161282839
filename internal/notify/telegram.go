package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"github.com/yourneighborhoodchef/tokcheck/internal/client"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

const DefaultTelegramURL = "https://api.telegram.org"

type TelegramConfig struct {
	BaseURL string
	Token   string
	ChatID  string
	Timeout time.Duration
}

// Telegram talks to the Bot API: sendMessage for events and replies,
// setWebhook at startup.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	doer    client.Doer
}

type botResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegram(cfg TelegramConfig, doer client.Doer) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}
	return &Telegram{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		doer:    doer,
	}
}

func (t *Telegram) Notify(ctx context.Context, e Event) error {
	return t.Send(ctx, e.Text())
}

// Send posts text to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	var chat interface{} = t.chatID
	if id, err := strconv.ParseInt(t.chatID, 10, 64); err == nil {
		chat = id
	}
	return t.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chat,
		"text":    text,
	})
}

// SetWebhook points the bot at url. secret, when set, is echoed back by
// Telegram in X-Telegram-Bot-Api-Secret-Token on every update.
func (t *Telegram) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]interface{}{
		"url":             url,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	if err := t.call(ctx, "setWebhook", payload); err != nil {
		return err
	}
	logging.WithComponent("Notify/Telegram").Info().Str("url", url).Msg("Webhook set successfully.")
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrDeliveryFailed, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, method, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var br botResponse
	_ = json.Unmarshal(raw, &br)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !br.OK {
		return fmt.Errorf("%w: %s: status %d: %s", ErrDeliveryFailed, method, resp.StatusCode, br.Description)
	}
	return nil
}
