package telegram_transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jdelaire/openbot/core"
)

// WebhookInfo is the subset of getWebhookInfo the receiver needs.
type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*core.User, error) {
	raw, err := c.Call(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var u core.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode getMe: %w", err)
	}
	return &u, nil
}

// SendMessage posts text to a chat and returns the sent message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*core.Message, error) {
	return SendMessage(ctx, c, chatID, text)
}

// AnswerCallbackQuery acknowledges a callback query, optionally showing
// text to the user.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID, text string) error {
	return AnswerCallbackQuery(ctx, c, queryID, text)
}

// GetWebhookInfo returns the currently registered webhook.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	raw, err := c.Call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	var info WebhookInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode getWebhookInfo: %w", err)
	}
	return &info, nil
}

// DeleteWebhook removes the webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := c.Call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": dropPending})
	return err
}

// SendMessage posts text through any API caller. Handlers use it with the
// caller carried on their request.
func SendMessage(ctx context.Context, api core.APICaller, chatID int64, text string) (*core.Message, error) {
	raw, err := api.Call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return nil, err
	}
	var m core.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode sendMessage: %w", err)
	}
	return &m, nil
}

// AnswerCallbackQuery acknowledges a callback query through any API caller.
func AnswerCallbackQuery(ctx context.Context, api core.APICaller, queryID, text string) error {
	params := map[string]any{"callback_query_id": queryID}
	if text != "" {
		params["text"] = text
	}
	_, err := api.Call(ctx, "answerCallbackQuery", params)
	return err
}
