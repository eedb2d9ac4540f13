package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdelaire/openbot/adapters/telegram_transport"
	"github.com/jdelaire/openbot/core"
)

const stateAwaitingName = "awaiting_name"

func registerHandlers(r *core.Registry) {
	r.OnMessage("start", handleStart, core.Commands("start"))
	r.OnMessage("cancel", handleCancel, core.Commands("cancel"), core.State(core.AnyState))
	r.OnMessage("name", handleName, core.Commands("name"))
	r.OnMessage("name_reply", handleNameReply, core.State(stateAwaitingName), core.ContentTypes("text"))
	r.OnCallbackQuery("callback", handleCallback)

	// Catch-all entries rank below every command.
	if _, err := r.Add(core.HandlerEntry{
		Name:     "echo",
		Category: core.CategoryMessage,
		Priority: -1,
		Filters:  []core.Filter{core.ContentTypes("text")},
		Action:   handleEcho,
	}); err != nil {
		panic(err)
	}
}

func reply(ctx context.Context, req *core.Request, text string) error {
	chat := req.Update.Chat()
	if chat == nil {
		return fmt.Errorf("update %d has no chat", req.Update.ID)
	}
	_, err := telegram_transport.SendMessage(ctx, req.API, chat.ID, text)
	return err
}

func handleStart(ctx context.Context, req *core.Request) error {
	if err := req.State.Delete(ctx); err != nil {
		return err
	}
	return reply(ctx, req, "Hello! Send /name to introduce yourself, or any text to hear it back.")
}

func handleCancel(ctx context.Context, req *core.Request) error {
	if err := req.State.Delete(ctx); err != nil {
		return err
	}
	return reply(ctx, req, "Cancelled.")
}

func handleName(ctx context.Context, req *core.Request) error {
	if err := req.State.Set(ctx, stateAwaitingName); err != nil {
		return err
	}
	return reply(ctx, req, "What is your name?")
}

func handleNameReply(ctx context.Context, req *core.Request) error {
	name := strings.TrimSpace(req.Update.Message.Text)
	if err := req.State.Delete(ctx); err != nil {
		return err
	}
	return reply(ctx, req, fmt.Sprintf("Nice to meet you, %s.", name))
}

func handleCallback(ctx context.Context, req *core.Request) error {
	q := req.Update.CallbackQuery
	return telegram_transport.AnswerCallbackQuery(ctx, req.API, q.ID, q.Data)
}

func handleEcho(ctx context.Context, req *core.Request) error {
	return reply(ctx, req, req.Update.Message.Text)
}
