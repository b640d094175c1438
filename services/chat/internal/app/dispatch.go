package app

import (
	"context"
	"fmt"

	"pairchat/pkg/domain"
)

// Dispatch decodes an inbound frame and runs its handler to completion.
// The returned error is meant for the originating connection only.
func (a *App) Dispatch(ctx context.Context, peer Peer, env domain.Envelope) error {
	switch env.Type {
	case domain.EventJoin:
		var p domain.JoinPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return a.Join(ctx, peer, p)
	case domain.EventChatMessage:
		var p domain.ChatMessagePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := a.SendMessage(ctx, peer, p)
		return err
	case domain.EventChatFile:
		var p domain.ChatFilePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := a.SendFile(ctx, peer, p)
		return err
	case domain.EventTyping, domain.EventStopTyping:
		var p domain.TypingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if env.Type == domain.EventTyping {
			return a.Typing(ctx, peer, p)
		}
		return a.StopTyping(ctx, peer, p)
	case domain.EventMessageRead:
		var p domain.ReadPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return a.MarkRead(ctx, peer, p)
	case domain.EventGetMessages:
		var p domain.GetMessagesPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := a.OlderMessages(ctx, peer, p)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decode(env domain.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}
