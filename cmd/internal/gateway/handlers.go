package gateway

import (
	"context"
	"strings"

	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/realtime"
	v1 "tandem/shared/contracts/realtime/v1"
)

func (g *Gateway) dispatch(ctx context.Context, s *session, env v1.Envelope) {
	var err error
	switch env.Type {
	case v1.TypeHello:
		err = g.onHello(s, env)
	case v1.TypeConversationSubscribe:
		err = g.onConversationSubscribe(ctx, s, env)
	case v1.TypeConversationUnsubscribe:
		err = g.onConversationUnsubscribe(s, env)
	case v1.TypeMessageSend:
		err = g.onMessageSend(ctx, s, env)
	case v1.TypeConversationRead:
		err = g.onConversationRead(ctx, s, env)
	case v1.TypeUserSubscribe:
		err = g.onUserSubscribe(ctx, s, env)
	}
	if err != nil {
		g.replyError(s, env, err)
	}
}

func (g *Gateway) onHello(s *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return domain.Invalid("ws.hello", err.Error())
	}
	g.log.Debug("ws.hello", "session_id", s.id, "client", p.Client)
	return g.send(s, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: s.id, UserID: s.uid})
}

func (g *Gateway) onConversationSubscribe(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.conversation_subscribe"

	var p v1.ConversationSubscribePayload
	if err := env.Decode(&p); err != nil {
		return domain.Invalid(op, err.Error())
	}
	sub, err := g.convs.SubscribeMessages(ctx, strings.TrimSpace(p.MatchID), s.uid, p.SinceSeq)
	if err != nil {
		return err
	}
	matchID, _ := realtime.MatchIDFromTopic(sub.Topic())

	old, ok := s.swapConversation(matchID, sub)
	if !ok {
		sub.Cancel()
		return domain.Invalid(op, "too many conversation subscriptions")
	}
	if old != nil {
		old.Cancel()
	}

	// Ack before the pump starts so it precedes the first batch.
	if err := g.send(s, v1.TypeConversationSubscribed, v1.ConversationSubscribedPayload{
		MatchID:  matchID,
		SinceSeq: p.SinceSeq,
		Active:   true,
	}); err != nil {
		s.dropConversation(matchID, sub)
		sub.Cancel()
		return err
	}

	s.pumps.Add(1)
	go g.pumpConversation(ctx, s, matchID, sub, p.AutoRead)
	return nil
}

func (g *Gateway) onConversationUnsubscribe(s *session, env v1.Envelope) error {
	var p v1.ConversationUnsubscribePayload
	if err := env.Decode(&p); err != nil {
		return domain.Invalid("ws.conversation_unsubscribe", err.Error())
	}
	matchID := strings.TrimSpace(p.MatchID)
	sub := s.dropConversation(matchID, nil)
	if sub == nil {
		g.sendError(s, env.ID, v1.CodeNotSubscribed, "no subscription for match_id")
		return nil
	}
	sub.Cancel()
	return g.send(s, v1.TypeConversationSubscribed, v1.ConversationSubscribedPayload{
		MatchID:  matchID,
		SinceSeq: sub.Cursor(),
	})
}

func (g *Gateway) onMessageSend(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return domain.Invalid("ws.message_send", err.Error())
	}
	res, err := g.convs.SendMessage(ctx, strings.TrimSpace(p.MatchID), s.uid, p.Text, p.ClientMsgID)
	if err != nil {
		return err
	}
	m := res.Message
	return g.send(s, v1.TypeMessageAck, v1.MessageAckPayload{
		MatchID:     m.MatchID,
		ClientMsgID: m.ClientMsgID,
		MessageID:   m.MessageID,
		Seq:         m.Seq,
		Duplicated:  res.Duplicated,
	})
}

func (g *Gateway) onConversationRead(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.ConversationReadPayload
	if err := env.Decode(&p); err != nil {
		return domain.Invalid("ws.conversation_read", err.Error())
	}
	return g.markRead(ctx, s, strings.TrimSpace(p.MatchID))
}

func (g *Gateway) onUserSubscribe(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.UserSubscribePayload
	if err := env.Decode(&p); err != nil {
		return domain.Invalid("ws.user_subscribe", err.Error())
	}
	if p.SinceSeq < 0 {
		return domain.Invalid("ws.user_subscribe", "since_seq must not be negative")
	}

	sub := g.hub.Subscribe(ctx, realtime.UserTopic(s.uid), p.SinceSeq, g.hub)
	if old := s.swapUser(sub); old != nil {
		old.Cancel()
	}
	s.pumps.Add(1)
	go g.pumpUser(s, sub)
	return nil
}

// markRead marks matchID read for the session user and acks with the new unread count.
// Explicit conversation_read and auto-read both land here.
func (g *Gateway) markRead(ctx context.Context, s *session, matchID string) error {
	marked, err := g.convs.MarkConversationRead(ctx, matchID, s.uid)
	if err != nil {
		return err
	}
	unread, err := g.convs.GetUnreadCount(ctx, matchID, s.uid)
	if err != nil {
		return err
	}
	return g.send(s, v1.TypeConversationReadAck, v1.ConversationReadAckPayload{
		MatchID:     matchID,
		Marked:      marked,
		UnreadCount: unread,
	})
}

// pumpConversation forwards batches until the subscription ends. It blocks on the
// session queue, which holds back the subscription's cursor rather than dropping.
func (g *Gateway) pumpConversation(ctx context.Context, s *session, matchID string, sub *realtime.Subscription, autoRead bool) {
	defer s.pumps.Done()
	defer s.dropConversation(matchID, sub)

	for b := range sub.C() {
		msgs := make([]v1.Message, 0, len(b.Events))
		fromPartner := false
		for _, ev := range b.Events {
			m, ok := ev.Data.(chat.Message)
			if !ok {
				continue
			}
			msgs = append(msgs, wireMessage(m))
			if m.SenderUID != s.uid && !m.Read() {
				fromPartner = true
			}
		}
		if err := g.send(s, v1.TypeMessageBatch, v1.MessageBatchPayload{MatchID: matchID, Messages: msgs}); err != nil {
			sub.Cancel()
			return
		}
		if autoRead && fromPartner {
			if err := g.markRead(ctx, s, matchID); err != nil && ctx.Err() == nil {
				g.replyError(s, v1.Envelope{}, err)
			}
		}
	}

	if err := sub.Err(); err != nil {
		g.log.Info("ws.subscription.fail", "session_id", s.id, "match_id", matchID, "err", err)
		g.replyError(s, v1.Envelope{}, err)
	}
}

func (g *Gateway) pumpUser(s *session, sub *realtime.Subscription) {
	defer s.pumps.Done()

	for b := range sub.C() {
		evs := make([]v1.UserEvent, 0, len(b.Events))
		for _, ev := range b.Events {
			ue, err := wireUserEvent(ev)
			if err != nil {
				g.log.Error("ws.user_event.encode.fail", "session_id", s.id, "type", ev.Type, "err", err)
				continue
			}
			evs = append(evs, ue)
		}
		if err := g.send(s, v1.TypeUserEventBatch, v1.UserEventBatchPayload{Events: evs, Reset: b.Reset}); err != nil {
			sub.Cancel()
			return
		}
	}
}
