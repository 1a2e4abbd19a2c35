package api

import (
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/likes"
)

func toMatchResponse(v likes.MatchView) matchResponse {
	return matchResponse{MatchID: v.MatchID, PartnerUID: v.PartnerUID, CreatedAt: v.CreatedAt}
}

func toMessageResponse(m chat.Message) messageResponse {
	out := messageResponse{
		MatchID:     m.MatchID,
		Seq:         m.Seq,
		MessageID:   m.MessageID,
		ClientMsgID: m.ClientMsgID,
		SenderUID:   m.SenderUID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		Read:        m.Read(),
	}
	if m.Read() {
		at := m.ReadAt
		out.ReadAt = &at
	}
	return out
}

func toMessagesResponse(msgs []chat.Message, hasMore bool) messagesResponse {
	out := messagesResponse{Messages: make([]messageResponse, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	return out
}

func toConversationResponse(c chat.Conversation) conversationResponse {
	out := conversationResponse{
		MatchID:         c.MatchID,
		PartnerUID:      c.PartnerUID,
		PartnerNickname: c.PartnerNickname,
		MatchedAt:       c.MatchedAt,
		LastMessage:     c.LastMessage,
		LastSeq:         c.LastSeq,
		UnreadCount:     c.UnreadCount,
	}
	if !c.LastMessageAt.IsZero() {
		at := c.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}
