package api

import "time"

type submitLikeRequest struct {
	ToUID string `json:"to_uid"`
}

type submitLikeResponse struct {
	Liked   bool   `json:"liked"`
	Created bool   `json:"created"`
	Matched bool   `json:"matched"`
	MatchID string `json:"match_id,omitempty"`
}

type likesResponse struct {
	UserIDs []string `json:"user_ids"`
}

type matchResponse struct {
	MatchID    string    `json:"match_id"`
	PartnerUID string    `json:"partner_uid"`
	CreatedAt  time.Time `json:"created_at"`
}

type matchesResponse struct {
	Matches []matchResponse `json:"matches"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type messageResponse struct {
	MatchID     string     `json:"match_id"`
	Seq         int64      `json:"seq"`
	MessageID   string     `json:"message_id"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	SenderUID   string     `json:"sender_uid"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

type sendMessageResponse struct {
	Message    messageResponse `json:"message"`
	Duplicated bool            `json:"duplicated"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

type markReadResponse struct {
	Marked int `json:"marked"`
}

type unreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

type conversationResponse struct {
	MatchID         string     `json:"match_id"`
	PartnerUID      string     `json:"partner_uid"`
	PartnerNickname string     `json:"partner_nickname"`
	MatchedAt       time.Time  `json:"matched_at"`
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	LastSeq         int64      `json:"last_seq"`
	UnreadCount     int        `json:"unread_count"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}
