// Package api exposes likes, matches and conversations as JSON over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tandem/cmd/identity"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/likes"

	"github.com/gorilla/mux"
)

const defaultMaxBodyBytes = 64 << 10

// Likes is the like/match API. *likes.Service implements it.
type Likes interface {
	SubmitLike(ctx context.Context, from, to string) (likes.SubmitResult, error)
	ListIncomingLikes(ctx context.Context, uid string) ([]string, error)
	ListOutgoingLikes(ctx context.Context, uid string) ([]string, error)
	ListMatches(ctx context.Context, uid string) ([]likes.MatchView, error)
	MatchFor(ctx context.Context, matchID, uid string) (likes.Match, error)
}

// Conversations is the conversation API. *chat.Service implements it.
type Conversations interface {
	SendMessage(ctx context.Context, matchID, senderUID, content, clientMsgID string) (chat.SendResult, error)
	FetchMessages(ctx context.Context, matchID, viewerUID string, afterSeq int64, limit int) (chat.FetchResult, error)
	ListMessages(ctx context.Context, matchID, viewerUID string) ([]chat.Message, error)
	MarkConversationRead(ctx context.Context, matchID, viewerUID string) (int, error)
	GetUnreadCount(ctx context.Context, matchID, viewerUID string) (int, error)
	ListConversations(ctx context.Context, uid string) ([]chat.Conversation, error)
}

// Config tunes request handling.
type Config struct {
	MaxBodyBytes int64
	// WriteLimit caps likes and message sends per user per WriteWindow.
	// Zero takes the default; negative disables the cap.
	WriteLimit  int
	WriteWindow time.Duration
}

// Handler serves the /v1 routes. Every route requires an authenticated caller.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	auth   identity.Provider
	likes  Likes
	chat   Conversations
	writes *writeThrottle
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, auth identity.Provider, l Likes, c Conversations, cfg Config) (*Handler, error) {
	if auth == nil || l == nil || c == nil {
		return nil, errors.New("api: identity provider, likes and conversations are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.WriteLimit == 0 {
		cfg.WriteLimit = defaultWriteLimit
	}
	return &Handler{
		log:    log,
		cfg:    cfg,
		auth:   auth,
		likes:  l,
		chat:   c,
		writes: newWriteThrottle(cfg.WriteLimit, cfg.WriteWindow),
	}, nil
}

// Register mounts the /v1 routes on r.
func (h *Handler) Register(r *mux.Router) {
	v := r.PathPrefix("/v1").Subrouter()
	v.Use(h.authenticate)

	v.HandleFunc("/likes", h.throttled(h.handleSubmitLike)).Methods(http.MethodPost)
	v.HandleFunc("/likes/incoming", h.handleIncomingLikes).Methods(http.MethodGet)
	v.HandleFunc("/likes/outgoing", h.handleOutgoingLikes).Methods(http.MethodGet)

	v.HandleFunc("/matches", h.handleListMatches).Methods(http.MethodGet)
	v.HandleFunc("/matches/{matchId}", h.handleGetMatch).Methods(http.MethodGet)
	v.HandleFunc("/matches/{matchId}/messages", h.throttled(h.handleSendMessage)).Methods(http.MethodPost)
	v.HandleFunc("/matches/{matchId}/messages", h.handleListMessages).Methods(http.MethodGet)
	v.HandleFunc("/matches/{matchId}/read", h.handleMarkRead).Methods(http.MethodPost)
	v.HandleFunc("/matches/{matchId}/unread", h.handleUnread).Methods(http.MethodGet)

	v.HandleFunc("/conversations", h.handleListConversations).Methods(http.MethodGet)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.auth.Authenticate(r)
		if err != nil {
			if !identity.IsUnauthenticated(err) {
				h.log.Error("api.auth.fail", "err", err)
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithPrincipal(r.Context(), p)))
	})
}

func caller(r *http.Request) string {
	p, _ := identity.PrincipalFrom(r.Context())
	return p.UserID
}

// fail writes err as a client-facing error. Causes of 5xx responses are only logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := domain.Describe(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log.Error("api.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, msg)
}

// ---- likes ----

func (h *Handler) handleSubmitLike(w http.ResponseWriter, r *http.Request) {
	var req submitLikeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, err := h.likes.SubmitLike(r.Context(), caller(r), req.ToUID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, submitLikeResponse{
		Liked:   res.Liked,
		Created: res.Created,
		Matched: res.Matched,
		MatchID: res.MatchID,
	})
}

func (h *Handler) handleIncomingLikes(w http.ResponseWriter, r *http.Request) {
	uids, err := h.likes.ListIncomingLikes(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, likesResponse{UserIDs: nonNil(uids)})
}

func (h *Handler) handleOutgoingLikes(w http.ResponseWriter, r *http.Request) {
	uids, err := h.likes.ListOutgoingLikes(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, likesResponse{UserIDs: nonNil(uids)})
}

// ---- matches ----

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	views, err := h.likes.ListMatches(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := matchesResponse{Matches: make([]matchResponse, 0, len(views))}
	for _, v := range views {
		out.Matches = append(out.Matches, toMatchResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	uid := caller(r)
	m, err := h.likes.MatchFor(r.Context(), mux.Vars(r)["matchId"], uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchResponse(likes.MatchView{
		MatchID:    m.ID(),
		PartnerUID: m.Partner(uid),
		CreatedAt:  m.CreatedAt,
	}))
}

// ---- messages ----

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, err := h.chat.SendMessage(r.Context(), mux.Vars(r)["matchId"], caller(r), req.Content, req.ClientMsgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, sendMessageResponse{Message: toMessageResponse(res.Message), Duplicated: res.Duplicated})
}

// handleListMessages returns one page when limit is given, the whole conversation otherwise.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	q := r.URL.Query()

	afterSeq, err := queryInt(q.Get("after_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "after_seq must be an integer")
		return
	}
	rawLimit := strings.TrimSpace(q.Get("limit"))
	if rawLimit == "" && afterSeq == 0 {
		msgs, err := h.chat.ListMessages(r.Context(), matchID, caller(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toMessagesResponse(msgs, false))
		return
	}

	limit, err := queryInt(rawLimit)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "limit must be a non-negative integer")
		return
	}
	page, err := h.chat.FetchMessages(r.Context(), matchID, caller(r), afterSeq, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagesResponse(page.Messages, page.HasMore))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.MarkConversationRead(r.Context(), mux.Vars(r)["matchId"], caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Marked: n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.GetUnreadCount(r.Context(), mux.Vars(r)["matchId"], caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{UnreadCount: n})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chat.ListConversations(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := conversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
