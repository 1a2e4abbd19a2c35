package gateway

import (
	"sync"

	"tandem/cmd/internal/realtime"
	v1 "tandem/shared/contracts/realtime/v1"
)

// session is one connected websocket client.
//
// out is never closed; done tells producers to stop. Pumps block on out, so a slow
// client only stalls its own subscriptions.
type session struct {
	id  string
	uid string

	out  chan v1.Envelope
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	convs map[string]*realtime.Subscription
	user  *realtime.Subscription

	pumps sync.WaitGroup
}

func newSession(id, uid string, queue int) *session {
	if queue < minSendQueueSize {
		queue = minSendQueueSize
	}
	return &session{
		id:    id,
		uid:   uid,
		out:   make(chan v1.Envelope, queue),
		done:  make(chan struct{}),
		convs: make(map[string]*realtime.Subscription),
	}
}

// close is idempotent. It cancels every subscription.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		for id, sub := range s.convs {
			sub.Cancel()
			delete(s.convs, id)
		}
		if s.user != nil {
			s.user.Cancel()
			s.user = nil
		}
		s.mu.Unlock()
	})
}

// enqueue blocks until env is queued or the session ends.
func (s *session) enqueue(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- env:
		return true
	case <-s.done:
		return false
	}
}

// swapConversation registers sub for matchID and returns the subscription it replaces.
func (s *session) swapConversation(matchID string, sub *realtime.Subscription) (old *realtime.Subscription, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old = s.convs[matchID]
	if old == nil && len(s.convs) >= maxConversationSubs {
		return nil, false
	}
	s.convs[matchID] = sub
	return old, true
}

// dropConversation removes matchID's subscription if it is still sub (or any, when sub is nil).
func (s *session) dropConversation(matchID string, sub *realtime.Subscription) *realtime.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.convs[matchID]
	if cur == nil || (sub != nil && cur != sub) {
		return nil
	}
	delete(s.convs, matchID)
	return cur
}

func (s *session) swapUser(sub *realtime.Subscription) *realtime.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.user
	s.user = sub
	return old
}
