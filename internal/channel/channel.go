package channel

import (
	"strconv"
	"strings"
	"sync"
)

// Session holds the chat-side state shared by decision channels: who may
// decide, and which senders owe a denial reason for which request.
type Session struct {
	mu             sync.Mutex
	allowList      map[string]bool
	awaitingReason map[string]string
}

// NewSession creates a session authorizing the given ids or @usernames.
func NewSession(allowFrom []string) *Session {
	allowList := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		id = strings.TrimSpace(id)
		if id != "" {
			allowList[id] = true
		}
	}
	return &Session{
		allowList:      allowList,
		awaitingReason: make(map[string]string),
	}
}

// IsAllowed checks if sender is permitted. senderID is either a bare id or
// "id|username". An empty allow list permits nobody.
func (s *Session) IsAllowed(senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for allowed := range s.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if allowed == senderID || trimmed == senderID ||
			allowed == idPart || trimmed == idPart ||
			(userPart != "" && (allowed == userPart || trimmed == userPart)) {
			return true
		}
	}
	return false
}

// Recipients returns the numeric chat ids on the allow list. Username
// entries can authorize but cannot be messaged first.
func (s *Session) Recipients() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.allowList))
	for allowed := range s.allowList {
		id, err := strconv.ParseInt(allowed, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// AwaitReason records that senderID's next text message is the denial reason
// for requestID. A later selection replaces an earlier one.
func (s *Session) AwaitReason(senderID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitingReason[senderKey(senderID)] = requestID
}

// TakeAwaitingReason returns and clears the request senderID owes a reason for.
func (s *Session) TakeAwaitingReason(senderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := senderKey(senderID)
	id, ok := s.awaitingReason[key]
	if ok {
		delete(s.awaitingReason, key)
	}
	return id, ok
}

// ForgetRequest drops every pending reason prompt for requestID.
func (s *Session) ForgetRequest(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sender, id := range s.awaitingReason {
		if id == requestID {
			delete(s.awaitingReason, sender)
			n++
		}
	}
	return n
}

func senderKey(senderID string) string {
	if idx := strings.Index(senderID, "|"); idx > 0 {
		return senderID[:idx]
	}
	return senderID
}
