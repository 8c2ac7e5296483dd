package model

import "time"

// ConversationTurn is one exchange stored in a ContinuousAgentState's
// conversation history.
type ConversationTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ContinuousAgentState is the durable-and-cached memory of one CONTINUOUS
// agent (spec.md §3, §4.6). Version is monotonic and used for optimistic
// concurrency by the State Store's save_continuous operation.
type ContinuousAgentState struct {
	AgentName    string              `json:"agent_name"`
	Conversation []ConversationTurn  `json:"conversation"`
	Memory       map[string]any      `json:"memory"`
	EventCount   int                 `json:"event_count"`
	LastActivity time.Time           `json:"last_activity"`
	Version      int64               `json:"version"`
}

// AppendTurn appends a conversation turn and prunes to maxHistory using
// sliding-window pruning: oldest pairs (user+assistant) are dropped first
// (spec.md §4.6 step 2).
func (s *ContinuousAgentState) AppendTurn(turn ConversationTurn, maxHistory int) {
	s.Conversation = append(s.Conversation, turn)
	if maxHistory <= 0 {
		return
	}
	for len(s.Conversation) > maxHistory {
		drop := 2
		if len(s.Conversation)-drop < 0 {
			drop = len(s.Conversation)
		}
		s.Conversation = s.Conversation[drop:]
	}
}

// NewContinuousAgentState creates the initial state for an agent seen for
// the first time (spec.md §4.6 step 1: version=0).
func NewContinuousAgentState(name string) *ContinuousAgentState {
	return &ContinuousAgentState{
		AgentName:    name,
		Conversation: nil,
		Memory:       make(map[string]any),
		Version:      0,
		LastActivity: time.Now().UTC(),
	}
}
