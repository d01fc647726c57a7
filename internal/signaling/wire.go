package signaling

import (
	"encoding/json"
	"time"

	"github.com/vishnenko/ringline/internal/callsession"
)

// envelope is the single frame format on the signaling socket. Requests and
// responses carry an ID, server-pushed events carry an Event name instead.
type envelope struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
}

func (e *wireError) Err() error {
	return &BackendError{Message: e.Message}
}

// BackendError is an error the signaling backend returned for a request.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "signaling backend: " + e.Message
}

type connectParams struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type callParams struct {
	CallType string `json:"call_type"`
	CallID   string `json:"call_id"`

	Ring      bool                 `json:"ring,omitempty"`
	AudioOnly bool                 `json:"audio_only,omitempty"`
	Members   []callsession.Member `json:"members,omitempty"`
	Reject    bool                 `json:"reject,omitempty"`
}

type queryParams struct {
	MemberID string `json:"member_id"`
	Limit    int    `json:"limit"`
}

type wireCallRef struct {
	CallType string `json:"call_type"`
	CallID   string `json:"call_id"`
}

func (r wireCallRef) toID() callsession.CallID {
	return callsession.CallID{Type: r.CallType, ID: r.CallID}
}

type queryResult struct {
	Calls []wireCallRef `json:"calls"`
}

type wireCallState struct {
	CallType    string               `json:"call_type"`
	CallID      string               `json:"call_id"`
	CreatedBy   string               `json:"created_by"`
	CreatedAt   time.Time            `json:"created_at"`
	AudioOnly   bool                 `json:"audio_only"`
	Members     []callsession.Member `json:"members"`
	JoinedIDs   []string             `json:"joined_ids"`
	Ringing     bool                 `json:"ringing"`
	LiveSession bool                 `json:"live_session"`
	Ended       bool                 `json:"ended"`
}

func (s wireCallState) toState() callsession.CallState {
	return callsession.CallState{
		Call:        callsession.CallID{Type: s.CallType, ID: s.CallID},
		CreatedBy:   s.CreatedBy,
		CreatedAt:   s.CreatedAt,
		AudioOnly:   s.AudioOnly,
		Members:     s.Members,
		JoinedIDs:   s.JoinedIDs,
		Ringing:     s.Ringing,
		LiveSession: s.LiveSession,
		Ended:       s.Ended,
	}
}

type wireEventPayload struct {
	CallType      string `json:"call_type"`
	CallID        string `json:"call_id"`
	ParticipantID string `json:"participant_id,omitempty"`
}
