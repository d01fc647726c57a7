package callsession

import (
	"context"
	"strings"
	"time"
)

// CallEvent names the signaling-service events the session manager consumes.
type CallEvent string

const (
	EventRing              CallEvent = "call.ring"
	EventParticipantJoined CallEvent = "call.session_participant_joined"
	EventParticipantLeft   CallEvent = "call.session_participant_left"
	EventEnded             CallEvent = "call.ended"
)

// CallID identifies one call object on the signaling service as a
// (type, instance id) pair.
type CallID struct {
	Type string
	ID   string
}

func (id CallID) String() string {
	return id.Type + ":" + id.ID
}

func (id CallID) IsZero() bool {
	return id.Type == "" && id.ID == ""
}

// EventPayload carries the fields of a per-call signaling event.
type EventPayload struct {
	Call          CallID
	ParticipantID string
}

// Member is one conversation participant to ring.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CallState is the backend's view of one call object.
type CallState struct {
	Call        CallID
	CreatedBy   string
	CreatedAt   time.Time
	AudioOnly   bool
	Members     []Member
	JoinedIDs   []string
	Ringing     bool
	LiveSession bool
	Ended       bool
}

// HasJoined reports whether userID appears in the call's joined set.
func (s CallState) HasJoined(userID string) bool {
	for _, id := range s.JoinedIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type GetOrCreateRequest struct {
	Ring      bool
	AudioOnly bool
	Members   []Member
}

type LeaveRequest struct {
	Reject bool
}

type QueryCallsRequest struct {
	// MemberID filters to calls whose member list contains this user.
	MemberID string
	// Limit bounds the result set; the backend returns most-recent-first.
	Limit int
}

// CallHandle is the addressable representation of one call on the
// signaling service. All methods are network round-trips except ID and On.
type CallHandle interface {
	ID() CallID
	GetOrCreate(ctx context.Context, req GetOrCreateRequest) (CallState, error)
	Join(ctx context.Context) error
	Leave(ctx context.Context, req LeaveRequest) error
	End(ctx context.Context) error
	State(ctx context.Context) (CallState, error)
	// On registers a handler for one event on this call and returns an
	// unsubscribe func. Handlers run on the client's event goroutine.
	On(event CallEvent, handler func(EventPayload)) (unsubscribe func())
}

// SignalingClient is the opaque handle to the real-time signaling service.
type SignalingClient interface {
	// Connect authenticates the client with a per-user credential. No call
	// action works before Connect succeeds.
	Connect(ctx context.Context, userID, token string) error
	// Call returns a handle for the given call object, creating the local
	// handle (not the backend object) if needed. Handles are cached so the
	// same call object never has two handles with separate subscriptions.
	Call(callType, id string) CallHandle
	// OnRing registers a handler for ring notifications of new calls.
	OnRing(handler func(CallState)) (unsubscribe func())
	QueryCalls(ctx context.Context, req QueryCallsRequest) ([]CallID, error)
}

// TokenProvider supplies the short-lived signaling credential, once per
// client initialization. A failure here is fatal to the calling feature
// for the whole session.
type TokenProvider interface {
	Token(ctx context.Context, userID string) (string, error)
}

// ParticipantResolver returns the other members of a conversation to ring.
// The session manager treats this as a plain lookup and does not retry it.
type ParticipantResolver interface {
	Members(ctx context.Context, conversationID string) ([]Member, error)
}

// Notification is a user-facing message produced by a state transition.
type Notification struct {
	Title string
	Body  string
	Call  CallID
}

// Notifier delivers notifications best-effort; implementations must not
// block state transitions on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// HistoryEntry records one session that left the state machine.
type HistoryEntry struct {
	Call         CallID
	Direction    string // "incoming" or "outgoing"
	Outcome      string // completed, missed, rejected, no_answer, cancelled, failed
	Counterparty string
	AudioOnly    bool
	StartedAt    time.Time
	EndedAt      time.Time
}

// HistoryRecorder persists finished sessions. Failures are logged by the
// implementation and never surface into transitions.
type HistoryRecorder interface {
	Record(ctx context.Context, e HistoryEntry)
}

// SanitizeUserID maps a raw user id onto the character set the signaling
// backend accepts for member ids. Events carry sanitized ids, so all local
// comparisons use the sanitized form.
func SanitizeUserID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
