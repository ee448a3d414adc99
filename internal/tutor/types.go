package tutor

import (
	"context"
	"strconv"
	"strings"
)

// TriggerType tells whether a request was polled by the editor (Automatic)
// or asked by the user (Explicit).
type TriggerType string

const (
	Automatic TriggerType = "AUTO"
	Explicit  TriggerType = "USER"
)

// ParseTrigger is case-insensitive; anything other than AUTO is an explicit question.
func ParseTrigger(s string) TriggerType {
	if strings.EqualFold(strings.TrimSpace(s), string(Automatic)) {
		return Automatic
	}
	return Explicit
}

func (t TriggerType) String() string {
	if t == Automatic {
		return "automatic"
	}
	return "explicit"
}

// Tier is a subscription level.
type Tier string

const (
	TierNone  Tier = "none"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// ParseTier maps unknown or empty values to TierNone. "free" is an alias of none.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return TierBasic
	case "pro":
		return TierPro
	default:
		return TierNone
	}
}

// MessageType is the kind of an outbound message.
type MessageType string

const (
	TypeHint  MessageType = "HINT"
	TypeInfo  MessageType = "INFO"
	TypeError MessageType = "ERROR"
)

// UserRef accepts both string and integer user identifiers on the wire.
type UserRef string

func (u *UserRef) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*u = ""
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		*u = UserRef(strings.TrimSpace(unq))
		return nil
	}
	*u = UserRef(s)
	return nil
}

// Inbound is one message received over the realtime channel.
type Inbound struct {
	ProblemID   *int64  `json:"problemId,omitempty"`
	UserID      UserRef `json:"userId,omitempty"`
	TriggerType string  `json:"triggerType,omitempty"`
	Code        string  `json:"code"`
	Language    string  `json:"language,omitempty"`
	Message     string  `json:"message,omitempty"`
	JudgeResult string  `json:"judgeResult,omitempty"`
	PassedCount *int    `json:"passedCount,omitempty"`
	TotalCount  *int    `json:"totalCount,omitempty"`
}

// Outbound is the single reply published for an admitted inbound message.
type Outbound struct {
	Type        MessageType `json:"type"`
	TriggerType TriggerType `json:"triggerType"`
	ProblemID   *int64      `json:"problemId,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Content     string      `json:"content"`
}

// Request is the arbiter's view of an inbound message once identity is resolved.
type Request struct {
	UserID      string
	ProblemID   *int64
	Trigger     TriggerType
	Code        string
	Question    string
	Language    string
	JudgeResult string
	PassedCount *int
	TotalCount  *int
}

// NewRequest builds a Request from in for the resolved user.
func NewRequest(in Inbound, userID string) Request {
	return Request{
		UserID:      userID,
		ProblemID:   in.ProblemID,
		Trigger:     ParseTrigger(in.TriggerType),
		Code:        in.Code,
		Question:    in.Message,
		Language:    strings.TrimSpace(in.Language),
		JudgeResult: strings.TrimSpace(in.JudgeResult),
		PassedCount: in.PassedCount,
		TotalCount:  in.TotalCount,
	}
}

// ProblemKey renders the problem id for map keys; absent problems share "-".
func (r Request) ProblemKey() string {
	return ProblemKey(r.ProblemID)
}

func ProblemKey(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

// JudgeSignature summarises judge metadata for automatic fingerprints.
func (r Request) JudgeSignature() string {
	var b strings.Builder
	b.WriteString(r.JudgeResult)
	b.WriteByte('|')
	if r.PassedCount != nil {
		b.WriteString(strconv.Itoa(*r.PassedCount))
	}
	b.WriteByte('/')
	if r.TotalCount != nil {
		b.WriteString(strconv.Itoa(*r.TotalCount))
	}
	return b.String()
}

// Reply builds an outbound message echoing r's routing fields.
func (r Request) Reply(t MessageType, content string) Outbound {
	return Outbound{
		Type:        t,
		TriggerType: r.Trigger,
		ProblemID:   r.ProblemID,
		UserID:      r.UserID,
		Content:     content,
	}
}

// Reply builds an outbound message for an inbound message that never became a Request.
func (in Inbound) Reply(t MessageType, content string) Outbound {
	return Outbound{
		Type:        t,
		TriggerType: ParseTrigger(in.TriggerType),
		ProblemID:   in.ProblemID,
		UserID:      string(in.UserID),
		Content:     content,
	}
}

const DefaultTopic = "problem.default"

// Topic is where replies about problemID are published.
func Topic(problemID *int64) string {
	if problemID == nil {
		return DefaultTopic
	}
	return "problem." + strconv.FormatInt(*problemID, 10)
}

// Handler produces the single reply for an inbound message.
type Handler interface {
	Handle(ctx context.Context, in Inbound) Outbound
}
