package protocol

import (
	"encoding/json"
	"strings"
)

// Control command names accepted on the control channel.
const (
	ControlCreateSession     = "create_session"
	ControlCloseSession      = "close_session"
	ControlListSessions      = "list_sessions"
	ControlGetStatus         = "get_status"
	ControlGetMessages       = "get_messages"
	ControlGetMessageCount   = "get_message_count"
	ControlRegisterIntercept = "register_intercept"
	ControlRemoveIntercept   = "remove_intercept"
	ControlClearIntercepts   = "clear_intercepts"
	ControlListIntercepts    = "list_intercepts"
	ControlGetInterceptStats = "get_intercept_stats"
)

// MessageFilter narrows get_messages / get_message_count results.
type MessageFilter struct {
	Channel   string `json:"channel,omitempty"`
	Direction string `json:"direction,omitempty"`
	Service   string `json:"service,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ControlCommand is the payload of a ControlEnvelope. Fields beyond Command
// are populated per command; unused ones stay empty.
type ControlCommand struct {
	Command string `json:"command"`

	// create_session / close_session
	SessionID     string `json:"sessionId,omitempty"`
	Mode          string `json:"mode,omitempty"`
	RecordingPath string `json:"recordingPath,omitempty"`

	// get_messages / get_message_count
	Filter *MessageFilter `json:"filter,omitempty"`

	// register_intercept
	Intercept *InterceptSpec `json:"intercept,omitempty"`

	// remove_intercept / get_intercept_stats
	InterceptID string `json:"interceptId,omitempty"`

	// clear_intercepts
	Service string `json:"service,omitempty"`
}

// ControlEnvelope is a requestId'd control frame.
type ControlEnvelope struct {
	RequestID string         `json:"requestId"`
	Payload   ControlCommand `json:"payload"`
}

// ControlResponse answers a ControlEnvelope.
type ControlResponse struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// ControlOK builds a successful response with a marshaled payload.
// Marshal failures are programmer errors and panic.
func ControlOK(requestID string, payload interface{}) ControlResponse {
	resp := ControlResponse{RequestID: requestID, Success: true}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		resp.Payload = b
	}
	return resp
}

// ControlErr builds a failed response.
func ControlErr(requestID string, err error) ControlResponse {
	return ControlResponse{RequestID: requestID, Success: false, Error: AsError(err)}
}

// URLMatchType selects how an intercept matches request URLs.
type URLMatchType string

const (
	URLMatchExact    URLMatchType = "exact"
	URLMatchContains URLMatchType = "contains"
)

// URLMatch matches the url field of a request payload.
type URLMatch struct {
	Type  URLMatchType `json:"type"`
	Value string       `json:"value"`
}

// Matches applies the match to a URL.
func (u *URLMatch) Matches(url string) bool {
	switch u.Type {
	case URLMatchExact:
		return url == u.Value
	case URLMatchContains:
		return u.Value != "" && strings.Contains(url, u.Value)
	}
	return false
}

// InterceptMatch selects which requests an intercept applies to. Service is
// required; the remaining fields are extracted from the opaque request
// payload and only checked when set.
type InterceptMatch struct {
	Service      string    `json:"service"`
	FunctionName string    `json:"functionName,omitempty"`
	URLMatch     *URLMatch `json:"urlMatch,omitempty"`
	Method       string    `json:"method,omitempty"`
}

// InterceptSpec is a user-registered short-circuit rule.
type InterceptSpec struct {
	Match    InterceptMatch  `json:"match"`
	Response ResponsePayload `json:"response"`
	Priority int             `json:"priority"`
	Times    int             `json:"times,omitempty"` // 0 = unlimited
	DelayMs  int             `json:"delay,omitempty"`
}
