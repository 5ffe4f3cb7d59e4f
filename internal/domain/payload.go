package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type ActionType string

const (
	ActionEmailStakeholder ActionType = "email_stakeholder"
	ActionJiraStatusChange ActionType = "jira_status_change"
)

// ActionTypes lists every supported action type.
var ActionTypes = []ActionType{ActionEmailStakeholder, ActionJiraStatusChange}

func (t ActionType) Valid() bool {
	for _, v := range ActionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// UnknownActionTypeError is returned when a persisted or requested action type
// has no payload shape.
type UnknownActionTypeError struct {
	ActionType ActionType
}

func (e *UnknownActionTypeError) Error() string {
	return fmt.Sprintf("unknown action type %q", e.ActionType)
}

// Payload is the closed set of action payloads. Each implementation belongs to
// exactly one ActionType.
type Payload interface {
	Type() ActionType
	Validate() error
	Accept(v PayloadVisitor) error
}

// PayloadVisitor must handle every payload shape. Adding an action type adds a
// method here.
type PayloadVisitor interface {
	VisitEmail(p EmailPayload) error
	VisitJiraStatusChange(p JiraStatusChangePayload) error
}

type EmailPayload struct {
	To        []string `json:"to"`
	CC        []string `json:"cc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
}

func (EmailPayload) Type() ActionType { return ActionEmailStakeholder }

func (p EmailPayload) Accept(v PayloadVisitor) error { return v.VisitEmail(p) }

func (p EmailPayload) Validate() error {
	if len(p.To) == 0 {
		return errors.New("email payload requires at least one recipient")
	}
	for _, addr := range append(append([]string{}, p.To...), p.CC...) {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("invalid email address %q", addr)
		}
	}
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("email payload subject is required")
	}
	return nil
}

type JiraStatusChangePayload struct {
	IssueKey   string `json:"issue_key"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Comment    string `json:"comment,omitempty"`
}

func (JiraStatusChangePayload) Type() ActionType { return ActionJiraStatusChange }

func (p JiraStatusChangePayload) Accept(v PayloadVisitor) error { return v.VisitJiraStatusChange(p) }

func (p JiraStatusChangePayload) Validate() error {
	if strings.TrimSpace(p.IssueKey) == "" {
		return errors.New("jira payload issue_key is required")
	}
	if strings.TrimSpace(p.ToStatus) == "" {
		return errors.New("jira payload to_status is required")
	}
	return nil
}

// DecodePayload parses raw JSON into the payload shape of t.
func DecodePayload(t ActionType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch t {
	case ActionEmailStakeholder:
		var p EmailPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case ActionJiraStatusChange:
		var p JiraStatusChangePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		return nil, &UnknownActionTypeError{ActionType: t}
	}
}

type heldActionJSON HeldAction

type heldActionWire struct {
	heldActionJSON
	Payload json.RawMessage `json:"payload"`
}

// UnmarshalJSON resolves the payload shape from action_type.
func (a *HeldAction) UnmarshalJSON(data []byte) error {
	var w heldActionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = HeldAction(w.heldActionJSON)
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		a.Payload = nil
		return nil
	}
	p, err := DecodePayload(a.ActionType, w.Payload)
	if err != nil {
		return err
	}
	a.Payload = p
	return nil
}

// EmailResult is what a mail executor reports for a sent message.
type EmailResult struct {
	MessageID string `json:"message_id"`
}
