// Package assignment binds operators to chats and enforces capacity and uniqueness.
package assignment

import (
	"encoding/json"
	"time"
)

// Status is the assignment lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Reasons recorded on terminal assignments by the engine itself.
const (
	ReasonTransferred   = "transferred"
	ReasonAcceptTimeout = "accept_timeout"
	ReasonStartTimeout  = "start_timeout"
)

// Assignment binds one operator to one chat.
type Assignment struct {
	ID          string
	OperatorID  string
	VisitorID   string
	ChatID      string
	Status      Status
	Source      Source
	Reason      string
	AssignedAt  time.Time
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type assignmentJSON struct {
	ID          string          `json:"assignmentId"`
	OperatorID  string          `json:"operatorId"`
	VisitorID   string          `json:"visitorId"`
	ChatID      string          `json:"chatId"`
	Status      Status          `json:"status"`
	Source      json.RawMessage `json:"source"`
	Reason      string          `json:"reason,omitempty"`
	AssignedAt  time.Time       `json:"assignedAt"`
	AcceptedAt  *time.Time      `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func (a Assignment) MarshalJSON() ([]byte, error) {
	src := a.Source
	if src == nil {
		src = DirectSource{}
	}
	raw, err := MarshalSource(src)
	if err != nil {
		return nil, err
	}
	return json.Marshal(assignmentJSON{
		ID:          a.ID,
		OperatorID:  a.OperatorID,
		VisitorID:   a.VisitorID,
		ChatID:      a.ChatID,
		Status:      a.Status,
		Source:      raw,
		Reason:      a.Reason,
		AssignedAt:  a.AssignedAt,
		AcceptedAt:  a.AcceptedAt,
		StartedAt:   a.StartedAt,
		CompletedAt: a.CompletedAt,
	})
}

func (a *Assignment) UnmarshalJSON(b []byte) error {
	var w assignmentJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	src, err := UnmarshalSource(w.Source)
	if err != nil {
		return err
	}
	*a = Assignment{
		ID:          w.ID,
		OperatorID:  w.OperatorID,
		VisitorID:   w.VisitorID,
		ChatID:      w.ChatID,
		Status:      w.Status,
		Source:      src,
		Reason:      w.Reason,
		AssignedAt:  w.AssignedAt,
		AcceptedAt:  w.AcceptedAt,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
	}
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	OperatorID string
	VisitorID  string
	ChatID     string
	Statuses   []Status
}

func (f Filter) match(a *Assignment) bool {
	if f.OperatorID != "" && a.OperatorID != f.OperatorID {
		return false
	}
	if f.VisitorID != "" && a.VisitorID != f.VisitorID {
		return false
	}
	if f.ChatID != "" && a.ChatID != f.ChatID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}

// ChangeKind names an assignment transition.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeAccepted  ChangeKind = "accepted"
	ChangeStarted   ChangeKind = "started"
	ChangeCompleted ChangeKind = "completed"
	ChangeCancelled ChangeKind = "cancelled"
)

// Change is delivered to listeners after a transition commits.
type Change struct {
	Kind       ChangeKind
	Assignment Assignment
}

func clone(a *Assignment) Assignment {
	out := *a
	if qs, ok := a.Source.(QueueSource); ok {
		qs.Tags = append([]string(nil), qs.Tags...)
		out.Source = qs
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
