package assignment

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceVersion is the current wire version of a serialized Source.
const SourceVersion = 1

// Source records why an assignment exists. The set of variants is closed:
// DirectSource, QueueSource and TransferSource.
type Source interface {
	Kind() string
	isSource()
}

// DirectSource is an assignment created explicitly by an operator or supervisor.
type DirectSource struct{}

// QueueSource is an assignment made by the dispatcher from a queue entry.
type QueueSource struct {
	QueueID  string
	Priority int
	QueuedAt time.Time
	Tags     []string
}

// TransferSource is an assignment created by an accepted transfer.
type TransferSource struct {
	TransferID     string
	FromOperatorID string
}

func (DirectSource) Kind() string   { return "direct" }
func (QueueSource) Kind() string    { return "queue" }
func (TransferSource) Kind() string { return "transfer" }

func (DirectSource) isSource()   {}
func (QueueSource) isSource()    {}
func (TransferSource) isSource() {}

// SourceKind returns the variant name, or "unknown" for nil.
func SourceKind(s Source) string {
	if s == nil {
		return "unknown"
	}
	return s.Kind()
}

type sourceWire struct {
	V              int        `json:"v"`
	Type           string     `json:"type"`
	QueueID        string     `json:"queueId,omitempty"`
	Priority       *int       `json:"priority,omitempty"`
	QueuedAt       *time.Time `json:"queuedAt,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	TransferID     string     `json:"transferId,omitempty"`
	FromOperatorID string     `json:"fromOperatorId,omitempty"`
}

// MarshalSource encodes s as {"v":1,"type":...,...}.
func MarshalSource(s Source) ([]byte, error) {
	w := sourceWire{V: SourceVersion}
	switch v := s.(type) {
	case DirectSource:
		w.Type = v.Kind()
	case QueueSource:
		w.Type = v.Kind()
		w.QueueID = v.QueueID
		p := v.Priority
		w.Priority = &p
		t := v.QueuedAt.UTC()
		w.QueuedAt = &t
		w.Tags = v.Tags
	case TransferSource:
		w.Type = v.Kind()
		w.TransferID = v.TransferID
		w.FromOperatorID = v.FromOperatorID
	default:
		return nil, fmt.Errorf("assignment: unknown source %T", s)
	}
	return json.Marshal(w)
}

// UnmarshalSource decodes a versioned source. Unknown versions and types are errors.
func UnmarshalSource(b []byte) (Source, error) {
	var w sourceWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	if w.V != SourceVersion {
		return nil, fmt.Errorf("assignment: unsupported source version %d", w.V)
	}
	switch w.Type {
	case "direct":
		return DirectSource{}, nil
	case "queue":
		s := QueueSource{QueueID: w.QueueID, Tags: w.Tags}
		if w.Priority != nil {
			s.Priority = *w.Priority
		}
		if w.QueuedAt != nil {
			s.QueuedAt = w.QueuedAt.UTC()
		}
		return s, nil
	case "transfer":
		return TransferSource{TransferID: w.TransferID, FromOperatorID: w.FromOperatorID}, nil
	default:
		return nil, fmt.Errorf("assignment: unknown source type %q", w.Type)
	}
}
