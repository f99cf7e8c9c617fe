package entity

import (
	"context"
	"time"
)

type SessionEventKind string

const (
	SessionEventLog            SessionEventKind = "log"
	SessionEventLedgerMismatch SessionEventKind = "ledger_mismatch"
)

// SessionEvent is one line of worker output handed to the presentation layer.
type SessionEvent struct {
	SessionID string            `json:"session_id"`
	Ticker    string            `json:"ticker"`
	Kind      SessionEventKind  `json:"kind"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Time      time.Time         `json:"time"`
}

type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event SessionEvent) error
}
