// Package notify holds the out-of-band alert hooks fired when the realtime
// view learns about a newly inserted complaint.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"suyang/api/internal/email"
)

// Alert describes one insert notification. ComplaintID is whatever the feed
// reported and may be empty.
type Alert struct {
	ComplaintID string    `json:"complaintId,omitempty"`
	At          time.Time `json:"at"`
}

type Trigger interface {
	Fire(ctx context.Context, a Alert) error
}

type TriggerFunc func(ctx context.Context, a Alert) error

func (f TriggerFunc) Fire(ctx context.Context, a Alert) error { return f(ctx, a) }

// Multi fires every trigger, logging failures instead of returning them.
type Multi struct {
	triggers []Trigger
	logger   *zap.Logger
}

func NewMulti(logger *zap.Logger, triggers ...Trigger) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{triggers: triggers, logger: logger}
}

func (m *Multi) Add(t Trigger) {
	m.triggers = append(m.triggers, t)
}

func (m *Multi) Fire(ctx context.Context, a Alert) error {
	for _, t := range m.triggers {
		if err := t.Fire(ctx, a); err != nil {
			m.logger.Warn("alert trigger failed", zap.Error(err))
		}
	}
	return nil
}

// Logger records the alert as a log line.
type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Fire(_ context.Context, a Alert) error {
	l.logger.Info("new complaint alert",
		zap.String("complaint_id", a.ComplaintID),
		zap.Time("at", a.At),
	)
	return nil
}

// Email mails the configured recipients.
type Email struct {
	svc        *email.Service
	recipients []string
	detailURL  string
}

func NewEmail(svc *email.Service, recipients []string, detailURL string) *Email {
	return &Email{svc: svc, recipients: recipients, detailURL: detailURL}
}

func (e *Email) Fire(_ context.Context, a Alert) error {
	if !e.svc.IsConfigured() || len(e.recipients) == 0 {
		return nil
	}
	return e.svc.SendNewComplaintAlert(e.recipients, email.AlertData{ReceivedAt: a.At, DetailURL: e.detailURL})
}

// Publisher pushes a named frame to every connected dashboard.
type Publisher interface {
	Publish(kind string, payload any)
}

// Broadcast sends an "alert" frame, which dashboards turn into the audible
// cue.
type Broadcast struct {
	pub Publisher
}

func NewBroadcast(pub Publisher) *Broadcast {
	return &Broadcast{pub: pub}
}

func (b *Broadcast) Fire(_ context.Context, a Alert) error {
	b.pub.Publish("alert", a)
	return nil
}
