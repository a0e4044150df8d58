package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Channel is the NOTIFY channel written by the complaints trigger.
const Channel = "complaints_changes"

// PgListener turns Postgres NOTIFY payloads into hub events. It owns one
// dedicated connection, separate from the query pool.
type PgListener struct {
	databaseURL string
	channel     string
	hub         *Hub
	logger      *zap.Logger
}

func NewPgListener(databaseURL, channel string, hub *Hub, logger *zap.Logger) *PgListener {
	if channel == "" {
		channel = Channel
	}
	return &PgListener{databaseURL: databaseURL, channel: channel, hub: hub, logger: logger}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff
// when the connection drops.
func (l *PgListener) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Error("change feed connection lost",
			zap.String("channel", l.channel),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *PgListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info("change feed subscribed", zap.String("channel", l.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := ParsePayload(n.Payload)
		if err != nil {
			l.logger.Warn("unreadable change payload", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		l.hub.Publish(ev)
	}
}

type notifyPayload struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

// ParsePayload decodes the trigger's JSON payload.
func ParsePayload(payload string) (Event, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Event{}, err
	}
	if p.Table == "" {
		return Event{}, errors.New("payload has no table")
	}
	return Event{Table: p.Table, Kind: ParseKind(p.Op), ID: p.ID}, nil
}
