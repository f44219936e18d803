package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// ChannelRuns carries a RunEvent payload whenever a run reaches a terminal state.
const ChannelRuns = "kotae_runs"

// RunEvent is the JSON payload published on ChannelRuns.
type RunEvent struct {
	RunID    uuid.UUID       `json:"run_id"`
	ThreadID uuid.UUID       `json:"thread_id"`
	Status   model.RunStatus `json:"status"`
}

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// PublishRunEvent announces a terminal run on ChannelRuns.
func (db *DB) PublishRunEvent(ctx context.Context, run model.Run) error {
	payload, err := json.Marshal(RunEvent{RunID: run.ID, ThreadID: run.ThreadID, Status: run.Status})
	if err != nil {
		return fmt.Errorf("storage: marshal run event: %w", err)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelRuns, string(payload)); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelRuns, err)
	}
	return nil
}
