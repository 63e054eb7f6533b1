package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnqueueOrIgnore inserts a queued message unless another row already holds
// its dedupe key. On a duplicate it returns the existing row's id and false.
// Messages without a dedupe key are always inserted.
func (s *Store) EnqueueOrIgnore(ctx context.Context, m OutboundMessage) (string, bool, error) {
	if m.Content == "" {
		return "", false, fmt.Errorf("%w: message content is empty", ErrInvalid)
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if !m.Priority.Valid() {
		return "", false, fmt.Errorf("%w: unknown priority %q", ErrInvalid, m.Priority)
	}
	if m.ID == "" {
		m.ID = s.newID()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages_out(id, chat_id, content, dedupe_key, status, priority, created_at)
		VALUES(?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		m.ID, m.ChatID, m.Content, nullStr(m.DedupeKey), string(m.Priority), millis(s.now()),
	)
	if err != nil {
		return "", false, wrap("enqueue message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, wrap("enqueue message", err)
	}
	if n == 1 {
		return m.ID, true, nil
	}

	var existing string
	err = s.db.GetContext(ctx, &existing, `SELECT id FROM messages_out WHERE dedupe_key = ?`, m.DedupeKey)
	if err != nil {
		return "", false, wrap("enqueue message", err)
	}
	return existing, false, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (OutboundMessage, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages_out WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboundMessage{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return OutboundMessage{}, wrap("get message", err)
	}
	return row.toMessage(), nil
}

// CountMessagesByDedupePrefix counts rows whose dedupe key equals key or
// starts with "key:" (its chunks).
func (s *Store) CountMessagesByDedupePrefix(ctx context.Context, key string) (int, error) {
	var n int
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(key)
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(1) FROM messages_out
		WHERE dedupe_key = ? OR dedupe_key LIKE ? ESCAPE '\'`, key, escaped+":%")
	return n, wrap("count messages", err)
}

// ListDeliverable returns queued messages whose retry time has come and that
// no live delivery lease holds, high priority first, then oldest first. It is
// a candidate list: a worker must ClaimMessage before sending.
func (s *Store) ListDeliverable(ctx context.Context, now time.Time, limit int) ([]OutboundMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages_out
		WHERE status = 'queued' AND next_attempt_at <= ?
		  AND (lease_owner IS NULL OR lease_expires_at < ?)
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
		         created_at ASC, rowid ASC
		LIMIT ?`, millis(now), millis(now), limit)
	if err != nil {
		return nil, wrap("list deliverable", err)
	}
	out := make([]OutboundMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

// ClaimMessage takes the delivery lease on a queued message with a single
// conditional UPDATE. It reports false, without error, when the message is
// not deliverable or another worker holds a live lease.
func (s *Store) ClaimMessage(ctx context.Context, id, owner string, now, expiresAt time.Time) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("%w: lease owner is required", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages_out SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND status = 'queued' AND next_attempt_at <= ?
		  AND (lease_owner IS NULL OR lease_expires_at < ?)`,
		owner, millis(expiresAt), id, millis(now), millis(now))
	if err != nil {
		return false, wrap("claim message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("claim message", err)
	}
	return n == 1, nil
}

// MarkSent transitions a queued message leased by owner to sent.
func (s *Store) MarkSent(ctx context.Context, id, owner string) error {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages_out
		SET status = 'sent', sent_at = ?, attempts = attempts + 1, last_error = NULL,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'queued' AND lease_owner = ?`, now, id, owner)
	return s.checkMessageTransition(ctx, "mark sent", id, res, err)
}

// MarkAttemptFailed records a failed delivery by the lease owner. When
// retryAt is zero the message becomes failed; otherwise it stays queued
// until retryAt.
func (s *Store) MarkAttemptFailed(ctx context.Context, id, owner, lastErr string, retryAt time.Time) error {
	status := string(MessageQueued)
	next := int64(0)
	if retryAt.IsZero() {
		status = string(MessageFailed)
	} else {
		next = millis(retryAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages_out
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'queued' AND lease_owner = ?`,
		status, nullStr(lastErr), next, id, owner)
	return s.checkMessageTransition(ctx, "mark attempt failed", id, res, err)
}

func (s *Store) checkMessageTransition(ctx context.Context, op, id string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s %s: message not queued or lease not held: %w", op, id, ErrStateConflict)
}
