package store

import "time"

// Enqueue adds a pending send to the outbox.
func (db *DB) Enqueue(p *PendingSend) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = OutboxQueued
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, plaintext, reply_to, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		p.ClientID, p.ConversationID, p.Plaintext, p.ReplyTo, p.Status, p.RetryCount, p.LastError, p.CreatedAt, now)
	return err
}

// Pending returns the outbox entries for a conversation that still need
// sending (queued or failed), oldest first. Replay order is strict FIFO.
func (db *DB) Pending(conversationID string) ([]*PendingSend, error) {
	return db.queryOutbox(`
		SELECT id, client_id, conversation_id, plaintext, reply_to, status, retry_count, last_error, created_at
		FROM outbox WHERE conversation_id = ? AND status IN ('queued', 'failed')
		ORDER BY created_at ASC, id ASC`, conversationID)
}

// PendingConversations returns the conversations with unsent outbox entries.
func (db *DB) PendingConversations() ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT conversation_id FROM outbox
		WHERE status IN ('queued', 'failed') ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPending returns a single outbox entry by client id, or nil if absent.
func (db *DB) GetPending(clientID string) (*PendingSend, error) {
	entries, err := db.queryOutbox(`
		SELECT id, client_id, conversation_id, plaintext, reply_to, status, retry_count, last_error, created_at
		FROM outbox WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// MarkSending claims an entry for transmission: compare-and-swap from
// 'queued' or 'failed' to 'sending'. Returns whether this caller won the
// row; a loser must not transmit, or one logical send goes out twice.
// A sending entry is also no longer cancellable.
func (db *DB) MarkSending(clientID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ?
		WHERE client_id = ? AND status IN ('queued', 'failed')`, now, clientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverInFlight requeues entries stranded in 'sending' by a crash between
// transmission start and its ack or failure record. Runs once at startup,
// before any new transmission can claim a row. Returns how many were reset.
func (db *DB) RecoverInFlight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Ack removes an acknowledged entry. The history store owns the long-lived
// copy; the outbox is emptied as sends succeed.
func (db *DB) Ack(clientID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_id = ?`, clientID)
	return err
}

// Requeue flips an entry back to 'queued' without touching retry_count.
// Used when a send is deferred (key exchange unavailable) rather than failed.
func (db *DB) Requeue(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// UpdateRetry records a failed attempt: increments retry_count, stores the
// error and flips the entry back to 'failed' so the next replay picks it up.
func (db *DB) UpdateRetry(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', retry_count = retry_count + 1,
			last_error = ?, updated_at = ?
		WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// Cancel removes a queued entry. Entries already sending cannot be cancelled.
// Returns whether a row was removed.
func (db *DB) Cancel(clientID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE client_id = ? AND status = 'queued'`, clientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) queryOutbox(query string, args ...any) ([]*PendingSend, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*PendingSend
	for rows.Next() {
		var p PendingSend
		if err := rows.Scan(&p.ID, &p.ClientID, &p.ConversationID, &p.Plaintext, &p.ReplyTo,
			&p.Status, &p.RetryCount, &p.LastError, &p.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &p)
	}
	return entries, rows.Err()
}
