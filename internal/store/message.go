package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, client_id, server_id, sender_id, is_mine,
	plaintext, ciphertext, iv, created_at, delivery_state, sync_state,
	retry_count, last_error, edited, deleted, pinned, reactions`

// Upsert writes a message, resolving identity on whichever of client_id /
// server_id is present. The row is written exactly as given; merge semantics
// (plaintext retention, state monotonicity) belong to the reconciler. An
// existing id is never cleared by an empty field on the incoming message.
func (db *DB) Upsert(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertTx(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertBatch writes a batch of messages in one transaction. Used by the
// bulk-merge path so a history window lands atomically.
func (db *DB) UpsertBatch(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertTx(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertTx(tx *sql.Tx, m *Message) error {
	existing, err := findTx(tx, m.ConversationID, m.ClientID, m.ServerID)
	if err != nil {
		return err
	}

	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("encode reactions: %w", err)
	}
	now := time.Now().UnixMilli()

	if existing == nil {
		res, err := tx.Exec(`
			INSERT INTO messages (conversation_id, client_id, server_id, sender_id, is_mine,
				plaintext, ciphertext, iv, created_at, delivery_state, sync_state,
				retry_count, last_error, edited, deleted, pinned, reactions, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, nullable(m.ClientID), nullable(m.ServerID), m.SenderID, m.IsMine,
			m.Plaintext, m.Ciphertext, m.IV, m.CreatedAt, string(m.DeliveryState), string(m.SyncState),
			m.RetryCount, m.LastError, m.Edited, m.Deleted, m.Pinned, string(reactions), now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		m.ID, _ = res.LastInsertId()
		return nil
	}

	clientID := m.ClientID
	if clientID == "" {
		clientID = existing.ClientID
	}
	serverID := m.ServerID
	if serverID == "" {
		serverID = existing.ServerID
	}

	_, err = tx.Exec(`
		UPDATE messages SET client_id = ?, server_id = ?, sender_id = ?, is_mine = ?,
			plaintext = ?, ciphertext = ?, iv = ?, created_at = ?, delivery_state = ?,
			sync_state = ?, retry_count = ?, last_error = ?, edited = ?, deleted = ?,
			pinned = ?, reactions = ?, updated_at = ?
		WHERE id = ?`,
		nullable(clientID), nullable(serverID), m.SenderID, m.IsMine,
		m.Plaintext, m.Ciphertext, m.IV, m.CreatedAt, string(m.DeliveryState),
		string(m.SyncState), m.RetryCount, m.LastError, m.Edited, m.Deleted,
		m.Pinned, string(reactions), now, existing.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	m.ID = existing.ID
	return nil
}

func findTx(tx *sql.Tx, conversationID, clientID, serverID string) (*Message, error) {
	var row *sql.Row
	switch {
	case clientID != "" && serverID != "":
		row = tx.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND (client_id = ? OR server_id = ?)`,
			conversationID, clientID, serverID)
	case clientID != "":
		row = tx.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND client_id = ?`, conversationID, clientID)
	case serverID != "":
		row = tx.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND server_id = ?`, conversationID, serverID)
	default:
		return nil, nil
	}

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetByClientID returns a message by its client id, or nil if absent.
func (db *DB) GetByClientID(conversationID, clientID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND client_id = ?`, conversationID, clientID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetByServerID returns a message by its server id, or nil if absent.
func (db *DB) GetByServerID(conversationID, serverID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND server_id = ?`, conversationID, serverID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListPage returns up to limit messages older than beforeMillis, in ascending
// created_at order. Keyset pagination: each page request is idempotent and the
// sequence restarts from any offset.
func (db *DB) ListPage(conversationID string, beforeMillis int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMillis <= 0 {
		beforeMillis = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeMillis, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query runs newest-first for the keyset; callers want chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ReplaceConversation atomically swaps the stored history of a conversation.
func (db *DB) ReplaceConversation(conversationID string, msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	for _, m := range msgs {
		if err := upsertTx(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Remove deletes a message by client or server id.
func (db *DB) Remove(conversationID, id string) error {
	_, err := db.Exec(`DELETE FROM messages
		WHERE conversation_id = ? AND (client_id = ? OR server_id = ?)`,
		conversationID, id, id)
	return err
}

// Conversations returns the distinct conversation ids present in history.
func (db *DB) Conversations() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m         Message
		clientID  sql.NullString
		serverID  sql.NullString
		delivery  string
		syncState string
		reactions string
	)
	err := s.Scan(&m.ID, &m.ConversationID, &clientID, &serverID, &m.SenderID, &m.IsMine,
		&m.Plaintext, &m.Ciphertext, &m.IV, &m.CreatedAt, &delivery, &syncState,
		&m.RetryCount, &m.LastError, &m.Edited, &m.Deleted, &m.Pinned, &reactions)
	if err != nil {
		return nil, err
	}
	m.ClientID = clientID.String
	m.ServerID = serverID.String
	m.DeliveryState = DeliveryState(delivery)
	m.SyncState = SyncState(syncState)
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
