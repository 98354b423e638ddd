package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"casewire/pkg/interfaces"
	"casewire/pkg/types"
)

// Config holds store settings.
type Config struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	WriteTimeout    time.Duration
}

// Manager implements interfaces.MessageStore and interfaces.LinkStore on
// SQLite. All writes flow through a single goroutine: SQLite allows many
// concurrent readers but only one writer, and funneling writes avoids
// busy-lock churn. Each queued operation is one transaction-equivalent
// statement, so a partial write is never observable.
type Manager struct {
	db      *sql.DB
	writeCh chan writeOp
	done    chan struct{}
	wg      sync.WaitGroup

	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	logger *zap.Logger
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// NewManager opens (or creates) the database, applies the schema, and
// starts the write loop.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	m := &Manager{
		db:           db,
		writeCh:      make(chan writeOp, 100),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeCh:
			op.result <- op.fn(m.db)
		case <-m.done:
			return
		}
	}
}

// executeWrite queues a write and waits for it to finish, so callers see
// the durable result before acting on it.
func (m *Manager) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeCh <- writeOp{fn: fn, result: result}:
	case <-time.After(m.writeTimeout):
		return fmt.Errorf("write queue timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return fmt.Errorf("store is shutting down")
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateMessage implements interfaces.MessageStore.
func (m *Manager) CreateMessage(ctx context.Context, caseID, body, senderClass string, senderID, linkID *string) (*types.Message, error) {
	msg := &types.Message{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Body:        body,
		SenderClass: senderClass,
		SenderID:    senderID,
		LinkID:      linkID,
		CreatedAt:   time.Now().UTC(),
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO messages (id, case_id, body, sender_class, sender_id, link_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.CaseID, msg.Body, msg.SenderClass, msg.SenderID, msg.LinkID, msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create message: %v", types.ErrPersistence, err)
	}
	return msg, nil
}

// UpsertReadReceipt implements interfaces.MessageStore. The conflict
// clause keeps repeat marking a no-op: at most one receipt exists per
// (message, recipient) pair and the original read time is preserved.
func (m *Manager) UpsertReadReceipt(ctx context.Context, messageID, recipientID string) error {
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO read_receipts (message_id, recipient_id, read_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (message_id, recipient_id) DO NOTHING`,
			messageID, recipientID, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: upsert receipt: %v", types.ErrPersistence, err)
	}
	return nil
}

// ListMessages implements interfaces.MessageStore.
func (m *Manager) ListMessages(ctx context.Context, caseID string) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, case_id, body, sender_class, sender_id, link_id, created_at
		 FROM messages WHERE case_id = ? ORDER BY created_at, id`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		msg := &types.Message{}
		if err := rows.Scan(&msg.ID, &msg.CaseID, &msg.Body, &msg.SenderClass,
			&msg.SenderID, &msg.LinkID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountUnread implements interfaces.MessageStore.
func (m *Manager) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages msg
		 WHERE NOT EXISTS (
			SELECT 1 FROM read_receipts r
			WHERE r.message_id = msg.id AND r.recipient_id = ?
		 )`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// CountUnreadByCase implements interfaces.MessageStore.
func (m *Manager) CountUnreadByCase(ctx context.Context, recipientID string) (map[string]int, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT msg.case_id, COUNT(*) FROM messages msg
		 WHERE NOT EXISTS (
			SELECT 1 FROM read_receipts r
			WHERE r.message_id = msg.id AND r.recipient_id = ?
		 )
		 GROUP BY msg.case_id`,
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("count unread by case: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var caseID string
		var count int
		if err := rows.Scan(&caseID, &count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[caseID] = count
	}
	return counts, rows.Err()
}

// GetLinkByTokenHash implements interfaces.LinkStore.
func (m *Manager) GetLinkByTokenHash(ctx context.Context, tokenHash string) (*types.AccessLink, error) {
	link := &types.AccessLink{}
	err := m.db.QueryRowContext(ctx,
		`SELECT id, case_id, token_hash, expires_at, revoked_at, created_at
		 FROM access_links WHERE token_hash = ?`,
		tokenHash,
	).Scan(&link.ID, &link.CaseID, &link.TokenHash, &link.ExpiresAt, &link.RevokedAt, &link.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

// CreateAccessLink implements interfaces.LinkStore.
func (m *Manager) CreateAccessLink(ctx context.Context, caseID, tokenHash string, expiresAt *time.Time) (*types.AccessLink, error) {
	link := &types.AccessLink{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO access_links (id, case_id, token_hash, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			link.ID, link.CaseID, link.TokenHash, link.ExpiresAt, link.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create access link: %w", err)
	}
	return link, nil
}

// RevokeAccessLink implements interfaces.LinkStore. Revoking twice keeps
// the original revocation timestamp.
func (m *Manager) RevokeAccessLink(ctx context.Context, linkID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE access_links SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
			time.Now().UTC(), linkID,
		)
		return err
	})
}

// HealthCheck verifies database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close stops the write loop and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return m.db.Close()
}
