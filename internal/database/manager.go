package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "communityhub/pkg/database"
	"communityhub/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite message store.
// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write
// contention while history reads run concurrently on the pool
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
	now          func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. Migrations
// are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// FUNCTIONAL DISCOVERY: A failed write is retried exactly once after retryDelay
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("db.write_failed", "retry_in", m.retryDelay, "error", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
					if err != nil {
						m.logger.Error("db.write_failed_after_retry", "error", err)
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("db.write_loop_stopped")
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(m.writeTimeout):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Create persists a message and returns the stored copy with server-assigned
// id and createdAt. A zero timestamp defaults to the server time.
func (m *Manager) Create(ctx context.Context, message *types.Message) (*types.Message, error) {
	if message == nil {
		return nil, errors.New("message is nil")
	}

	stored := *message
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt = m.now()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = stored.CreatedAt
	}
	stored.Timestamp = stored.Timestamp.UTC()

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room, content, sender_id, sender_name, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			stored.ID,
			stored.Room,
			stored.Content,
			stored.SenderID,
			stored.SenderName,
			stored.Timestamp,
			stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

// CountByRoom returns the number of persisted messages in a room.
func (m *Manager) CountByRoom(ctx context.Context, room string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE room = ?", room).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// ListRecent returns the most recent limit messages of a room, oldest first.
func (m *Manager) ListRecent(ctx context.Context, room string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		return []*types.Message{}, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room, content, sender_id, sender_name, timestamp, created_at
		FROM (
			SELECT id, room, content, sender_id, sender_name, timestamp, created_at, rowid AS seq
			FROM messages
			WHERE room = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0, limit)
	for rows.Next() {
		var message types.Message
		err := rows.Scan(
			&message.ID,
			&message.Room,
			&message.Content,
			&message.SenderID,
			&message.SenderName,
			&message.Timestamp,
			&message.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

// HealthCheck validates connectivity and that the messages table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
