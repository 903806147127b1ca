package database

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"rokbot/internal/chat"
	"rokbot/internal/logger"
	"rokbot/internal/titles"
)

// DatabaseManager persists the full title-request history to MySQL.
// The JSON stats file keeps working state; this table is the audit
// trail (who asked for what, when, and whether it was granted).
type DatabaseManager struct {
	db     *sql.DB
	logger *logger.LoggerManager
	wg     sync.WaitGroup
}

// Open connects to MySQL and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(4)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// NewDatabaseManager creates the history sink and ensures its schema.
func NewDatabaseManager(db *sql.DB, loggerManager *logger.LoggerManager) (*DatabaseManager, error) {
	m := &DatabaseManager{
		db:     db,
		logger: loggerManager,
	}
	if err := m.ensureSchema(); err != nil {
		return nil, err
	}
	return m, nil
}

func (h *DatabaseManager) ensureSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS title_request_history (
		id INT AUTO_INCREMENT PRIMARY KEY,
		player_name VARCHAR(64) NOT NULL,
		alliance_tag VARCHAR(16),
		title_type VARCHAR(16) NOT NULL,
		ambiguous TINYINT(1) NOT NULL DEFAULT 0,
		requested_at TIMESTAMP NOT NULL,
		granted_at TIMESTAMP NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_player (player_name),
		INDEX idx_requested (requested_at)
	)`

	if _, err := h.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// SaveRequest writes one deduplicated request to the history table.
// Runs asynchronously so a slow database never stalls the scan loop.
func (h *DatabaseManager) SaveRequest(request titles.TitleRequest) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		insertSQL := `INSERT INTO title_request_history
			(player_name, alliance_tag, title_type, ambiguous, requested_at, granted_at)
			VALUES (?, ?, ?, ?, ?, ?)`

		var grantedAt any
		if request.GrantedAt != nil {
			grantedAt = *request.GrantedAt
		}
		_, err := h.db.Exec(insertSQL,
			request.PlayerName,
			request.AllianceTag,
			string(request.TitleType),
			request.Ambiguous,
			request.Timestamp,
			grantedAt,
		)
		if err != nil {
			h.logger.LogError(err, "save title request history")
			return
		}
		h.logger.Debug("history: saved %s request for %s", request.TitleType, request.PlayerName)
	}()
}

// MarkGranted stamps the most recent ungranted request of this player
// and title with the grant time. Runs asynchronously like SaveRequest.
func (h *DatabaseManager) MarkGranted(playerName string, title chat.TitleType, grantedAt time.Time) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		updateSQL := `UPDATE title_request_history
			SET granted_at = ?
			WHERE player_name = ? AND title_type = ? AND granted_at IS NULL
			ORDER BY requested_at DESC
			LIMIT 1`

		if _, err := h.db.Exec(updateSQL, grantedAt, playerName, string(title)); err != nil {
			h.logger.LogError(err, "mark title request granted")
			return
		}
		h.logger.Debug("history: marked %s grant for %s", title, playerName)
	}()
}

// RequestCountSince counts history rows newer than the cutoff, for
// rate reporting.
func (h *DatabaseManager) RequestCountSince(cutoff time.Time) (int, error) {
	var count int
	err := h.db.QueryRow(
		`SELECT COUNT(*) FROM title_request_history WHERE requested_at >= ?`, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// WaitForAsyncOperations blocks until all pending history writes land.
func (h *DatabaseManager) WaitForAsyncOperations() {
	h.wg.Wait()
}

// Close waits for pending writes and closes the connection pool.
func (h *DatabaseManager) Close() error {
	h.wg.Wait()
	return h.db.Close()
}
