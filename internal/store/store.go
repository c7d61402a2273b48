// Package store persists provider configurations and per-user preferences in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/logging"
	"github.com/neves/zen-gateway/internal/providers"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a config or preference does not exist
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed provider config store
type Store struct {
	db     *sql.DB
	path   string
	logger *logging.Logger

	// serializes default changes so the single-default invariant never races
	writeMu sync.Mutex
}

// ErrNoPath is returned by Open when no database path is given
var ErrNoPath = errors.New("store: database path is required")

// Open opens (and migrates) the database at path. Callers resolve the default
// location through config.DefaultDBPath.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger.Info("[Store] Opened SQLite store at %s", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		credential TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		deployment TEXT NOT NULL DEFAULT '',
		api_version TEXT NOT NULL DEFAULT '',
		sampling TEXT NOT NULL DEFAULT '{}',
		system_prompt TEXT NOT NULL DEFAULT '',
		supports_vision INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_single_default
		ON provider_configs(is_default) WHERE is_default = 1 AND enabled = 1;

	CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (provider_id) REFERENCES provider_configs(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const selectConfig = `
	SELECT id, name, kind, endpoint, credential, model, deployment, api_version,
		sampling, system_prompt, supports_vision, enabled, is_default
	FROM provider_configs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*ai.ProviderConfig, error) {
	var (
		cfg      ai.ProviderConfig
		kind     string
		sampling string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &kind, &cfg.Endpoint, &cfg.Credential, &cfg.Model,
		&cfg.Deployment, &cfg.APIVersion, &sampling, &cfg.SystemPrompt,
		&cfg.SupportsVision, &cfg.Enabled, &cfg.IsDefault)
	if err != nil {
		return nil, err
	}
	cfg.Kind = ai.ProviderKind(kind)
	if sampling != "" {
		if err := json.Unmarshal([]byte(sampling), &cfg.Sampling); err != nil {
			return nil, fmt.Errorf("decode sampling for %s: %w", cfg.ID, err)
		}
	}
	return &cfg, nil
}

// List returns every stored config ordered by name
func (s *Store) List(ctx context.Context) ([]*ai.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, selectConfig+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var out []*ai.ProviderConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Get returns one config by id
func (s *Store) Get(ctx context.Context, id string) (*ai.ProviderConfig, error) {
	cfg, err := scanConfig(s.db.QueryRowContext(ctx, selectConfig+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", id, err)
	}
	return cfg, nil
}

// Default returns the enabled default config
func (s *Store) Default(ctx context.Context) (*ai.ProviderConfig, error) {
	cfg, err := scanConfig(s.db.QueryRowContext(ctx, selectConfig+` WHERE is_default = 1 AND enabled = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default provider: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get default config: %w", err)
	}
	return cfg, nil
}

// Save inserts or updates cfg after filling kind defaults and validating it.
// A new config gets a generated id. Saving an enabled default clears the
// previous default in the same transaction.
func (s *Store) Save(ctx context.Context, cfg *ai.ProviderConfig) error {
	providers.ApplyDefaults(cfg)
	if err := providers.Validate(*cfg); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	sampling, err := json.Marshal(cfg.Sampling)
	if err != nil {
		return fmt.Errorf("encode sampling: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if cfg.IsDefault && cfg.Enabled {
		if _, err := tx.ExecContext(ctx, `UPDATE provider_configs SET is_default = 0 WHERE id != ?`, cfg.ID); err != nil {
			return fmt.Errorf("clear default: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO provider_configs (id, name, kind, endpoint, credential, model, deployment,
			api_version, sampling, system_prompt, supports_vision, enabled, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			endpoint = excluded.endpoint,
			credential = excluded.credential,
			model = excluded.model,
			deployment = excluded.deployment,
			api_version = excluded.api_version,
			sampling = excluded.sampling,
			system_prompt = excluded.system_prompt,
			supports_vision = excluded.supports_vision,
			enabled = excluded.enabled,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Name, string(cfg.Kind), cfg.Endpoint, cfg.Credential, cfg.Model, cfg.Deployment,
		cfg.APIVersion, string(sampling), cfg.SystemPrompt, cfg.SupportsVision, cfg.Enabled, cfg.IsDefault, now, now)
	if err != nil {
		return fmt.Errorf("save config %s: %w", cfg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("[Store] Saved %s provider %q (%s)", cfg.Kind, cfg.DisplayName(), cfg.ID)
	return nil
}

// Delete removes a config and any preferences pointing at it
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_preferences WHERE provider_id = ?`, id); err != nil {
		return fmt.Errorf("delete preferences: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM provider_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete config %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("[Store] Deleted provider %s", id)
	return nil
}

// SetDefault makes id the single default. The target must exist and be enabled.
func (s *Store) SetDefault(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var enabled bool
	err = tx.QueryRowContext(ctx, `SELECT enabled FROM provider_configs WHERE id = ?`, id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", id, err)
	}
	if !enabled {
		return fmt.Errorf("%w: provider %q is disabled and cannot be the default", providers.ErrInvalidConfig, id)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE provider_configs SET is_default = 0 WHERE is_default = 1`); err != nil {
		return fmt.Errorf("clear default: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE provider_configs SET is_default = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set default: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("[Store] Default provider is now %s", id)
	return nil
}

// UserPreference returns the provider id the user picked
func (s *Store) UserPreference(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT provider_id FROM user_preferences WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("preference for %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get preference: %w", err)
	}
	return id, nil
}

// SetUserPreference records the user's preferred provider. An empty
// providerID clears the preference.
func (s *Store) SetUserPreference(ctx context.Context, userID, providerID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if providerID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM user_preferences WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("clear preference: %w", err)
		}
		return nil
	}

	if _, err := s.Get(ctx, providerID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, provider_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET provider_id = excluded.provider_id, updated_at = excluded.updated_at
	`, userID, providerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}
