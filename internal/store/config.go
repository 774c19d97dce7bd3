package store

import (
	"database/sql"
	"time"
)

// --- Gateway configs ---

// UpsertGatewayConfig writes a runtime gateway configuration row. An empty
// instance name maps to "default".
func (s *SQLStore) UpsertGatewayConfig(c *GatewayConfig) error {
	if c.Name == "" {
		c.Name = "default"
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var err error
	if s.isPostgres {
		_, err = s.db.Exec(s.rebind(`INSERT INTO gateway_configs (provider, name, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (provider, name) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`),
			c.Provider, c.Name, nullableMap(c.Config), c.CreatedAt, c.UpdatedAt)
	} else {
		_, err = s.db.Exec(`INSERT INTO gateway_configs (provider, name, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(provider, name) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
			c.Provider, c.Name, nullableMap(c.Config), c.CreatedAt, c.UpdatedAt)
	}
	return err
}

func (s *SQLStore) GetGatewayConfig(provider, name string) (*GatewayConfig, error) {
	if name == "" {
		name = "default"
	}
	c := &GatewayConfig{}
	var config sql.NullString
	err := s.db.QueryRow(s.rebind(`SELECT provider, name, config, created_at, updated_at
		FROM gateway_configs WHERE provider = ? AND name = ?`), provider, name).Scan(
		&c.Provider, &c.Name, &config, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Config = mapOrNil(config)
	return c, nil
}

func (s *SQLStore) ListGatewayConfigs() ([]*GatewayConfig, error) {
	rows, err := s.db.Query(`SELECT provider, name, config, created_at, updated_at
		FROM gateway_configs ORDER BY provider, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*GatewayConfig
	for rows.Next() {
		c := &GatewayConfig{}
		var config sql.NullString
		if err := rows.Scan(&c.Provider, &c.Name, &config, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Config = mapOrNil(config)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
