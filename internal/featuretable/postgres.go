package featuretable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/sybilscan/internal/features"
)

// PostgresSource reads and writes the wallet_features table.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource wraps an open database handle.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Load reads every row stored under the current schema version.
func (p *PostgresSource) Load(ctx context.Context) (*Memory, Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, features FROM wallet_features
		WHERE schema_version = $1
		ORDER BY address`, features.SchemaVersion)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("query wallet_features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	m := &Memory{rows: make(map[string]features.Vector)}
	var st Stats
	for rows.Next() {
		var (
			addr string
			raw  []byte
		)
		if err := rows.Scan(&addr, &raw); err != nil {
			return nil, Stats{}, fmt.Errorf("scan wallet_features: %w", err)
		}
		var vals map[string]float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			st.InvalidCells++
			continue
		}
		if m.add(addr, features.FromMap(vals)) {
			st.Rows++
		} else {
			st.Duplicates++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Stats{}, fmt.Errorf("iterate wallet_features: %w", err)
	}
	return m, st, nil
}

// Upsert writes rows under the current schema version in one transaction.
func (p *PostgresSource) Upsert(ctx context.Context, rows map[string]features.Vector) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wallet_features (address, schema_version, features, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (address) DO UPDATE
		SET schema_version = EXCLUDED.schema_version,
		    features = EXCLUDED.features,
		    updated_at = NOW()`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for addr, v := range rows {
		doc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", addr, err)
		}
		if _, err := stmt.ExecContext(ctx, normalize(addr), features.SchemaVersion, doc); err != nil {
			return fmt.Errorf("upsert %s: %w", addr, err)
		}
	}
	return tx.Commit()
}

// Delete removes rows by address.
func (p *PostgresSource) Delete(ctx context.Context, addresses []string) (int64, error) {
	norm := make([]string, len(addresses))
	for i, a := range addresses {
		norm[i] = normalize(a)
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM wallet_features WHERE address = ANY($1)`, pq.Array(norm))
	if err != nil {
		return 0, fmt.Errorf("delete wallet_features: %w", err)
	}
	return res.RowsAffected()
}
