package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The Store doubles as the certificate keeper for the certificate manager.
// Certificates are append-only: rotation supersedes, never overwrites, so
// the prior certificate stays available through the validity overlap.

// SaveCertificate stores a PEM certificate for the owning configuration
// and marks any previously active certificate superseded.
func (s *Store) SaveCertificate(ctx context.Context, ownerConfigID string, pemData []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sso_certificates SET superseded = true WHERE owner_config_id = $1 AND superseded = false
	`, ownerConfigID); err != nil {
		return fmt.Errorf("failed to supersede prior certificate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sso_certificates (id, owner_config_id, pem, superseded, created_at)
		VALUES ($1, $2, $3, false, $4)
	`, uuid.NewString(), ownerConfigID, pemData, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}

	return tx.Commit()
}

// ActiveCertificate returns the PEM of the owner's non-superseded
// certificate.
func (s *Store) ActiveCertificate(ctx context.Context, ownerConfigID string) ([]byte, error) {
	var pemData []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT pem FROM sso_certificates
		WHERE owner_config_id = $1 AND superseded = false
		ORDER BY created_at DESC
		LIMIT 1
	`, ownerConfigID).Scan(&pemData)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pemData, nil
}

// ListCertificates returns every stored certificate PEM keyed by owner
// configuration id, superseded ones included.
func (s *Store) ListCertificates(ctx context.Context) (map[string][][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_config_id, pem FROM sso_certificates ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][][]byte)
	for rows.Next() {
		var owner string
		var pemData []byte
		if err := rows.Scan(&owner, &pemData); err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], pemData)
	}
	return out, rows.Err()
}
