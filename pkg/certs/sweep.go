package certs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepExpiring scans all stored certificates and logs a warning for each
// one that expires within the given horizon, and an error for each one
// already expired. Intended to run on a schedule so administrators can
// rotate SP and IdP certificates before the overlap window closes.
// Returns the number of certificates flagged.
func (m *Manager) SweepExpiring(ctx context.Context, horizon time.Duration) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	all, err := m.store.ListCertificates(ctx)
	if err != nil {
		return 0, err
	}

	log := logrus.WithField("component", "certs.sweep")
	now := time.Now()
	flagged := 0
	for owner, pems := range all {
		for _, pemData := range pems {
			cert, err := ParsePEM(pemData)
			if err != nil {
				log.WithError(err).WithField("owner", owner).Warn("stored certificate unparsable")
				flagged++
				continue
			}
			fields := logrus.Fields{
				"owner":       owner,
				"fingerprint": cert.Fingerprint(),
				"not_after":   cert.Cert.NotAfter.UTC().Format(time.RFC3339),
			}
			switch {
			case now.After(cert.Cert.NotAfter):
				log.WithFields(fields).Error("stored certificate expired")
				flagged++
			case now.Add(horizon).After(cert.Cert.NotAfter):
				log.WithFields(fields).Warn("stored certificate expires soon")
				flagged++
			}
		}
	}
	return flagged, nil
}
