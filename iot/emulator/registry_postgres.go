// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/fleetprovisioning/core/csql"
)

// PostgresRegistry is a Registry backed by a postgres database
type PostgresRegistry struct {
	db *csql.DB
}

// NewPostgresRegistry returns a registry in db's schema and creates the tables if needed
func NewPostgresRegistry(ctx context.Context, db *csql.DB) (*PostgresRegistry, error) {
	r := &PostgresRegistry{db: db}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// poor man's database migrations
func (r *PostgresRegistry) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+r.db.Table("certificates")+` (
	certificate_id varchar NOT NULL PRIMARY KEY,
	certificate_pem text NOT NULL,
	ownership_token varchar,
	token_expires_at timestamp,
	thing_name varchar NOT NULL DEFAULT '',
	created_at timestamp NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS certificates_ownership_token ON `+r.db.Table("certificates")+`(ownership_token);
CREATE TABLE IF NOT EXISTS `+r.db.Table("things")+` (
	thing_name varchar NOT NULL PRIMARY KEY,
	serial_number varchar NOT NULL,
	template_name varchar NOT NULL,
	certificate_id varchar NOT NULL,
	attributes json NOT NULL,
	last_report_id bigint NOT NULL DEFAULT 0,
	created_at timestamp NOT NULL
);
CREATE TABLE IF NOT EXISTS `+r.db.Table("reports")+` (
	thing_name varchar NOT NULL REFERENCES `+r.db.Table("things")+`(thing_name) ON DELETE CASCADE,
	report_id bigint NOT NULL,
	report json NOT NULL,
	received_at timestamp NOT NULL,
	PRIMARY KEY (thing_name, report_id)
);
`)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PutCertificate implements Registry
func (r *PostgresRegistry) PutCertificate(ctx context.Context, cert *Certificate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+r.db.Table("certificates")+`(certificate_id,certificate_pem,ownership_token,token_expires_at,thing_name,created_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (certificate_id) DO UPDATE SET ownership_token=$3,token_expires_at=$4;`,
		cert.ID, cert.PEM, nullString(cert.OwnershipToken), cert.TokenExpiresAt.UTC(), cert.ThingName, cert.CreatedAt.UTC())
	return err
}

// CertificateByID implements Registry
func (r *PostgresRegistry) CertificateByID(ctx context.Context, id string) (*Certificate, error) {
	var (
		c         Certificate
		token     sql.NullString
		expiresAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT certificate_id,certificate_pem,ownership_token,token_expires_at,thing_name,created_at
		FROM `+r.db.Table("certificates")+` WHERE certificate_id=$1;`, id).
		Scan(&c.ID, &c.PEM, &token, &expiresAt, &c.ThingName, &c.CreatedAt)
	if errors.Is(err, csql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.OwnershipToken = token.String
	c.TokenExpiresAt = expiresAt.Time
	return &c, nil
}

// ConsumeOwnershipToken implements Registry
func (r *PostgresRegistry) ConsumeOwnershipToken(ctx context.Context, token string, now time.Time) (*Certificate, error) {
	var (
		c         Certificate
		expiresAt time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`UPDATE `+r.db.Table("certificates")+` SET ownership_token=NULL WHERE ownership_token=$1
		RETURNING certificate_id,certificate_pem,token_expires_at,thing_name,created_at;`, token).
		Scan(&c.ID, &c.PEM, &expiresAt, &c.ThingName, &c.CreatedAt)
	if errors.Is(err, csql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if now.UTC().After(expiresAt) {
		return nil, ErrInvalidToken
	}
	c.TokenExpiresAt = expiresAt
	return &c, nil
}

// RegisterThing implements Registry
func (r *PostgresRegistry) RegisterThing(ctx context.Context, thing *Thing) error {
	attributes, err := json.Marshal(thing.Attributes)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+r.db.Table("things")+`(thing_name,serial_number,template_name,certificate_id,attributes,created_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (thing_name) DO UPDATE SET serial_number=$2,template_name=$3,certificate_id=$4,attributes=$5;`,
		thing.Name, thing.SerialNumber, thing.TemplateName, thing.CertificateID, string(attributes), thing.CreatedAt.UTC())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE `+r.db.Table("certificates")+` SET thing_name='' WHERE thing_name=$1 AND certificate_id<>$2;`,
		thing.Name, thing.CertificateID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE `+r.db.Table("certificates")+` SET thing_name=$1 WHERE certificate_id=$2;`,
		thing.Name, thing.CertificateID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const thingColumns = `thing_name,serial_number,template_name,certificate_id,attributes,last_report_id,created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanThing(row rowScanner) (*Thing, error) {
	var (
		t          Thing
		attributes []byte
	)
	if err := row.Scan(&t.Name, &t.SerialNumber, &t.TemplateName, &t.CertificateID, &attributes, &t.LastReportID, &t.CreatedAt); err != nil {
		return nil, err
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &t.Attributes); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Thing implements Registry
func (r *PostgresRegistry) Thing(ctx context.Context, name string) (*Thing, error) {
	t, err := scanThing(r.db.QueryRowContext(ctx,
		`SELECT `+thingColumns+` FROM `+r.db.Table("things")+` WHERE thing_name=$1;`, name))
	if errors.Is(err, csql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Things implements Registry
func (r *PostgresRegistry) Things(ctx context.Context) ([]Thing, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+thingColumns+` FROM `+r.db.Table("things")+` ORDER BY thing_name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	things := []Thing{}
	for rows.Next() {
		t, err := scanThing(rows)
		if err != nil {
			return nil, err
		}
		things = append(things, *t)
	}
	return things, rows.Err()
}

// PutReport implements Registry
func (r *PostgresRegistry) PutReport(ctx context.Context, report *StoredReport) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE `+r.db.Table("things")+` SET last_report_id=$2 WHERE thing_name=$1 AND last_report_id<$2;`,
		report.ThingName, report.ReportID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := r.Thing(ctx, report.ThingName); err != nil {
			return err
		}
		return ErrDuplicateReport
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+r.db.Table("reports")+`(thing_name,report_id,report,received_at) VALUES($1,$2,$3,$4);`,
		report.ThingName, report.ReportID, string(report.Report), report.ReceivedAt.UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Reports implements Registry
func (r *PostgresRegistry) Reports(ctx context.Context, thingName string, limit int) ([]StoredReport, error) {
	if _, err := r.Thing(ctx, thingName); err != nil {
		return nil, err
	}
	query := `SELECT thing_name,report_id,report,received_at FROM ` + r.db.Table("reports") +
		` WHERE thing_name=$1 ORDER BY report_id DESC`
	args := []interface{}{thingName}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reports := []StoredReport{}
	for rows.Next() {
		var s StoredReport
		if err := rows.Scan(&s.ThingName, &s.ReportID, &s.Report, &s.ReceivedAt); err != nil {
			return nil, err
		}
		reports = append(reports, s)
	}
	return reports, rows.Err()
}
