// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"errors"
	"time"
)

// Registry errors
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidToken    = errors.New("certificate ownership token is invalid or expired")
	ErrDuplicateReport = errors.New("report id is not greater than the last accepted report id")
)

// Certificate is a device certificate issued by the emulator
type Certificate struct {
	ID             string    `json:"certificateId"`
	PEM            string    `json:"certificatePem"`
	OwnershipToken string    `json:"-"`
	TokenExpiresAt time.Time `json:"-"`
	ThingName      string    `json:"thingName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Thing is a registered device
type Thing struct {
	Name          string            `json:"thingName"`
	SerialNumber  string            `json:"serialNumber"`
	TemplateName  string            `json:"templateName"`
	CertificateID string            `json:"certificateId"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	LastReportID  uint64            `json:"lastReportId"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// StoredReport is an accepted device defender report
type StoredReport struct {
	ThingName  string    `json:"thingName"`
	ReportID   uint64    `json:"reportId"`
	Report     []byte    `json:"-"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Registry stores certificates, things and reports
type Registry interface {
	// PutCertificate stores a newly issued certificate
	PutCertificate(ctx context.Context, cert *Certificate) error
	// CertificateByID returns the certificate with the given id or ErrNotFound
	CertificateByID(ctx context.Context, id string) (*Certificate, error)
	// ConsumeOwnershipToken invalidates token and returns its certificate. Unknown, consumed
	// or expired tokens yield ErrInvalidToken.
	ConsumeOwnershipToken(ctx context.Context, token string, now time.Time) (*Certificate, error)
	// RegisterThing creates or updates a thing and attaches its certificate. A certificate
	// previously attached to the thing is detached.
	RegisterThing(ctx context.Context, thing *Thing) error
	// Thing returns the thing with the given name or ErrNotFound
	Thing(ctx context.Context, name string) (*Thing, error)
	// Things returns all things ordered by name
	Things(ctx context.Context) ([]Thing, error)
	// PutReport stores a report. Report ids must increase per thing, otherwise
	// ErrDuplicateReport is returned.
	PutReport(ctx context.Context, report *StoredReport) error
	// Reports returns the latest reports of a thing, newest first. A limit <= 0 returns all.
	Reports(ctx context.Context, thingName string, limit int) ([]StoredReport, error)
}
