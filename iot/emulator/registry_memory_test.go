// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryOwnershipToken(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	now := time.Now()

	require.NoError(t, r.PutCertificate(ctx, &Certificate{ID: "c1", PEM: "pem", OwnershipToken: "t1", TokenExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, r.PutCertificate(ctx, &Certificate{ID: "c2", PEM: "pem", OwnershipToken: "t2", TokenExpiresAt: now.Add(-time.Minute)}))

	cert, err := r.ConsumeOwnershipToken(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, "c1", cert.ID)

	_, err = r.ConsumeOwnershipToken(ctx, "t1", now)
	assert.ErrorIs(t, err, ErrInvalidToken, "tokens are single use")

	_, err = r.ConsumeOwnershipToken(ctx, "t2", now)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = r.ConsumeOwnershipToken(ctx, "unknown", now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMemoryRegistryThingsAndReports(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.PutCertificate(ctx, &Certificate{ID: "c1"}))

	_, err := r.Thing(ctx, "thing-b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.RegisterThing(ctx, &Thing{Name: "thing-b", SerialNumber: "b", CertificateID: "c1"}))
	require.NoError(t, r.RegisterThing(ctx, &Thing{Name: "thing-a", SerialNumber: "a"}))

	cert, err := r.CertificateByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "thing-b", cert.ThingName)

	things, err := r.Things(ctx)
	require.NoError(t, err)
	require.Len(t, things, 2)
	assert.Equal(t, "thing-a", things[0].Name)

	assert.ErrorIs(t, r.PutReport(ctx, &StoredReport{ThingName: "unknown", ReportID: 1}), ErrNotFound)
	for _, id := range []uint64{1, 2, 5} {
		require.NoError(t, r.PutReport(ctx, &StoredReport{ThingName: "thing-b", ReportID: id}))
	}
	assert.ErrorIs(t, r.PutReport(ctx, &StoredReport{ThingName: "thing-b", ReportID: 5}), ErrDuplicateReport)
	assert.ErrorIs(t, r.PutReport(ctx, &StoredReport{ThingName: "thing-b", ReportID: 3}), ErrDuplicateReport)

	reports, err := r.Reports(ctx, "thing-b", 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, uint64(5), reports[0].ReportID)
	assert.Equal(t, uint64(2), reports[1].ReportID)

	reports, err = r.Reports(ctx, "thing-b", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 3)

	// re-registration keeps the report history
	require.NoError(t, r.RegisterThing(ctx, &Thing{Name: "thing-b", SerialNumber: "b", CertificateID: "c1"}))
	thing, err := r.Thing(ctx, "thing-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), thing.LastReportID)

	_, err = r.Reports(ctx, "unknown", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryReRegisterDetachesCertificate(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.PutCertificate(ctx, &Certificate{ID: "old"}))
	require.NoError(t, r.PutCertificate(ctx, &Certificate{ID: "new"}))
	require.NoError(t, r.PutCertificate(ctx, &Certificate{ID: "other"}))

	require.NoError(t, r.RegisterThing(ctx, &Thing{Name: "thing-a", CertificateID: "old"}))
	require.NoError(t, r.RegisterThing(ctx, &Thing{Name: "thing-b", CertificateID: "other"}))
	require.NoError(t, r.RegisterThing(ctx, &Thing{Name: "thing-a", CertificateID: "new"}))

	old, err := r.CertificateByID(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, old.ThingName)
	current, err := r.CertificateByID(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "thing-a", current.ThingName)
	other, err := r.CertificateByID(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "thing-b", other.ThingName)
}
