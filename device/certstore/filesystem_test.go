// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package certstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/relabs-tech/fleetprovisioning/device/certstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFilesystem(t *testing.T) (certstore.Driver, string) {
	dir := t.TempDir()
	d, err := certstore.New(context.Background(), certstore.Configuration{
		DriverType:         certstore.DriverTypeLocal,
		LocalConfiguration: &certstore.LocalConfiguration{BasePath: dir},
	})
	require.NoError(t, err)
	return d, dir
}

func Test_Local_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	d, dir := newFilesystem(t)

	require.NoError(t, d.Save(ctx, "12345/certificate.pem.crt", []byte("cert")))
	data, err := d.Load(ctx, "12345/certificate.pem.crt")
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), data)

	info, err := os.Stat(filepath.Join(dir, "12345", "certificate.pem.crt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, d.Delete(ctx, "12345/certificate.pem.crt"))
	_, err = d.Load(ctx, "12345/certificate.pem.crt")
	assert.True(t, errors.Is(err, certstore.ErrNotFound))

	// deleting twice is fine
	assert.NoError(t, d.Delete(ctx, "12345/certificate.pem.crt"))
}

func Test_Local_InvalidKey(t *testing.T) {
	d, _ := newFilesystem(t)
	assert.Error(t, d.Save(context.Background(), "../escape", []byte("x")))
	assert.Error(t, d.Save(context.Background(), "", []byte("x")))
}

func Test_Identity(t *testing.T) {
	ctx := context.Background()
	d, _ := newFilesystem(t)

	identity := &certstore.Identity{
		CertificateID:  "abc",
		CertificatePEM: []byte("cert"),
		PrivateKeyPEM:  []byte("key"),
	}
	require.NoError(t, certstore.SaveIdentity(ctx, d, "12345", identity))

	loaded, err := certstore.LoadIdentity(ctx, d, "12345")
	require.NoError(t, err)
	assert.Equal(t, identity, loaded)

	identity.ThingName = "FPDemoThing_12345"
	require.NoError(t, certstore.SaveIdentity(ctx, d, "12345", identity))
	loaded, err = certstore.LoadIdentity(ctx, d, "12345")
	require.NoError(t, err)
	assert.Equal(t, "FPDemoThing_12345", loaded.ThingName)

	_, err = certstore.LoadIdentity(ctx, d, "unknown")
	assert.True(t, errors.Is(err, certstore.ErrNotFound))
}

func Test_DetachThing(t *testing.T) {
	ctx := context.Background()
	d, _ := newFilesystem(t)

	require.NoError(t, certstore.SaveIdentity(ctx, d, "12345", &certstore.Identity{
		CertificateID:  "abc",
		CertificatePEM: []byte("cert"),
		PrivateKeyPEM:  []byte("key"),
		ThingName:      "FPDemoThing_12345",
	}))
	require.NoError(t, certstore.DetachThing(ctx, d, "12345"))
	loaded, err := certstore.LoadIdentity(ctx, d, "12345")
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.CertificateID)
	assert.Empty(t, loaded.ThingName)

	// nothing to detach
	assert.NoError(t, certstore.DetachThing(ctx, d, "unknown"))
}

func Test_New_Unsupported(t *testing.T) {
	_, err := certstore.New(context.Background(), certstore.Configuration{DriverType: "FTP"})
	assert.Error(t, err)
	_, err = certstore.New(context.Background(), certstore.Configuration{DriverType: certstore.DriverTypeLocal})
	assert.Error(t, err)
}
