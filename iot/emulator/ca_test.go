// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/relabs-tech/fleetprovisioning/device/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignCSR(t *testing.T) {
	ca, err := NewCA("emulator test CA")
	require.NoError(t, err)

	kc, err := credentials.GenerateCSR("CN=Fleet Provisioning Demo,O=relabs")
	require.NoError(t, err)

	signed, err := ca.SignCSR(kc.CSRPEM)
	require.NoError(t, err)

	block, _ := pem.Decode(signed.CertificatePEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "Fleet Provisioning Demo", cert.Subject.CommonName)
	assert.Equal(t, CertificateID(block.Bytes), signed.CertificateID)
	assert.Len(t, signed.CertificateID, 64)

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}

func TestSignCSRRejectsGarbage(t *testing.T) {
	ca, err := NewCA("emulator test CA")
	require.NoError(t, err)

	_, err = ca.SignCSR([]byte("not a csr"))
	assert.Error(t, err)

	kc, err := credentials.GenerateCSR("CN=x")
	require.NoError(t, err)
	_, err = ca.SignCSR(kc.PrivateKeyPEM)
	assert.Error(t, err)
}

func TestIssueKeyPairAndParseCA(t *testing.T) {
	ca, err := NewCA("emulator test CA")
	require.NoError(t, err)

	signed, keyPEM, err := ca.IssueKeyPair("localhost", true, "localhost", "127.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, keyPEM)

	block, _ := pem.Decode(signed.CertificatePEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())

	caKeyPEM, err := ca.KeyPEM()
	require.NoError(t, err)
	parsed, err := ParseCA(ca.CertificatePEM(), caKeyPEM)
	require.NoError(t, err)

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     parsed.Pool(),
		DNSName:   "localhost",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)
}
