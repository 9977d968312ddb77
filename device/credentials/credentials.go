// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/relabs-tech/fleetprovisioning/config"
)

// ErrNoCertificates is returned when a root CA file contains no PEM certificate
var ErrNoCertificates = errors.New("no PEM certificates found")

// Files names the PEM files of a TLS client identity
type Files struct {
	// RootCACertFile is the file path to the certificate of the broker's certificate authority.
	RootCACertFile string
	// CertFile is the file path to the client certificate.
	CertFile string
	// KeyFile is the file path to the private key of the client certificate.
	KeyFile string
}

// LoadTLSConfig reads the PEM files and returns a client TLS configuration. With alpn set
// the configuration advertises the protocol name AWS IoT requires on port 443.
func LoadTLSConfig(files Files, alpn bool) (*tls.Config, error) {
	rootCA, err := os.ReadFile(files.RootCACertFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read root CA '%s': %w", files.RootCACertFile, err)
	}
	cert, err := os.ReadFile(files.CertFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read certificate '%s': %w", files.CertFile, err)
	}
	key, err := os.ReadFile(files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read private key '%s': %w", files.KeyFile, err)
	}
	return TLSConfigFromPEM(rootCA, cert, key, alpn)
}

// TLSConfigFromPEM returns a client TLS configuration from PEM data held in memory.
func TLSConfigFromPEM(rootCA, cert, key []byte, alpn bool) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootCA) {
		return nil, fmt.Errorf("root CA: %w", ErrNoCertificates)
	}
	crt, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("cannot load key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{crt},
		MinVersion:   tls.VersionTLS12,
	}
	if alpn {
		tlsConfig.NextProtos = []string{config.ALPNProtocolName}
	}
	return tlsConfig, nil
}

// KeyAndCSR is a freshly generated private key with its certificate signing request
type KeyAndCSR struct {
	// PrivateKeyPEM is the PKCS #8 encoded private key
	PrivateKeyPEM []byte
	// CSRPEM is the PKCS #10 encoded certificate signing request
	CSRPEM []byte
}

// GenerateCSR creates a new P-256 key and a certificate signing request for subject, which is
// a distinguished name like "CN=Fleet Provisioning Demo".
func GenerateCSR(subject string) (*KeyAndCSR, error) {
	name, err := ParseSubject(subject)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate key: %w", err)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            name,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("cannot create certificate signing request: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal private key: %w", err)
	}

	return &KeyAndCSR{
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		CSRPEM:        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}),
	}, nil
}

// ParseSubject parses a comma separated distinguished name. Supported attributes are
// CN, O, OU, C, ST, L and SERIALNUMBER.
func ParseSubject(subject string) (pkix.Name, error) {
	name := pkix.Name{}
	if len(strings.TrimSpace(subject)) == 0 {
		return name, errors.New("empty subject name")
	}
	for _, part := range strings.Split(subject, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return name, fmt.Errorf("invalid attribute '%s' in subject '%s'", part, subject)
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])
		if len(value) == 0 {
			return name, fmt.Errorf("empty value for %s in subject '%s'", key, subject)
		}
		switch key {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "SERIALNUMBER":
			name.SerialNumber = value
		default:
			return name, fmt.Errorf("unsupported attribute %s in subject '%s'", key, subject)
		}
	}
	return name, nil
}
