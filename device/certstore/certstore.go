// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package certstore

import (
	"context"
	"errors"
	"fmt"
)

// certstore keeps the credentials obtained by fleet provisioning. There are currently two
// backends: a local file system and AWS S3

// ErrNotFound is returned by Load for unknown keys
var ErrNotFound = errors.New("not found")

// Driver defines the interface for the credential store
type Driver interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DriverType represents the different type of drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// Configuration contains the configuration for the credential store
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem store
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the AWS S3 store
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	KeyPrefix     string
	// Endpoint is optional, it points the client to an S3 compatible service
	Endpoint string
}

// New returns the driver selected by configuration
func New(ctx context.Context, c Configuration) (Driver, error) {
	switch c.DriverType {
	case DriverTypeLocal:
		if c.LocalConfiguration == nil {
			return nil, errors.New("missing local configuration")
		}
		return NewFilesystem(*c.LocalConfiguration)
	case DriverTypeAWSS3:
		if c.S3Configuration == nil {
			return nil, errors.New("missing S3 configuration")
		}
		return NewS3(ctx, *c.S3Configuration)
	}
	return nil, fmt.Errorf("unsupported driver type '%s'", c.DriverType)
}

// Well known keys of a provisioned identity
const (
	CertificateKey   = "certificate.pem.crt"
	PrivateKeyKey    = "private.pem.key"
	CertificateIDKey = "certificate-id"
	ThingNameKey     = "thing-name"
)

// Identity is a provisioned device identity
type Identity struct {
	CertificateID  string
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	ThingName      string
}

// SaveIdentity stores identity under prefix. Empty fields are skipped.
func SaveIdentity(ctx context.Context, d Driver, prefix string, identity *Identity) error {
	items := []struct {
		key  string
		data []byte
	}{
		{CertificateKey, identity.CertificatePEM},
		{PrivateKeyKey, identity.PrivateKeyPEM},
		{CertificateIDKey, []byte(identity.CertificateID)},
		{ThingNameKey, []byte(identity.ThingName)},
	}
	for _, item := range items {
		if len(item.data) == 0 {
			continue
		}
		if err := d.Save(ctx, prefix+"/"+item.key, item.data); err != nil {
			return fmt.Errorf("cannot save %s: %w", item.key, err)
		}
	}
	return nil
}

// DetachThing removes the thing name stored under prefix. Credentials saved afterwards are not
// attached to a thing until a thing name is saved again.
func DetachThing(ctx context.Context, d Driver, prefix string) error {
	if err := d.Delete(ctx, prefix+"/"+ThingNameKey); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("cannot delete %s: %w", ThingNameKey, err)
	}
	return nil
}

// LoadIdentity loads an identity stored with SaveIdentity. Certificate and key are mandatory,
// the thing name may be missing.
func LoadIdentity(ctx context.Context, d Driver, prefix string) (*Identity, error) {
	var err error
	identity := &Identity{}
	if identity.CertificatePEM, err = d.Load(ctx, prefix+"/"+CertificateKey); err != nil {
		return nil, err
	}
	if identity.PrivateKeyPEM, err = d.Load(ctx, prefix+"/"+PrivateKeyKey); err != nil {
		return nil, err
	}
	id, err := d.Load(ctx, prefix+"/"+CertificateIDKey)
	if err != nil {
		return nil, err
	}
	identity.CertificateID = string(id)
	name, err := d.Load(ctx, prefix+"/"+ThingNameKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	identity.ThingName = string(name)
	return identity, nil
}
