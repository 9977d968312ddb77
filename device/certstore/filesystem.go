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
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/fleetprovisioning/core/logger"
)

// Filesystem stores credentials below a base folder. Files are only readable by the owner.
type Filesystem struct {
	baseFolder string
}

// NewFilesystem returns a new Filesystem. The base folder is created if it does not exist.
func NewFilesystem(c LocalConfiguration) (*Filesystem, error) {
	if len(c.BasePath) == 0 {
		return nil, errors.New("BasePath must not be empty")
	}
	if err := os.MkdirAll(c.BasePath, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("certstore filesystem enabled in", c.BasePath)
	return &Filesystem{baseFolder: c.BasePath}, nil
}

func (f *Filesystem) path(key string) (string, error) {
	if len(key) == 0 || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

// Save writes data under key
func (f *Filesystem) Save(_ context.Context, key string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0600)
}

// Load reads the data of key
func (f *Filesystem) Load(_ context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return data, err
}

// Delete deletes key. Deleting a missing key is not an error.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
