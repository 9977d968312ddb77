// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package transport_test

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/device/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPayloadSize_Boundary(t *testing.T) {
	assert.NoError(t, transport.CheckPayloadSize(config.NetworkBufferSize, config.NetworkBufferSize))
	err := transport.CheckPayloadSize(config.NetworkBufferSize+1, config.NetworkBufferSize)
	assert.True(t, errors.Is(err, transport.ErrPayloadTooLarge))

	assert.NoError(t, transport.CheckPayloadSize(config.DemoNetworkBufferSize, config.DemoNetworkBufferSize))
	assert.Error(t, transport.CheckPayloadSize(config.DemoNetworkBufferSize+1, config.DemoNetworkBufferSize))

	assert.NoError(t, transport.CheckPayloadSize(0, config.NetworkBufferSize))
}

func TestOptionsFromSettings(t *testing.T) {
	s, err := config.Defaults(config.ProfileFleetProvisioning)
	require.NoError(t, err)
	tlsConfig := &tls.Config{}

	o := transport.OptionsFromSettings(s, tlsConfig)
	assert.Equal(t, "ssl://a2ri0cd9rhrf0y-ats.iot.us-west-2.amazonaws.com:8883", o.BrokerURL())
	assert.Equal(t, "12345", o.ClientID)
	assert.Equal(t, uint(2048), o.NetworkBufferSize)
	assert.Equal(t, s.MetricsUsername(), o.Username)
	assert.Same(t, tlsConfig, o.TLSConfig)
}

func TestConnect_MissingOptions(t *testing.T) {
	valid := transport.Options{
		Endpoint:          "localhost",
		Port:              8883,
		ClientID:          "12345",
		TLSConfig:         &tls.Config{},
		NetworkBufferSize: 2048,
	}
	testCases := []struct {
		name   string
		modify func(o *transport.Options)
	}{
		{"endpoint", func(o *transport.Options) { o.Endpoint = "" }},
		{"client id", func(o *transport.Options) { o.ClientID = "" }},
		{"tls", func(o *transport.Options) { o.TLSConfig = nil }},
		{"buffer", func(o *transport.Options) { o.NetworkBufferSize = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			o := valid
			tc.modify(&o)
			_, err := transport.Connect(context.Background(), o)
			assert.Error(t, err)
		})
	}
}
