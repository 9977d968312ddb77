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

	"github.com/relabs-tech/fleetprovisioning/device"
	"github.com/relabs-tech/fleetprovisioning/device/defender"
	"github.com/relabs-tech/fleetprovisioning/device/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusProvisionAndReport(t *testing.T) {
	env := newTestEnv(t)
	bus := NewBus(env.svc)
	ctx := context.Background()

	claim := bus.Client(testSerial)
	result, err := provisioning.MustNewProvisioner(&provisioning.Builder{
		Transport:       claim,
		TemplateName:    testTemplate,
		SerialNumber:    testSerial,
		CSRSubject:      "CN=Fleet Provisioning Demo",
		ResponseTimeout: time.Second,
	}).Provision(ctx)
	require.NoError(t, err)
	claim.Close()
	assert.Equal(t, testThing, result.ThingName)
	assert.Contains(t, string(result.PrivateKeyPEM), "PRIVATE KEY")

	builder, err := defender.NewReportBuilder(defender.Capacities{
		OpenTCPPorts:           10,
		OpenUDPPorts:           10,
		EstablishedConnections: 10,
		CustomMetricsTasks:     10,
		ReportBufferSize:       1000,
	}, "1.0")
	require.NoError(t, err)

	thing, err := bus.Connect(ctx, result.ThingName, result.CertificateID)
	require.NoError(t, err)
	defer thing.Close()
	reporter := defender.MustNewReporter(&defender.ReporterBuilder{
		Transport:       thing,
		ThingName:       result.ThingName,
		Collector:       defender.StaticCollector{Metrics: defender.Metrics{TaskNumbers: []uint32{1}}},
		Builder:         builder,
		ResponseTimeout: time.Second,
	})
	require.NoError(t, reporter.Start(ctx))
	defer reporter.Stop(ctx)

	first, err := reporter.Report(ctx)
	require.NoError(t, err)
	second, err := reporter.Report(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	reports, err := env.registry.Reports(ctx, testThing, 0)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestBusSubscribePolicy(t *testing.T) {
	env := newTestEnv(t)
	bus := NewBus(env.svc)
	client := bus.Client(testSerial)

	err := client.Subscribe(context.Background(), defender.AcceptedTopic(testThing), func(string, []byte) {})
	assert.ErrorIs(t, err, ErrSubscriptionDenied)

	// the claim certificate does not act as a provisioned thing, whatever its client id
	env.provision(t)
	impostor := bus.Client(testThing)
	err = impostor.Subscribe(context.Background(), defender.AcceptedTopic(testThing), func(string, []byte) {})
	assert.ErrorIs(t, err, ErrSubscriptionDenied)
}

func TestBusConnect(t *testing.T) {
	env := newTestEnv(t)
	bus := NewBus(env.svc)
	ctx := context.Background()

	claim, err := bus.Connect(ctx, testSerial, "claim-certificate-id")
	require.NoError(t, err)
	assert.NoError(t, claim.Subscribe(ctx, provisioning.AcceptedTopic(provisioning.CreateCertificateFromCsrTopic()), func(string, []byte) {}))

	cert := env.createCertificate(t)
	_, err = bus.Connect(ctx, testThing, cert.CertificateID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestBusDeliversPlainTopics(t *testing.T) {
	env := newTestEnv(t)
	bus := NewBus(env.svc)
	client := bus.Client(testSerial)

	received := []string{}
	bus.mutex.Lock()
	bus.subscriptions["observer"] = map[string]device.MessageHandler{
		"devices/12345/telemetry": func(topic string, payload []byte) {
			received = append(received, string(payload))
		},
	}
	bus.mutex.Unlock()

	assert.NoError(t, client.Publish(context.Background(), "devices/12345/telemetry", []byte(`{"t":1}`)))
	assert.Equal(t, []string{`{"t":1}`}, received)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Publish(canceled, "devices/12345/telemetry", []byte("{}")), context.Canceled)
}
