// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/fleetprovisioning/device/credentials"
	"github.com/relabs-tech/fleetprovisioning/device/defender"
	"github.com/relabs-tech/fleetprovisioning/device/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTemplate = "FPDemoTemplate"
	testSerial   = "12345"
	testThing    = "FPDemoThing_12345"
)

type recordingSink struct {
	mutex  sync.Mutex
	events []Event
}

func (s *recordingSink) Send(ctx context.Context, event Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) types() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	types := []string{}
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      *Service
	ca       *CA
	registry *MemoryRegistry
	sink     *recordingSink
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	ca, err := NewCA("emulator test CA")
	require.NoError(t, err)
	env := &testEnv{
		ca:       ca,
		registry: NewMemoryRegistry(),
		sink:     &recordingSink{},
		clock:    &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.svc = MustNewService(&ServiceBuilder{
		CA:       ca,
		Registry: env.registry,
		Sink:     env.sink,
		Templates: []Template{{
			Name:                testTemplate,
			ThingNamePrefix:     "FPDemoThing_",
			DeviceConfiguration: map[string]string{"mode": "demo"},
		}},
		TokenTTL: time.Minute,
		Clock:    env.clock.Now,
	})
	return env
}

func single(t *testing.T, messages []Message) Message {
	require.Len(t, messages, 1)
	return messages[0]
}

func (env *testEnv) createCertificate(t *testing.T) provisioning.CreateCertificateFromCsrResponse {
	kc, err := credentials.GenerateCSR("CN=Fleet Provisioning Demo")
	require.NoError(t, err)
	request, _ := json.Marshal(provisioning.CreateCertificateFromCsrRequest{CertificateSigningRequest: string(kc.CSRPEM)})

	m := single(t, env.svc.Handle(context.Background(), ClaimSession(testSerial), provisioning.CreateCertificateFromCsrTopic(), request))
	require.Equal(t, provisioning.AcceptedTopic(provisioning.CreateCertificateFromCsrTopic()), m.Topic, string(m.Payload))
	response := provisioning.CreateCertificateFromCsrResponse{}
	require.NoError(t, json.Unmarshal(m.Payload, &response))
	return response
}

func (env *testEnv) registerThing(t *testing.T, template string, request provisioning.RegisterThingRequest) Message {
	payload, _ := json.Marshal(request)
	return single(t, env.svc.Handle(context.Background(), ClaimSession(testSerial), provisioning.RegisterThingTopic(template), payload))
}

func rejection(t *testing.T, m Message) provisioning.ErrorResponse {
	response := provisioning.ErrorResponse{}
	require.NoError(t, json.Unmarshal(m.Payload, &response))
	return response
}

func TestCreateCertificateFromCsr(t *testing.T) {
	env := newTestEnv(t)
	response := env.createCertificate(t)

	assert.Len(t, response.CertificateID, 64)
	assert.Contains(t, response.CertificatePem, "BEGIN CERTIFICATE")
	assert.NotEmpty(t, response.CertificateOwnershipToken)

	cert, err := env.registry.CertificateByID(context.Background(), response.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, response.CertificatePem, cert.PEM)
}

func TestCreateCertificateFromCsrRejected(t *testing.T) {
	env := newTestEnv(t)
	topic := provisioning.CreateCertificateFromCsrTopic()

	m := single(t, env.svc.Handle(context.Background(), ClaimSession(testSerial), topic, []byte("{")))
	assert.Equal(t, provisioning.RejectedTopic(topic), m.Topic)
	r := rejection(t, m)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	assert.Equal(t, ErrorCodeInvalidPayload, r.ErrorCode)

	m = single(t, env.svc.Handle(context.Background(), ClaimSession(testSerial), topic, []byte(`{"certificateSigningRequest":"garbage"}`)))
	r = rejection(t, m)
	assert.Equal(t, ErrorCodeInvalidCSR, r.ErrorCode)
}

func TestRegisterThing(t *testing.T) {
	env := newTestEnv(t)
	cert := env.createCertificate(t)

	m := env.registerThing(t, testTemplate, provisioning.RegisterThingRequest{
		CertificateOwnershipToken: cert.CertificateOwnershipToken,
		Parameters:                map[string]string{provisioning.SerialNumberParameter: testSerial},
	})
	require.Equal(t, provisioning.AcceptedTopic(provisioning.RegisterThingTopic(testTemplate)), m.Topic, string(m.Payload))
	response := provisioning.RegisterThingResponse{}
	require.NoError(t, json.Unmarshal(m.Payload, &response))
	assert.Equal(t, testThing, response.ThingName)
	assert.Equal(t, map[string]string{"mode": "demo"}, response.DeviceConfiguration)

	thing, err := env.registry.Thing(context.Background(), testThing)
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, thing.CertificateID)
	assert.Equal(t, testSerial, thing.SerialNumber)

	stored, err := env.registry.CertificateByID(context.Background(), cert.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, testThing, stored.ThingName)
	assert.Equal(t, []string{EventThingRegistered}, env.sink.types())

	// the token is single use
	m = env.registerThing(t, testTemplate, provisioning.RegisterThingRequest{
		CertificateOwnershipToken: cert.CertificateOwnershipToken,
		Parameters:                map[string]string{provisioning.SerialNumberParameter: testSerial},
	})
	assert.Equal(t, ErrorCodeInvalidToken, rejection(t, m).ErrorCode)
}

func TestRegisterThingRejected(t *testing.T) {
	env := newTestEnv(t)
	cert := env.createCertificate(t)
	valid := map[string]string{provisioning.SerialNumberParameter: testSerial}

	tests := []struct {
		name       string
		template   string
		request    provisioning.RegisterThingRequest
		statusCode int
		errorCode  string
	}{
		{"unknown template", "OtherTemplate", provisioning.RegisterThingRequest{CertificateOwnershipToken: cert.CertificateOwnershipToken, Parameters: valid}, http.StatusNotFound, ErrorCodeResourceNotFound},
		{"missing token", testTemplate, provisioning.RegisterThingRequest{Parameters: valid}, http.StatusBadRequest, ErrorCodeInvalidPayload},
		{"missing serial number", testTemplate, provisioning.RegisterThingRequest{CertificateOwnershipToken: cert.CertificateOwnershipToken}, http.StatusBadRequest, ErrorCodeInvalidParameters},
		{"unknown token", testTemplate, provisioning.RegisterThingRequest{CertificateOwnershipToken: "unknown", Parameters: valid}, http.StatusBadRequest, ErrorCodeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := env.registerThing(t, tt.template, tt.request)
			assert.Equal(t, provisioning.RejectedTopic(provisioning.RegisterThingTopic(tt.template)), m.Topic)
			r := rejection(t, m)
			assert.Equal(t, tt.statusCode, r.StatusCode)
			assert.Equal(t, tt.errorCode, r.ErrorCode)
		})
	}

	// rejected requests do not consume the token, but it expires
	env.clock.Advance(2 * time.Minute)
	m := env.registerThing(t, testTemplate, provisioning.RegisterThingRequest{CertificateOwnershipToken: cert.CertificateOwnershipToken, Parameters: valid})
	assert.Equal(t, ErrorCodeInvalidToken, rejection(t, m).ErrorCode)
}

func (env *testEnv) provision(t *testing.T) {
	cert := env.createCertificate(t)
	m := env.registerThing(t, testTemplate, provisioning.RegisterThingRequest{
		CertificateOwnershipToken: cert.CertificateOwnershipToken,
		Parameters:                map[string]string{provisioning.SerialNumberParameter: testSerial},
	})
	require.Equal(t, provisioning.AcceptedTopic(provisioning.RegisterThingTopic(testTemplate)), m.Topic)
}

func buildReport(t *testing.T, reportID uint64) []byte {
	builder, err := defender.NewReportBuilder(defender.Capacities{
		OpenTCPPorts:           10,
		OpenUDPPorts:           10,
		EstablishedConnections: 10,
		CustomMetricsTasks:     10,
		ReportBufferSize:       1000,
	}, "1.0")
	require.NoError(t, err)
	payload, err := builder.Build(&defender.Metrics{
		OpenTCPPorts: []defender.Port{{Port: 8883}},
		TaskNumbers:  []uint32{1, 2, 3},
	}, reportID)
	require.NoError(t, err)
	return payload
}

func defenderResponse(t *testing.T, m Message) defender.Response {
	response := defender.Response{}
	require.NoError(t, json.Unmarshal(m.Payload, &response))
	return response
}

func TestMetricsReport(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t)
	ctx := context.Background()
	topic := defender.MetricsTopic(testThing)

	m := single(t, env.svc.Handle(ctx, ThingSession(testThing), topic, buildReport(t, 7)))
	assert.Equal(t, defender.AcceptedTopic(testThing), m.Topic)
	response := defenderResponse(t, m)
	assert.Equal(t, defender.StatusAccepted, response.Status)
	assert.Equal(t, uint64(7), response.ReportID)
	assert.Equal(t, testThing, response.ThingName)

	m = single(t, env.svc.Handle(ctx, ThingSession(testThing), topic, buildReport(t, 7)))
	assert.Equal(t, defender.RejectedTopic(testThing), m.Topic)
	response = defenderResponse(t, m)
	assert.Equal(t, defender.StatusRejected, response.Status)
	require.NotNil(t, response.StatusDetails)
	assert.Equal(t, ErrorCodeDuplicateReportID, response.StatusDetails.ErrorCode)

	m = single(t, env.svc.Handle(ctx, ThingSession(testThing), topic, []byte("not json")))
	assert.Equal(t, ErrorCodeInvalidJSON, defenderResponse(t, m).StatusDetails.ErrorCode)

	m = single(t, env.svc.Handle(ctx, ThingSession(testThing), topic, []byte(`{"hed":{"rid":8}}`)))
	response = defenderResponse(t, m)
	assert.Equal(t, ErrorCodeMalformed, response.StatusDetails.ErrorCode)
	assert.Equal(t, uint64(8), response.ReportID)

	reports, err := env.registry.Reports(ctx, testThing, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(7), reports[0].ReportID)

	assert.Equal(t, []string{EventThingRegistered, EventReportAccepted, EventReportRejected, EventReportRejected, EventReportRejected}, env.sink.types())
}

func TestMetricsReportOfOtherThingIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t)
	ctx := context.Background()
	topic := defender.MetricsTopic(testThing)

	assert.Empty(t, env.svc.Handle(ctx, ThingSession("intruder"), topic, buildReport(t, 1)))
	// the claim certificate may use any client id, including the thing name
	assert.Empty(t, env.svc.Handle(ctx, ClaimSession(testThing), topic, buildReport(t, 1)))

	reports, err := env.registry.Reports(ctx, testThing, 0)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestThingSessionCannotProvision(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t)
	kc, err := credentials.GenerateCSR("CN=Fleet Provisioning Demo")
	require.NoError(t, err)
	request, _ := json.Marshal(provisioning.CreateCertificateFromCsrRequest{CertificateSigningRequest: string(kc.CSRPEM)})

	assert.Empty(t, env.svc.Handle(context.Background(), ThingSession(testThing), provisioning.CreateCertificateFromCsrTopic(), request))
	assert.Empty(t, env.svc.Handle(context.Background(), ThingSession(testThing), provisioning.RegisterThingTopic(testTemplate), []byte("{}")))
}

func TestMetricsReportOfUnknownThing(t *testing.T) {
	env := newTestEnv(t)
	m := single(t, env.svc.Handle(context.Background(), ThingSession("ghost"), defender.MetricsTopic("ghost"), buildReport(t, 1)))
	assert.Equal(t, ErrorCodeUnknownThing, defenderResponse(t, m).StatusDetails.ErrorCode)
}

func TestHandleIgnoresOtherTopics(t *testing.T) {
	env := newTestEnv(t)
	for _, topic := range []string{"devices/1/telemetry", "$aws/things/a/b/shadow/update", "$aws/provisioning-templates//provision/json"} {
		assert.Empty(t, env.svc.Handle(context.Background(), ClaimSession(testSerial), topic, []byte("{}")), topic)
	}
}

func TestAllowSubscribe(t *testing.T) {
	env := newTestEnv(t)
	claim := ClaimSession(testSerial)
	thing := ThingSession(testThing)
	tests := []struct {
		session Session
		topic   string
		allowed bool
	}{
		{claim, "$aws/certificates/create-from-csr/json/accepted", true},
		{claim, "$aws/certificates/create-from-csr/json/rejected", true},
		{claim, "$aws/certificates/create-from-csr/json", false},
		{claim, "$aws/provisioning-templates/FPDemoTemplate/provision/json/accepted", true},
		{claim, "$aws/provisioning-templates/Other/provision/json/accepted", false},
		{claim, "$aws/things/FPDemoThing_12345/defender/metrics/json/accepted", false},
		{ClaimSession(testThing), "$aws/things/FPDemoThing_12345/defender/metrics/json/accepted", false},
		{thing, "$aws/things/FPDemoThing_12345/defender/metrics/json/accepted", true},
		{thing, "$aws/things/FPDemoThing_12345/defender/metrics/json/rejected", true},
		{thing, "$aws/certificates/create-from-csr/json/accepted", false},
		{thing, "$aws/provisioning-templates/FPDemoTemplate/provision/json/accepted", false},
		{ThingSession("intruder"), "$aws/things/FPDemoThing_12345/defender/metrics/json/accepted", false},
		{thing, "$aws/things/+/defender/metrics/json/accepted", false},
		{thing, "#", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, env.svc.AllowSubscribe(tt.session, tt.topic), "%+v %s", tt.session, tt.topic)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// certificates unknown to the registry are claim certificates
	session, err := env.svc.Authenticate(ctx, "claim-certificate-id", testThing)
	require.NoError(t, err)
	assert.True(t, session.Claim())
	assert.Equal(t, testThing, session.ClientID)

	// issued but not yet attached to a thing
	cert := env.createCertificate(t)
	_, err = env.svc.Authenticate(ctx, cert.CertificateID, testThing)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	m := env.registerThing(t, testTemplate, provisioning.RegisterThingRequest{
		CertificateOwnershipToken: cert.CertificateOwnershipToken,
		Parameters:                map[string]string{provisioning.SerialNumberParameter: testSerial},
	})
	require.Equal(t, provisioning.AcceptedTopic(provisioning.RegisterThingTopic(testTemplate)), m.Topic)

	session, err = env.svc.Authenticate(ctx, cert.CertificateID, testThing)
	require.NoError(t, err)
	assert.Equal(t, ThingSession(testThing), session)
	assert.False(t, session.Claim())

	_, err = env.svc.Authenticate(ctx, cert.CertificateID, testSerial)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// provisioning the thing again detaches the previous certificate
	env.provision(t)
	_, err = env.svc.Authenticate(ctx, cert.CertificateID, testThing)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestMustNewServicePanics(t *testing.T) {
	ca, err := NewCA("test")
	require.NoError(t, err)
	assert.Panics(t, func() { MustNewService(&ServiceBuilder{Registry: NewMemoryRegistry(), Templates: []Template{{Name: "t"}}}) })
	assert.Panics(t, func() { MustNewService(&ServiceBuilder{CA: ca, Templates: []Template{{Name: "t"}}}) })
	assert.Panics(t, func() { MustNewService(&ServiceBuilder{CA: ca, Registry: NewMemoryRegistry()}) })
}
