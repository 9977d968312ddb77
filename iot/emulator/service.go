// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/core/schema"
	"github.com/relabs-tech/fleetprovisioning/device/defender"
	"github.com/relabs-tech/fleetprovisioning/device/provisioning"
	"github.com/relabs-tech/fleetprovisioning/iot"
)

// Rejection error codes of the provisioning APIs
const (
	ErrorCodeInvalidPayload    = "InvalidPayload"
	ErrorCodeInvalidCSR        = "InvalidCSR"
	ErrorCodeInvalidToken      = "InvalidCertificateOwnershipToken"
	ErrorCodeResourceNotFound  = "ResourceNotFound"
	ErrorCodeInvalidParameters = "InvalidParameters"
	ErrorCodeInternalFailure   = "InternalFailure"
)

// Rejection error codes of device defender
const (
	ErrorCodeInvalidJSON       = "InvalidJson"
	ErrorCodeMalformed         = "Malformed"
	ErrorCodeDuplicateReportID = "DuplicateReportId"
	ErrorCodeUnknownThing      = "UnknownThing"
)

// DefaultTokenTTL is the validity of a certificate ownership token
const DefaultTokenTTL = time.Hour

// Template is a provisioning template
type Template struct {
	Name string
	// ThingNamePrefix is prepended to the serial number to form the thing name
	ThingNamePrefix string
	// RequiredParameters must be present in every RegisterThing request.
	// SerialNumber is always required.
	RequiredParameters []string
	// DeviceConfiguration is returned to the device on registration
	DeviceConfiguration map[string]string
}

// Message is an MQTT message produced by the service
type Message struct {
	Topic   string
	Payload []byte
}

// Service implements the AWS IoT APIs used by fleet provisioning devices: CreateCertificateFromCsr,
// RegisterThing and the device defender metrics report. It is transport agnostic, the broker
// plugin and the in-memory bus both feed it.
type Service struct {
	ca        *CA
	registry  Registry
	sink      Sink
	templates map[string]Template
	tokenTTL  time.Duration
	validator *schema.Validator
	now       func() time.Time
}

// ServiceBuilder is a builder helper for the Service
type ServiceBuilder struct {
	// CA signs device certificates. This is mandatory.
	CA *CA
	// Registry stores certificates, things and reports. This is mandatory.
	Registry Registry
	// Templates are the known provisioning templates. At least one is mandatory.
	Templates []Template
	// Sink receives events. Defaults to LogSink.
	Sink Sink
	// TokenTTL defaults to DefaultTokenTTL
	TokenTTL time.Duration
	// Clock defaults to time.Now
	Clock func() time.Time
}

// MustNewService returns a new service. It panics on missing mandatory fields.
func MustNewService(b *ServiceBuilder) *Service {
	if b.CA == nil {
		panic("CA is missing")
	}
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if len(b.Templates) == 0 {
		panic("Templates are missing")
	}
	validator, err := defender.Validator()
	if err != nil {
		panic(err)
	}
	s := &Service{
		ca:        b.CA,
		registry:  b.Registry,
		sink:      b.Sink,
		templates: make(map[string]Template),
		tokenTTL:  b.TokenTTL,
		validator: validator,
		now:       b.Clock,
	}
	for _, t := range b.Templates {
		if t.Name == "" {
			panic("template without name")
		}
		s.templates[t.Name] = t
	}
	if s.sink == nil {
		s.sink = LogSink{}
	}
	if s.tokenTTL == 0 {
		s.tokenTTL = DefaultTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Registry returns the registry of the service
func (s *Service) Registry() Registry {
	return s.registry
}

const (
	templatesPrefix = "$aws/provisioning-templates/"
	provisionSuffix = "/provision/json"
	thingsPrefix    = "$aws/things/"
	defenderSuffix  = "/defender/metrics/json"
	acceptedSuffix  = "/accepted"
	rejectedSuffix  = "/rejected"
)

// IsServiceTopic returns true if the topic belongs to the AWS IoT reserved topic space
func IsServiceTopic(topic string) bool {
	return strings.HasPrefix(topic, "$aws/")
}

func between(topic, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
		return "", false
	}
	middle := topic[len(prefix) : len(topic)-len(suffix)]
	if middle == "" || strings.Contains(middle, "/") {
		return "", false
	}
	return middle, true
}

// ErrNotAuthorized is returned by Authenticate for certificates which may not connect
var ErrNotAuthorized = errors.New("not authorized")

// Session is the authenticated client of a request. A session without ThingName authenticated
// with the claim certificate and may only use CreateCertificateFromCsr and RegisterThing. A
// session with ThingName authenticated with the certificate attached to that thing and may
// only use the device defender topics of the thing.
type Session struct {
	ClientID  string
	ThingName string
}

// ClaimSession returns the session of a client authenticated with the claim certificate
func ClaimSession(clientID string) Session {
	return Session{ClientID: clientID}
}

// ThingSession returns the session of a provisioned thing. Its client id is the thing name.
func ThingSession(thingName string) Session {
	return Session{ClientID: thingName, ThingName: thingName}
}

// Claim returns true for sessions of the claim certificate
func (s Session) Claim() bool {
	return s.ThingName == ""
}

// Authenticate returns the session of clientID connecting with the certificate certificateID.
// Certificates unknown to the registry are claim certificates. Certificates issued by
// CreateCertificateFromCsr may only connect once they are attached to a thing, and only with
// the thing name as client id.
func (s *Service) Authenticate(ctx context.Context, certificateID, clientID string) (Session, error) {
	cert, err := s.registry.CertificateByID(ctx, certificateID)
	if errors.Is(err, ErrNotFound) {
		return ClaimSession(clientID), nil
	}
	if err != nil {
		return Session{}, err
	}
	if cert.ThingName == "" {
		return Session{}, fmt.Errorf("%w: certificate %s is not attached to a thing", ErrNotAuthorized, certificateID)
	}
	if cert.ThingName != clientID {
		return Session{}, fmt.Errorf("%w: client %s does not own the certificate of %s", ErrNotAuthorized, clientID, cert.ThingName)
	}
	return ThingSession(cert.ThingName), nil
}

// Handle processes a request published in session and returns the response messages.
// Requests the session may not make are dropped.
func (s *Service) Handle(ctx context.Context, session Session, topic string, payload []byte) []Message {
	rlog := logger.FromContext(ctx)
	if topic == provisioning.CreateCertificateFromCsrTopic() {
		if !session.Claim() {
			rlog.Warnf("thing %s requests a certificate, dropped", session.ThingName)
			return nil
		}
		return s.createCertificateFromCsr(ctx, payload)
	}
	if template, ok := between(topic, templatesPrefix, provisionSuffix); ok {
		if !session.Claim() {
			rlog.Warnf("thing %s registers a thing, dropped", session.ThingName)
			return nil
		}
		return s.registerThing(ctx, template, payload)
	}
	if thingName, ok := between(topic, thingsPrefix, defenderSuffix); ok {
		if session.Claim() || thingName != session.ThingName {
			rlog.Warnf("client %s publishes defender report for %s, dropped", session.ClientID, thingName)
			return nil
		}
		return s.metricsReport(ctx, thingName, payload)
	}
	rlog.Debugln("no service for topic", topic)
	return nil
}

// Dispatch handles a request and publishes the responses with publisher
func (s *Service) Dispatch(ctx context.Context, publisher iot.MessagePublisher, session Session, topic string, payload []byte) {
	for _, m := range s.Handle(ctx, session, topic, payload) {
		publisher.PublishMessageQ1(m.Topic, m.Payload)
	}
}

// AllowSubscribe enforces the topic policy: claim sessions may subscribe to the response topics
// of the provisioning APIs, thing sessions to the defender response topics of their thing.
func (s *Service) AllowSubscribe(session Session, topic string) bool {
	request := strings.TrimSuffix(topic, acceptedSuffix)
	if request == topic {
		request = strings.TrimSuffix(topic, rejectedSuffix)
		if request == topic {
			return false
		}
	}
	if request == provisioning.CreateCertificateFromCsrTopic() {
		return session.Claim()
	}
	if template, ok := between(request, templatesPrefix, provisionSuffix); ok {
		_, known := s.templates[template]
		return known && session.Claim()
	}
	if thingName, ok := between(request, thingsPrefix, defenderSuffix); ok {
		return !session.Claim() && thingName == session.ThingName
	}
	return false
}

func (s *Service) accepted(topic string, body interface{}) []Message {
	payload, err := json.Marshal(body)
	if err != nil {
		return s.rejected(topic, http.StatusInternalServerError, ErrorCodeInternalFailure, err.Error())
	}
	return []Message{{Topic: topic + acceptedSuffix, Payload: payload}}
}

func (s *Service) rejected(topic string, statusCode int, errorCode, message string) []Message {
	payload, _ := json.Marshal(&provisioning.ErrorResponse{
		StatusCode:   statusCode,
		ErrorCode:    errorCode,
		ErrorMessage: message,
	})
	return []Message{{Topic: topic + rejectedSuffix, Payload: payload}}
}

func (s *Service) createCertificateFromCsr(ctx context.Context, payload []byte) []Message {
	rlog := logger.FromContext(ctx)
	topic := provisioning.CreateCertificateFromCsrTopic()

	var request provisioning.CreateCertificateFromCsrRequest
	if err := json.Unmarshal(payload, &request); err != nil || request.CertificateSigningRequest == "" {
		return s.rejected(topic, http.StatusBadRequest, ErrorCodeInvalidPayload, "certificateSigningRequest is missing")
	}
	signed, err := s.ca.SignCSR([]byte(request.CertificateSigningRequest))
	if err != nil {
		rlog.WithError(err).Infoln("rejected certificate signing request")
		return s.rejected(topic, http.StatusBadRequest, ErrorCodeInvalidCSR, err.Error())
	}

	now := s.now()
	cert := &Certificate{
		ID:             signed.CertificateID,
		PEM:            string(signed.CertificatePEM),
		OwnershipToken: uuid.NewString(),
		TokenExpiresAt: now.Add(s.tokenTTL),
		CreatedAt:      now,
	}
	if err := s.registry.PutCertificate(ctx, cert); err != nil {
		rlog.WithError(err).Errorln("cannot store certificate")
		return s.rejected(topic, http.StatusInternalServerError, ErrorCodeInternalFailure, "cannot store certificate")
	}
	rlog.Infoln("issued certificate", cert.ID)
	return s.accepted(topic, &provisioning.CreateCertificateFromCsrResponse{
		CertificateID:             cert.ID,
		CertificatePem:            cert.PEM,
		CertificateOwnershipToken: cert.OwnershipToken,
	})
}

func (s *Service) registerThing(ctx context.Context, templateName string, payload []byte) []Message {
	rlog := logger.FromContext(ctx)
	topic := provisioning.RegisterThingTopic(templateName)

	template, ok := s.templates[templateName]
	if !ok {
		return s.rejected(topic, http.StatusNotFound, ErrorCodeResourceNotFound, "unknown provisioning template "+templateName)
	}
	var request provisioning.RegisterThingRequest
	if err := json.Unmarshal(payload, &request); err != nil || request.CertificateOwnershipToken == "" {
		return s.rejected(topic, http.StatusBadRequest, ErrorCodeInvalidPayload, "certificateOwnershipToken is missing")
	}
	required := append([]string{provisioning.SerialNumberParameter}, template.RequiredParameters...)
	for _, p := range required {
		if request.Parameters[p] == "" {
			return s.rejected(topic, http.StatusBadRequest, ErrorCodeInvalidParameters, "missing parameter "+p)
		}
	}

	cert, err := s.registry.ConsumeOwnershipToken(ctx, request.CertificateOwnershipToken, s.now())
	if errors.Is(err, ErrInvalidToken) {
		return s.rejected(topic, http.StatusBadRequest, ErrorCodeInvalidToken, err.Error())
	}
	if err != nil {
		rlog.WithError(err).Errorln("cannot consume ownership token")
		return s.rejected(topic, http.StatusInternalServerError, ErrorCodeInternalFailure, "cannot verify ownership token")
	}

	serialNumber := request.Parameters[provisioning.SerialNumberParameter]
	thing := &Thing{
		Name:          template.ThingNamePrefix + serialNumber,
		SerialNumber:  serialNumber,
		TemplateName:  template.Name,
		CertificateID: cert.ID,
		Attributes:    request.Parameters,
		CreatedAt:     s.now(),
	}
	if err := s.registry.RegisterThing(ctx, thing); err != nil {
		rlog.WithError(err).Errorln("cannot register thing")
		return s.rejected(topic, http.StatusInternalServerError, ErrorCodeInternalFailure, "cannot register thing")
	}
	rlog.Infoln("registered thing", thing.Name, "with certificate", cert.ID)
	s.emit(ctx, Event{Type: EventThingRegistered, ThingName: thing.Name, Timestamp: thing.CreatedAt})

	return s.accepted(topic, &provisioning.RegisterThingResponse{
		DeviceConfiguration: template.DeviceConfiguration,
		ThingName:           thing.Name,
	})
}

func (s *Service) metricsReport(ctx context.Context, thingName string, payload []byte) []Message {
	topic := defender.MetricsTopic(thingName)
	now := s.now()
	response := &defender.Response{
		ThingName: thingName,
		Status:    defender.StatusAccepted,
		Timestamp: now.UnixMilli(),
	}
	reject := func(code, message string) []Message {
		response.Status = defender.StatusRejected
		response.StatusDetails = &defender.StatusDetails{ErrorCode: code, ErrorMessage: message}
		s.emit(ctx, Event{Type: EventReportRejected, ThingName: thingName, ReportID: response.ReportID, ErrorCode: code, Timestamp: now})
		body, _ := json.Marshal(response)
		return []Message{{Topic: topic + rejectedSuffix, Payload: body}}
	}

	var report defender.Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return reject(ErrorCodeInvalidJSON, err.Error())
	}
	response.ReportID = report.Header.ReportID
	if err := s.validator.ValidateBytes(payload, defender.ReportSchemaID); err != nil {
		return reject(ErrorCodeMalformed, err.Error())
	}

	err := s.registry.PutReport(ctx, &StoredReport{
		ThingName:  thingName,
		ReportID:   report.Header.ReportID,
		Report:     payload,
		ReceivedAt: now,
	})
	switch {
	case errors.Is(err, ErrDuplicateReport):
		return reject(ErrorCodeDuplicateReportID, err.Error())
	case errors.Is(err, ErrNotFound):
		return reject(ErrorCodeUnknownThing, "thing "+thingName+" is not registered")
	case err != nil:
		logger.FromContext(ctx).WithError(err).Errorln("cannot store report")
		return reject(ErrorCodeInternalFailure, "cannot store report")
	}

	s.emit(ctx, Event{Type: EventReportAccepted, ThingName: thingName, ReportID: report.Header.ReportID, Payload: payload, Timestamp: now})
	body, _ := json.Marshal(response)
	return []Message{{Topic: topic + acceptedSuffix, Payload: body}}
}

func (s *Service) emit(ctx context.Context, event Event) {
	if err := s.sink.Send(ctx, event); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot send event", event.Type)
	}
}
