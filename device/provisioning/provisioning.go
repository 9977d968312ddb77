// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/device"
	"github.com/relabs-tech/fleetprovisioning/device/certstore"
	"github.com/relabs-tech/fleetprovisioning/device/credentials"
)

// ErrResponseTimeout is returned when the service did not answer in time
var ErrResponseTimeout = errors.New("no response from provisioning service")

// RejectedError is returned when the service rejected a request
type RejectedError struct {
	Topic string
	ErrorResponse
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected with status %d (%s): %s", e.Topic, e.StatusCode, e.ErrorCode, e.ErrorMessage)
}

const defaultResponseTimeout = 10 * time.Second

// Provisioner runs the fleet provisioning by claim workflow
type Provisioner struct {
	transport       device.MessageTransport
	templateName    string
	serialNumber    string
	csrSubject      string
	store           certstore.Driver
	responseTimeout time.Duration
}

// Builder is a builder helper for the Provisioner
type Builder struct {
	// Transport is a connection authenticated with the claim credentials. This is mandatory.
	Transport device.MessageTransport
	// TemplateName is the provisioning template. This is mandatory.
	TemplateName string
	// SerialNumber is passed as template parameter. This is mandatory.
	SerialNumber string
	// CSRSubject is the subject of the certificate signing request. This is mandatory.
	CSRSubject string
	// Store is optional. When set, the obtained identity is saved under the serial number.
	Store certstore.Driver
	// ResponseTimeout defaults to 10 seconds
	ResponseTimeout time.Duration
}

// Result is the identity obtained by Provision
type Result struct {
	ThingName           string
	CertificateID       string
	CertificatePEM      []byte
	PrivateKeyPEM       []byte
	DeviceConfiguration map[string]string
}

// MustNewProvisioner returns a new provisioner
func MustNewProvisioner(b *Builder) *Provisioner {
	if b.Transport == nil {
		panic("Transport is missing")
	}
	if len(b.TemplateName) == 0 {
		panic("template name is missing")
	}
	if len(b.SerialNumber) == 0 {
		panic("serial number is missing")
	}
	if len(b.CSRSubject) == 0 {
		panic("CSR subject is missing")
	}
	timeout := b.ResponseTimeout
	if timeout == 0 {
		timeout = defaultResponseTimeout
	}
	return &Provisioner{
		transport:       b.Transport,
		templateName:    b.TemplateName,
		serialNumber:    b.SerialNumber,
		csrSubject:      b.CSRSubject,
		store:           b.Store,
		responseTimeout: timeout,
	}
}

// Provision requests a certificate for a new key and registers the thing with the template.
func (p *Provisioner) Provision(ctx context.Context) (*Result, error) {
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, p.serialNumber)

	rlog.Infoln("generating key and certificate signing request")
	kc, err := credentials.GenerateCSR(p.csrSubject)
	if err != nil {
		return nil, err
	}

	rlog.Infoln("requesting certificate from CSR")
	certResponse := CreateCertificateFromCsrResponse{}
	err = p.exchange(ctx, CreateCertificateFromCsrTopic(),
		CreateCertificateFromCsrRequest{CertificateSigningRequest: string(kc.CSRPEM)},
		&certResponse)
	if err != nil {
		return nil, err
	}
	if len(certResponse.CertificatePem) == 0 || len(certResponse.CertificateOwnershipToken) == 0 {
		return nil, errors.New("incomplete certificate response")
	}
	rlog.Infof("received certificate %s", certResponse.CertificateID)

	result := &Result{
		CertificateID:  certResponse.CertificateID,
		CertificatePEM: []byte(certResponse.CertificatePem),
		PrivateKeyPEM:  kc.PrivateKeyPEM,
	}

	if p.store != nil {
		// the thing of a previous run does not own the new certificate
		if err := certstore.DetachThing(ctx, p.store, p.serialNumber); err != nil {
			return nil, err
		}
		err = certstore.SaveIdentity(ctx, p.store, p.serialNumber, &certstore.Identity{
			CertificateID:  result.CertificateID,
			CertificatePEM: result.CertificatePEM,
			PrivateKeyPEM:  result.PrivateKeyPEM,
		})
		if err != nil {
			return nil, err
		}
	}

	rlog.Infof("registering thing with template %s", p.templateName)
	thingResponse := RegisterThingResponse{}
	err = p.exchange(ctx, RegisterThingTopic(p.templateName),
		RegisterThingRequest{
			CertificateOwnershipToken: certResponse.CertificateOwnershipToken,
			Parameters:                map[string]string{SerialNumberParameter: p.serialNumber},
		},
		&thingResponse)
	if err != nil {
		return nil, err
	}
	if len(thingResponse.ThingName) == 0 {
		return nil, errors.New("register thing response without thing name")
	}
	rlog.Infof("registered thing %s", thingResponse.ThingName)

	result.ThingName = thingResponse.ThingName
	result.DeviceConfiguration = thingResponse.DeviceConfiguration

	if p.store != nil {
		err = certstore.SaveIdentity(ctx, p.store, p.serialNumber, &certstore.Identity{ThingName: result.ThingName})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

type response struct {
	accepted bool
	payload  []byte
}

// exchange publishes request on topic and decodes the accepted answer into v. The response
// subscriptions only exist for the duration of the exchange.
func (p *Provisioner) exchange(ctx context.Context, topic string, request interface{}, v interface{}) error {
	rlog := logger.FromContext(ctx)
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	responses := make(chan response, 2)
	deliver := func(accepted bool) device.MessageHandler {
		return func(_ string, payload []byte) {
			select {
			case responses <- response{accepted: accepted, payload: payload}:
			default:
				rlog.Warnf("dropping surplus response for %s", topic)
			}
		}
	}

	accepted, rejected := AcceptedTopic(topic), RejectedTopic(topic)
	if err := p.transport.Subscribe(ctx, accepted, deliver(true)); err != nil {
		return err
	}
	defer func() {
		if err := p.transport.Unsubscribe(context.Background(), accepted, rejected); err != nil {
			rlog.WithError(err).Warnln("cannot unsubscribe")
		}
	}()
	if err := p.transport.Subscribe(ctx, rejected, deliver(false)); err != nil {
		return err
	}

	if err := p.transport.Publish(ctx, topic, payload); err != nil {
		return err
	}

	timer := time.NewTimer(p.responseTimeout)
	defer timer.Stop()

	select {
	case r := <-responses:
		if !r.accepted {
			rejectedErr := &RejectedError{Topic: topic}
			if err := json.Unmarshal(r.payload, &rejectedErr.ErrorResponse); err != nil {
				rejectedErr.ErrorMessage = string(r.payload)
			}
			return rejectedErr
		}
		if err := json.Unmarshal(r.payload, v); err != nil {
			return fmt.Errorf("cannot decode response on %s: %w", accepted, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w on %s", ErrResponseTimeout, topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}
