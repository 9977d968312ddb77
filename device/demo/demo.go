// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package demo runs the fleet provisioning demo sequence: connect with the claim credentials,
// provision a new identity, reconnect with it and publish a device defender metrics report.
package demo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/device"
	"github.com/relabs-tech/fleetprovisioning/device/certstore"
	"github.com/relabs-tech/fleetprovisioning/device/credentials"
	"github.com/relabs-tech/fleetprovisioning/device/defender"
	"github.com/relabs-tech/fleetprovisioning/device/provisioning"
	"github.com/relabs-tech/fleetprovisioning/device/transport"
)

// Session is an MQTT session opened by a Dialer
type Session interface {
	device.MessageTransport
	Disconnect()
}

// Dialer opens sessions. A nil identity means the claim credentials.
type Dialer interface {
	Dial(ctx context.Context, clientID string, identity *certstore.Identity) (Session, error)
}

// MQTTDialer connects to the broker configured in Settings
type MQTTDialer struct {
	Settings *config.Settings
}

// Dial implements Dialer
func (d MQTTDialer) Dial(ctx context.Context, clientID string, identity *certstore.Identity) (Session, error) {
	tlsConfig, err := d.tlsConfig(identity)
	if err != nil {
		return nil, err
	}
	o := transport.OptionsFromSettings(d.Settings, tlsConfig)
	o.ClientID = clientID
	connection, err := transport.Connect(ctx, o)
	if err != nil {
		return nil, err
	}
	return connection, nil
}

func (d MQTTDialer) tlsConfig(identity *certstore.Identity) (*tls.Config, error) {
	c := d.Settings.Credentials
	alpn := d.Settings.RequiresALPN()
	if identity == nil {
		return credentials.LoadTLSConfig(credentials.Files{
			RootCACertFile: c.RootCACertPath,
			CertFile:       c.ClaimCertPath,
			KeyFile:        c.ClaimPrivateKeyPath,
		}, alpn)
	}
	rootCA, err := os.ReadFile(c.RootCACertPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read root CA %s: %w", c.RootCACertPath, err)
	}
	return credentials.TLSConfigFromPEM(rootCA, identity.CertificatePEM, identity.PrivateKeyPEM, alpn)
}

// Options configure the demo
type Options struct {
	// Settings are the loaded settings. This is mandatory.
	Settings *config.Settings
	// Dialer defaults to an MQTTDialer for Settings
	Dialer Dialer
	// Store persists the provisioned identity. Optional for Run and Provision, mandatory
	// for Report.
	Store certstore.Driver
	// Collector defaults to defender.SystemCollector
	Collector defender.Collector
	// Report forces a metrics report with the fleet-provisioning profile. The
	// device-defender profile always reports.
	Report bool
	// ResponseTimeout for provisioning and report answers, defaults to 10 seconds
	ResponseTimeout time.Duration
}

func (o *Options) defaults() error {
	if o.Settings == nil {
		return errors.New("settings are missing")
	}
	if o.Dialer == nil {
		o.Dialer = MQTTDialer{Settings: o.Settings}
	}
	if o.Collector == nil {
		o.Collector = defender.SystemCollector{}
	}
	return nil
}

func (o *Options) reports() bool {
	return o.Report || o.Settings.Profile == config.ProfileDeviceDefender
}

// Result summarizes a demo run
type Result struct {
	ThingName     string
	CertificateID string
	// ReportID is the id of the accepted metrics report, zero if no report was sent
	ReportID uint64
}

// Run executes the demo sequence. The claim session is closed before the thing connects with
// its new certificate, using the thing name as client identifier.
func Run(ctx context.Context, o Options) (*Result, error) {
	if err := o.defaults(); err != nil {
		return nil, err
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, o.Settings.Broker.ClientIdentifier)

	provisioned, err := Provision(ctx, o)
	if err != nil {
		return nil, err
	}
	result := &Result{
		ThingName:     provisioned.ThingName,
		CertificateID: provisioned.CertificateID,
	}
	if !o.reports() {
		rlog.Infoln("demo completed without metrics report")
		return result, nil
	}

	result.ReportID, err = report(ctx, o, &certstore.Identity{
		CertificateID:  provisioned.CertificateID,
		CertificatePEM: provisioned.CertificatePEM,
		PrivateKeyPEM:  provisioned.PrivateKeyPEM,
		ThingName:      provisioned.ThingName,
	})
	if err != nil {
		return result, err
	}
	rlog.Infoln("demo completed successfully")
	return result, nil
}

// Provision connects with the claim credentials and provisions a new identity
func Provision(ctx context.Context, o Options) (*provisioning.Result, error) {
	if err := o.defaults(); err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx)
	s := o.Settings

	rlog.Infoln("connecting with claim credentials to", s.Broker.Endpoint)
	claim, err := o.Dialer.Dial(ctx, s.Broker.ClientIdentifier, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot connect with claim credentials: %w", err)
	}
	defer claim.Disconnect()

	return provisioning.MustNewProvisioner(&provisioning.Builder{
		Transport:       claim,
		TemplateName:    s.Provisioning.TemplateName,
		SerialNumber:    s.Provisioning.SerialNumber,
		CSRSubject:      s.Provisioning.CSRSubjectName,
		Store:           o.Store,
		ResponseTimeout: o.ResponseTimeout,
	}).Provision(ctx)
}

// Report loads the identity provisioned for the configured serial number from the store and
// publishes one metrics report.
func Report(ctx context.Context, o Options) (uint64, error) {
	if err := o.defaults(); err != nil {
		return 0, err
	}
	identity, err := loadIdentity(ctx, o)
	if err != nil {
		return 0, err
	}
	return report(ctx, o, identity)
}

// Monitor loads the provisioned identity like Report and publishes a metrics report every
// interval until ctx is done.
func Monitor(ctx context.Context, o Options, interval time.Duration) error {
	if err := o.defaults(); err != nil {
		return err
	}
	identity, err := loadIdentity(ctx, o)
	if err != nil {
		return err
	}
	reporter, session, err := connectReporter(ctx, o, identity)
	if err != nil {
		return err
	}
	defer session.Disconnect()
	err = reporter.Run(ctx, interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadIdentity(ctx context.Context, o Options) (*certstore.Identity, error) {
	if o.Store == nil {
		return nil, errors.New("a certificate store is required to load the identity")
	}
	identity, err := certstore.LoadIdentity(ctx, o.Store, o.Settings.Provisioning.SerialNumber)
	if err != nil {
		return nil, fmt.Errorf("cannot load provisioned identity: %w", err)
	}
	if identity.ThingName == "" {
		return nil, errors.New("identity has no thing name, provisioning did not complete")
	}
	return identity, nil
}

func connectReporter(ctx context.Context, o Options, identity *certstore.Identity) (*defender.Reporter, Session, error) {
	builder, err := defender.NewReportBuilderFromSettings(o.Settings)
	if err != nil {
		return nil, nil, err
	}
	logger.FromContext(ctx).Infoln("connecting as", identity.ThingName)
	session, err := o.Dialer.Dial(ctx, identity.ThingName, identity)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot connect with provisioned credentials: %w", err)
	}
	reporter := defender.MustNewReporter(&defender.ReporterBuilder{
		Transport:       session,
		ThingName:       identity.ThingName,
		Collector:       o.Collector,
		Builder:         builder,
		ResponseTimeout: o.ResponseTimeout,
	})
	return reporter, session, nil
}

func report(ctx context.Context, o Options, identity *certstore.Identity) (uint64, error) {
	reporter, session, err := connectReporter(ctx, o, identity)
	if err != nil {
		return 0, err
	}
	defer session.Disconnect()
	if err := reporter.Start(ctx); err != nil {
		return 0, err
	}
	defer reporter.Stop(context.Background())
	return reporter.Report(ctx)
}
