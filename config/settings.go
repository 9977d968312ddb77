// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"go.uber.org/multierr"
)

// Profile selects one of the two value sets the demo ships with. The sets disagree on the
// network buffer size and on the identification strings, so the operator has to choose one
// explicitly; there is no default profile.
type Profile string

const (
	// ProfileFleetProvisioning selects the fleet provisioning values (2048 byte buffer).
	ProfileFleetProvisioning Profile = "fleet-provisioning"
	// ProfileDeviceDefender selects the device defender values (1024 byte buffer).
	ProfileDeviceDefender Profile = "device-defender"
)

// Profiles lists all known profiles.
var Profiles = []Profile{ProfileFleetProvisioning, ProfileDeviceDefender}

// ErrUnknownProfile is returned for a profile that is not in Profiles
var ErrUnknownProfile = errors.New("unknown profile")

// ErrInvalidSettings is wrapped by every violation reported by Validate
var ErrInvalidSettings = errors.New("invalid settings")

// Broker holds the values consumed by the MQTT transport.
type Broker struct {
	Endpoint          string `env:"BROKER_ENDPOINT" description:"the MQTT broker host name"`
	Port              int    `env:"BROKER_PORT" description:"the MQTT broker port, 8883 or 443"`
	ClientIdentifier  string `env:"CLIENT_IDENTIFIER" description:"the MQTT client identifier, defaults to the serial number"`
	NetworkBufferSize uint   `env:"NETWORK_BUFFER_SIZE" description:"the maximum MQTT payload size in bytes"`
}

// Credentials holds the PEM file paths consumed by the credential loader.
type Credentials struct {
	RootCACertPath      string `env:"ROOT_CA_CERT_PATH" description:"path to the PEM encoded root CA"`
	ClaimCertPath       string `env:"CLAIM_CERT_PATH" description:"path to the PEM encoded claim certificate"`
	ClaimPrivateKeyPath string `env:"CLAIM_PRIVATE_KEY_PATH" description:"path to the PEM encoded claim private key"`
}

// Provisioning holds the values consumed by the fleet provisioning workflow.
type Provisioning struct {
	TemplateName   string `env:"PROVISIONING_TEMPLATE_NAME" description:"the provisioning template, it must exist in AWS IoT"`
	SerialNumber   string `env:"DEVICE_SERIAL_NUMBER" description:"the serial number passed to the template"`
	CSRSubjectName string `env:"CSR_SUBJECT_NAME" description:"the subject of the certificate signing request"`
}

// Metrics holds the identification strings and capacities consumed by the report builder.
type Metrics struct {
	OSName               string `env:"OS_NAME"`
	OSVersion            string `env:"OS_VERSION"`
	HardwarePlatformName string `env:"HARDWARE_PLATFORM_NAME"`
	MQTTLib              string `env:"MQTT_LIB"`

	OpenTCPPortsArraySize           uint `env:"OPEN_TCP_PORTS_ARRAY_SIZE"`
	OpenUDPPortsArraySize           uint `env:"OPEN_UDP_PORTS_ARRAY_SIZE"`
	EstablishedConnectionsArraySize uint `env:"ESTABLISHED_CONNECTIONS_ARRAY_SIZE"`
	CustomMetricsTasksArraySize     uint `env:"CUSTOM_METRICS_TASKS_ARRAY_SIZE"`
	ReportBufferSize                uint `env:"DEVICE_METRICS_REPORT_BUFFER_SIZE"`
	ReportMajorVersion              uint `env:"DEVICE_METRICS_REPORT_MAJOR_VERSION"`
	ReportMinorVersion              uint `env:"DEVICE_METRICS_REPORT_MINOR_VERSION"`
}

// Settings is the complete configuration of the demo
type Settings struct {
	Profile      Profile
	LogLevel     string `env:"LOG_LEVEL" description:"debug, info, warning or error"`
	Broker       Broker
	Credentials  Credentials
	Provisioning Provisioning
	Metrics      Metrics
}

// Defaults returns the compiled-in settings of profile.
func Defaults(profile Profile) (*Settings, error) {
	s := &Settings{
		Profile:  profile,
		LogLevel: LibraryLogLevel,
		Provisioning: Provisioning{
			TemplateName:   ProvisioningTemplateName,
			SerialNumber:   DeviceSerialNumber,
			CSRSubjectName: CSRSubjectName,
		},
		Metrics: Metrics{
			MQTTLib:                         MQTTLib,
			OpenTCPPortsArraySize:           OpenTCPPortsArraySize,
			OpenUDPPortsArraySize:           OpenUDPPortsArraySize,
			EstablishedConnectionsArraySize: EstablishedConnectionsArraySize,
			CustomMetricsTasksArraySize:     CustomMetricsTasksArraySize,
			ReportBufferSize:                DeviceMetricsReportBufferSize,
			ReportMajorVersion:              DeviceMetricsReportMajorVersion,
			ReportMinorVersion:              DeviceMetricsReportMinorVersion,
		},
	}

	switch profile {
	case ProfileFleetProvisioning:
		s.Broker = Broker{
			Endpoint:          AWSIoTEndpoint,
			Port:              AWSMQTTPort,
			ClientIdentifier:  ClientIdentifier,
			NetworkBufferSize: NetworkBufferSize,
		}
		s.Credentials = Credentials{
			RootCACertPath:      RootCACertPath,
			ClaimCertPath:       ClaimCertPath,
			ClaimPrivateKeyPath: ClaimPrivateKeyPath,
		}
		s.Metrics.OSName = OSName
		s.Metrics.OSVersion = OSVersion
		s.Metrics.HardwarePlatformName = HardwarePlatformName
	case ProfileDeviceDefender:
		s.Broker = Broker{
			Endpoint:          DemoMQTTBrokerEndpoint,
			Port:              DemoMQTTBrokerPort,
			ClientIdentifier:  DemoClientIdentifier,
			NetworkBufferSize: DemoNetworkBufferSize,
		}
		s.Credentials = Credentials{
			RootCACertPath:      DemoRootCAPEM,
			ClaimCertPath:       DemoClientCertificatePEM,
			ClaimPrivateKeyPath: DemoClientPrivateKeyPEM,
		}
		s.Metrics.OSName = DemoOSName
		s.Metrics.OSVersion = DemoOSVersion
		s.Metrics.HardwarePlatformName = DemoHardwarePlatformName
	default:
		return nil, fmt.Errorf("%w '%s', use one of %v", ErrUnknownProfile, profile, Profiles)
	}
	return s, nil
}

const clientIdentifierEnv = "CLIENT_IDENTIFIER"

type profileSelection struct {
	Profile Profile `env:"DEMO_PROFILE,required" description:"fleet-provisioning or device-defender"`
}

// Load returns the settings of profile with environment overrides applied. When profile is
// empty it is read from DEMO_PROFILE, which then is mandatory. Unless CLIENT_IDENTIFIER is
// set, the client identifier is the serial number. The result is validated.
func Load(profile Profile) (*Settings, error) {
	if len(profile) == 0 {
		selection := profileSelection{}
		if err := envdecode.Decode(&selection); err != nil {
			return nil, fmt.Errorf("cannot select profile: %w", err)
		}
		profile = selection.Profile
	}

	s, err := Defaults(profile)
	if err != nil {
		return nil, err
	}

	err = envdecode.Decode(s)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("cannot decode environment: %w", err)
	}
	if os.Getenv(clientIdentifierEnv) == "" {
		s.Broker.ClientIdentifier = s.Provisioning.SerialNumber
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the structural properties of the settings. All violations are returned
// together, each wrapping ErrInvalidSettings.
func (s *Settings) Validate() error {
	var err error
	invalid := func(format string, args ...interface{}) {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrInvalidSettings, fmt.Sprintf(format, args...)))
	}
	nonEmpty := func(name, value string) {
		if len(strings.TrimSpace(value)) == 0 {
			invalid("%s must not be empty", name)
		}
	}
	positive := func(name string, value uint) {
		if value == 0 {
			invalid("%s must be a positive integer", name)
		}
	}

	nonEmpty("broker endpoint", s.Broker.Endpoint)
	if s.Broker.Port != PortMQTTOverTLS && s.Broker.Port != PortALPN {
		invalid("broker port %d is neither %d nor %d", s.Broker.Port, PortMQTTOverTLS, PortALPN)
	}
	nonEmpty("client identifier", s.Broker.ClientIdentifier)
	positive("network buffer size", s.Broker.NetworkBufferSize)

	nonEmpty("root CA certificate path", s.Credentials.RootCACertPath)
	nonEmpty("claim certificate path", s.Credentials.ClaimCertPath)
	nonEmpty("claim private key path", s.Credentials.ClaimPrivateKeyPath)

	nonEmpty("provisioning template name", s.Provisioning.TemplateName)
	nonEmpty("device serial number", s.Provisioning.SerialNumber)
	nonEmpty("CSR subject name", s.Provisioning.CSRSubjectName)

	positive("open TCP ports array size", s.Metrics.OpenTCPPortsArraySize)
	positive("open UDP ports array size", s.Metrics.OpenUDPPortsArraySize)
	positive("established connections array size", s.Metrics.EstablishedConnectionsArraySize)
	positive("custom metrics tasks array size", s.Metrics.CustomMetricsTasksArraySize)
	positive("device metrics report buffer size", s.Metrics.ReportBufferSize)

	return err
}

// RequiresALPN is true when the broker port needs the ALPN protocol name extension
func (s *Settings) RequiresALPN() bool {
	return s.Broker.Port == PortALPN
}

// ReportVersion returns the report schema version as "major.minor"
func (s *Settings) ReportVersion() string {
	return fmt.Sprintf("%d.%d", s.Metrics.ReportMajorVersion, s.Metrics.ReportMinorVersion)
}

// MetricsUsername returns the MQTT user name AWS IoT uses to collect SDK metrics.
func (s *Settings) MetricsUsername() string {
	return "?SDK=" + s.Metrics.OSName +
		"&Version=" + s.Metrics.OSVersion +
		"&Platform=" + s.Metrics.HardwarePlatformName +
		"&MQTTLib=" + s.Metrics.MQTTLib
}
