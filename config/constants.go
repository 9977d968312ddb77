// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

// LibraryLogName is the name under which the demo logs.
const LibraryLogName = "FLEET_PROVISIONING_DEMO"

// LibraryLogLevel is the default log level of the demo.
const LibraryLogLevel = "info"

// Values of the fleet provisioning demo.
const (
	// AWSIoTEndpoint is the AWS IoT device data endpoint of the account.
	AWSIoTEndpoint = "a2ri0cd9rhrf0y-ats.iot.us-west-2.amazonaws.com"

	// AWSMQTTPort is the broker port. 8883 uses TLS directly, 443 requires the
	// x-amzn-mqtt-ca ALPN protocol name.
	AWSMQTTPort = 8883

	// RootCACertPath is the PEM encoded Amazon root CA used to authenticate the broker.
	RootCACertPath = "C:/Users/johnrhen/certificates/AmazonRootCA1.crt"

	// ClaimCertPath is the PEM encoded claim certificate, registered with AWS IoT before
	// the demo runs.
	ClaimCertPath = "C:/Users/johnrhen/certificates/device.pem.crt"

	// ClaimPrivateKeyPath is the PEM encoded private key of the claim certificate.
	ClaimPrivateKeyPath = "C:/Users/johnrhen/certificates/private.pem.key"

	// ProvisioningTemplateName must name a template that already exists in AWS IoT.
	ProvisioningTemplateName = "FPDemoTemplate"

	// DeviceSerialNumber is passed to the template as parameter "SerialNumber" and
	// should be unique per device.
	DeviceSerialNumber = "12345"

	// CSRSubjectName is the distinguished name of the certificate signing request.
	CSRSubjectName = "CN=Fleet Provisioning Demo"

	// ClientIdentifier is the MQTT client identifier. Concurrent connections with
	// the same identifier disconnect each other.
	ClientIdentifier = DeviceSerialNumber

	// NetworkBufferSize in bytes, it must fit the largest response, which is the
	// certificate returned for the CSR.
	NetworkBufferSize = 2048

	OSName               = "Ubuntu"
	OSVersion            = "18.04 LTS"
	HardwarePlatformName = "PC"
)

// Values of the device defender demo.
const (
	DemoMQTTBrokerEndpoint   = AWSIoTEndpoint
	DemoMQTTBrokerPort       = 8883
	DemoRootCAPEM            = "C:/Users/johnrhen/certificates/AmazonRootCA1.crt"
	DemoClientCertificatePEM = "C:/Users/johnrhen/certificates/device.pem.crt"
	DemoClientPrivateKeyPEM  = "C:/Users/johnrhen/certificates/private.pem.key"
	DemoClientIdentifier     = DeviceSerialNumber

	DemoOSName               = "FreeRTOS"
	DemoOSVersion            = KernelVersionNumber
	DemoHardwarePlatformName = "WinSim"

	// DemoNetworkBufferSize in bytes.
	DemoNetworkBufferSize = 1024

	OpenTCPPortsArraySize           = 10
	OpenUDPPortsArraySize           = 10
	EstablishedConnectionsArraySize = 10
	CustomMetricsTasksArraySize     = 10

	// DeviceMetricsReportBufferSize is the maximum size in bytes of a serialized report.
	DeviceMetricsReportBufferSize = 1000

	DeviceMetricsReportMajorVersion = 1
	DeviceMetricsReportMinorVersion = 0
)

// KernelVersionNumber is the version of the kernel the device defender demo was released with.
const KernelVersionNumber = "V10.4.3"

// MQTT library identification.
const (
	MQTTLibraryName    = "paho.mqtt.golang"
	MQTTLibraryVersion = "1.5.0"

	// CoreMQTTLibPrefix is the library string of the embedded C client the demo values were
	// written for, its version is appended by that client.
	CoreMQTTLibPrefix = "core-mqtt@"
)

// MQTTLib identifies the MQTT client of this module in the SDK metrics user name.
var MQTTLib = LibraryString(MQTTLibraryName, MQTTLibraryVersion)

// Supported broker ports.
const (
	PortMQTTOverTLS = 8883
	PortALPN        = 443
)

// ALPNProtocolName is negotiated with the broker when connecting on port 443.
const ALPNProtocolName = "x-amzn-mqtt-ca"

// LibraryString identifies a library as name@version.
func LibraryString(name, version string) string {
	return name + "@" + version
}
