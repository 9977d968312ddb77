// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package emulator provides a local stand-in for the AWS IoT services used by fleet provisioning devices

It emulates three APIs on their reserved MQTT topics, JSON payload format only:

	$aws/certificates/create-from-csr/json
	$aws/provisioning-templates/{template}/provision/json
	$aws/things/{thing}/defender/metrics/json

Every request is answered on the request topic with the suffix /accepted or /rejected.

CreateCertificateFromCsr signs the device CSR with the emulator CA. The certificate id is the
hex encoded SHA-256 digest of the DER certificate. The answer carries a certificate ownership
token which is valid once and for a limited time.

RegisterThing consumes the ownership token and registers the thing. The thing name is the
thing name prefix of the template followed by the SerialNumber parameter.

Device defender reports are validated against the report schema, report ids must increase per
thing. Accepted reports are stored in the registry and forwarded to a Sink.

The Service is transport agnostic. The Broker serves it over MQTT with TLS client certificate
authentication (gmqtt), the Bus serves it in memory. The API exposes the registry via REST.
*/
package emulator
