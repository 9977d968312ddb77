// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the cloud side of the fleet provisioning demo

The emulator package implements the AWS IoT services a fleet provisioning device talks to:
certificate creation from a CSR, thing registration with a provisioning template and device
defender metrics reports. It is served by an MQTT broker with TLS client certificate
authentication or by an in-memory bus, and exposes its registry through a REST admin API.

Responses are published through a MessagePublisher, which both the broker and the bus satisfy.
*/
package iot
