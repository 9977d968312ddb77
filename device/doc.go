// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package device contains the device side of the fleet provisioning demo

The subpackages are

	credentials:  loads PEM credentials into TLS configurations and generates CSRs
	transport:    the MQTT connection to the broker
	provisioning: the fleet provisioning by claim workflow with a CSR
	certstore:    persistence of the provisioned certificate and key
	defender:     device defender metrics reports
	demo:         the demo sequence tying everything together

The provisioning workflow and the defender reporter do not depend on the transport
directly, they use the MessageTransport interface.
*/
package device
