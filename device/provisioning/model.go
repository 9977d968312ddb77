// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package provisioning

// CreateCertificateFromCsrRequest is published to request a certificate for a CSR
type CreateCertificateFromCsrRequest struct {
	CertificateSigningRequest string `json:"certificateSigningRequest"`
}

// CreateCertificateFromCsrResponse is the accepted answer to CreateCertificateFromCsrRequest
type CreateCertificateFromCsrResponse struct {
	CertificateID             string `json:"certificateId"`
	CertificatePem            string `json:"certificatePem"`
	CertificateOwnershipToken string `json:"certificateOwnershipToken"`
}

// RegisterThingRequest is published to register a thing with a provisioning template
type RegisterThingRequest struct {
	CertificateOwnershipToken string            `json:"certificateOwnershipToken"`
	Parameters                map[string]string `json:"parameters,omitempty"`
}

// RegisterThingResponse is the accepted answer to RegisterThingRequest
type RegisterThingResponse struct {
	DeviceConfiguration map[string]string `json:"deviceConfiguration,omitempty"`
	ThingName           string            `json:"thingName"`
}

// ErrorResponse is the payload of every rejected topic
type ErrorResponse struct {
	StatusCode   int    `json:"statusCode"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// SerialNumberParameter is the template parameter that carries the device serial number
const SerialNumberParameter = "SerialNumber"

const (
	createCertificateFromCsrTopic = "$aws/certificates/create-from-csr/json"
	acceptedSuffix                = "/accepted"
	rejectedSuffix                = "/rejected"
)

// CreateCertificateFromCsrTopic returns the request topic of the CreateCertificateFromCsr API
func CreateCertificateFromCsrTopic() string {
	return createCertificateFromCsrTopic
}

// RegisterThingTopic returns the request topic of the RegisterThing API for template
func RegisterThingTopic(template string) string {
	return "$aws/provisioning-templates/" + template + "/provision/json"
}

// AcceptedTopic returns the accepted response topic of a request topic
func AcceptedTopic(topic string) string {
	return topic + acceptedSuffix
}

// RejectedTopic returns the rejected response topic of a request topic
func RejectedTopic(topic string) string {
	return topic + rejectedSuffix
}
