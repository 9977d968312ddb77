// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package defender

// Port is a listening port
type Port struct {
	Port      uint32 `json:"pt"`
	Interface string `json:"if,omitempty"`
}

// Connection is an established TCP connection
type Connection struct {
	LocalInterface string `json:"li,omitempty"`
	LocalPort      uint32 `json:"lp"`
	RemoteAddr     string `json:"rad"`
}

// NetworkStats are the interface counters of the device
type NetworkStats struct {
	BytesIn    uint64 `json:"bi"`
	BytesOut   uint64 `json:"bo"`
	PacketsIn  uint64 `json:"pi"`
	PacketsOut uint64 `json:"po"`
}

// Metrics is a snapshot of the device state
type Metrics struct {
	NetworkStats           NetworkStats
	OpenTCPPorts           []Port
	OpenUDPPorts           []Port
	EstablishedConnections []Connection
	// TaskNumbers identify the tasks running on the device
	TaskNumbers []uint32
	// StackHighWaterMark is the stack usage of the reporting task in bytes
	StackHighWaterMark uint64
}

// Report is the device defender metrics report. It is serialized with the short key names of
// the AWS IoT Device Defender report format, which keeps a report filled to the configured
// capacities within the report buffer.
type Report struct {
	Header        Header                    `json:"hed"`
	Metrics       ReportMetrics             `json:"met"`
	CustomMetrics map[string][]CustomMetric `json:"cmet,omitempty"`
}

// Header identifies a report
type Header struct {
	ReportID uint64 `json:"rid"`
	Version  string `json:"v"`
}

// ReportMetrics are the cloud side metrics of a report
type ReportMetrics struct {
	ListeningTCPPorts PortList       `json:"tp"`
	ListeningUDPPorts PortList       `json:"up"`
	NetworkStats      NetworkStats   `json:"ns"`
	TCPConnections    TCPConnections `json:"tc"`
}

// PortList carries at most the configured number of ports, Total is the real count
type PortList struct {
	Ports []Port `json:"pts"`
	Total int    `json:"t"`
}

// TCPConnections wraps the established connections
type TCPConnections struct {
	EstablishedConnections ConnectionList `json:"ec"`
}

// ConnectionList carries at most the configured number of connections, Total is the real count
type ConnectionList struct {
	Connections []Connection `json:"cs"`
	Total       int          `json:"t"`
}

// CustomMetric is a single value of a custom metric
type CustomMetric struct {
	Number     *uint64  `json:"number,omitempty"`
	NumberList []uint32 `json:"number_list,omitempty"`
}

// Custom metric names
const (
	CustomMetricStackHighWaterMark = "stack_high_water_mark"
	CustomMetricTaskNumbers        = "task_numbers"
)

// Response is the answer of the service to a report
type Response struct {
	ThingName     string         `json:"thingName"`
	ReportID      uint64         `json:"reportId"`
	Status        string         `json:"status"`
	Timestamp     int64          `json:"timestamp"`
	StatusDetails *StatusDetails `json:"statusDetails,omitempty"`
}

// StatusDetails explain a rejection
type StatusDetails struct {
	ErrorCode    string `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

// Report status values
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
)

// MetricsTopic returns the topic on which thingName publishes its reports
func MetricsTopic(thingName string) string {
	return "$aws/things/" + thingName + "/defender/metrics/json"
}

// AcceptedTopic returns the accepted response topic of thingName
func AcceptedTopic(thingName string) string {
	return MetricsTopic(thingName) + "/accepted"
}

// RejectedTopic returns the rejected response topic of thingName
func RejectedTopic(thingName string) string {
	return MetricsTopic(thingName) + "/rejected"
}
