// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package defender

import (
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/core/schema"
)

// ErrReportTooLarge is returned when the serialized report exceeds the report buffer
var ErrReportTooLarge = errors.New("report exceeds report buffer size")

// ReportSchemaID is the $id of the report schema
const ReportSchemaID = "https://relabs.tech/schemas/defender-report.json"

//go:embed schemas
var schemaFS embed.FS

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// Validator returns the validator for the report schema
func Validator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidatorFromFS(schemaFS, "schemas")
		if validatorErr == nil && !validator.HasSchema(ReportSchemaID) {
			validator, validatorErr = nil, fmt.Errorf("schema %s is missing", ReportSchemaID)
		}
	})
	return validator, validatorErr
}

// Capacities bound the number of entries of a report
type Capacities struct {
	OpenTCPPorts           uint
	OpenUDPPorts           uint
	EstablishedConnections uint
	CustomMetricsTasks     uint
	// ReportBufferSize is the maximum size of a serialized report in bytes
	ReportBufferSize uint
}

// CapacitiesFromSettings returns the capacities configured in s
func CapacitiesFromSettings(s *config.Settings) Capacities {
	return Capacities{
		OpenTCPPorts:           s.Metrics.OpenTCPPortsArraySize,
		OpenUDPPorts:           s.Metrics.OpenUDPPortsArraySize,
		EstablishedConnections: s.Metrics.EstablishedConnectionsArraySize,
		CustomMetricsTasks:     s.Metrics.CustomMetricsTasksArraySize,
		ReportBufferSize:       s.Metrics.ReportBufferSize,
	}
}

// ReportBuilder turns metrics into serialized reports
type ReportBuilder struct {
	capacities Capacities
	version    string
	validator  *schema.Validator
}

// NewReportBuilder returns a builder for reports of the given "major.minor" version
func NewReportBuilder(capacities Capacities, version string) (*ReportBuilder, error) {
	v, err := Validator()
	if err != nil {
		return nil, fmt.Errorf("cannot load report schema: %w", err)
	}
	return &ReportBuilder{
		capacities: capacities,
		version:    version,
		validator:  v,
	}, nil
}

// NewReportBuilderFromSettings returns a builder configured by s
func NewReportBuilderFromSettings(s *config.Settings) (*ReportBuilder, error) {
	return NewReportBuilder(CapacitiesFromSettings(s), s.ReportVersion())
}

// Report assembles the report with reportID from metrics. Lists longer than their capacity are
// truncated; the totals keep the real counts.
func (b *ReportBuilder) Report(m *Metrics, reportID uint64) *Report {
	tcpPorts := truncate(m.OpenTCPPorts, b.capacities.OpenTCPPorts)
	udpPorts := truncate(m.OpenUDPPorts, b.capacities.OpenUDPPorts)
	connections := truncate(m.EstablishedConnections, b.capacities.EstablishedConnections)
	tasks := truncate(m.TaskNumbers, b.capacities.CustomMetricsTasks)
	highWaterMark := m.StackHighWaterMark

	return &Report{
		Header: Header{ReportID: reportID, Version: b.version},
		Metrics: ReportMetrics{
			ListeningTCPPorts: PortList{Ports: tcpPorts, Total: len(m.OpenTCPPorts)},
			ListeningUDPPorts: PortList{Ports: udpPorts, Total: len(m.OpenUDPPorts)},
			NetworkStats:      m.NetworkStats,
			TCPConnections: TCPConnections{
				EstablishedConnections: ConnectionList{Connections: connections, Total: len(m.EstablishedConnections)},
			},
		},
		CustomMetrics: map[string][]CustomMetric{
			CustomMetricStackHighWaterMark: {{Number: &highWaterMark}},
			CustomMetricTaskNumbers:        {{NumberList: tasks}},
		},
	}
}

// Build assembles, serializes and validates the report with reportID from metrics.
func (b *ReportBuilder) Build(m *Metrics, reportID uint64) ([]byte, error) {
	data, err := json.Marshal(b.Report(m, reportID))
	if err != nil {
		return nil, err
	}
	if uint(len(data)) > b.capacities.ReportBufferSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrReportTooLarge, len(data), b.capacities.ReportBufferSize)
	}
	if err := b.validator.ValidateBytes(data, ReportSchemaID); err != nil {
		return nil, err
	}
	return data, nil
}

func truncate[T any](list []T, capacity uint) []T {
	if uint(len(list)) > capacity {
		list = list[:capacity]
	}
	result := make([]T, len(list))
	copy(result, list)
	return result
}
