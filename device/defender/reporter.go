// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package defender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/device"
)

// ErrResponseTimeout is returned when the service did not answer a report in time
var ErrResponseTimeout = errors.New("no response to metrics report")

// ReportRejectedError is returned when the service rejected a report
type ReportRejectedError struct {
	ReportID     uint64
	ErrorCode    string
	ErrorMessage string
}

func (e *ReportRejectedError) Error() string {
	return fmt.Sprintf("report %d rejected (%s): %s", e.ReportID, e.ErrorCode, e.ErrorMessage)
}

const defaultResponseTimeout = 10 * time.Second

// Reporter publishes metrics reports of a thing
type Reporter struct {
	transport       device.MessageTransport
	thingName       string
	collector       Collector
	builder         *ReportBuilder
	responseTimeout time.Duration

	mutex        sync.Mutex
	lastReportID uint64
	responses    chan Response
}

// ReporterBuilder is a builder helper for the Reporter
type ReporterBuilder struct {
	// Transport is a connection authenticated as the thing. This is mandatory.
	Transport device.MessageTransport
	// ThingName is the name of the thing. This is mandatory.
	ThingName string
	// Collector gathers the metrics. This is mandatory.
	Collector Collector
	// Builder builds the reports. This is mandatory.
	Builder *ReportBuilder
	// ResponseTimeout defaults to 10 seconds
	ResponseTimeout time.Duration
}

// MustNewReporter returns a new reporter
func MustNewReporter(b *ReporterBuilder) *Reporter {
	if b.Transport == nil {
		panic("Transport is missing")
	}
	if len(b.ThingName) == 0 {
		panic("thing name is missing")
	}
	if b.Collector == nil {
		panic("Collector is missing")
	}
	if b.Builder == nil {
		panic("Builder is missing")
	}
	timeout := b.ResponseTimeout
	if timeout == 0 {
		timeout = defaultResponseTimeout
	}
	return &Reporter{
		transport:       b.Transport,
		thingName:       b.ThingName,
		collector:       b.Collector,
		builder:         b.Builder,
		responseTimeout: timeout,
	}
}

// reportIDs issues the report ids of all reporters of the process
var reportIDs reportIDClock

// reportIDClock derives report ids from the millisecond clock, so they keep growing across
// restarts. Within a process an id is never issued twice, even when reporters of the same
// thing follow each other within a millisecond.
type reportIDClock struct {
	mutex sync.Mutex
	last  uint64
}

func (c *reportIDClock) next(now time.Time) uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	id := uint64(now.UnixMilli())
	if id <= c.last {
		id = c.last + 1
	}
	c.last = id
	return id
}

// nextReportID returns a report id larger than every id returned before
func (r *Reporter) nextReportID() uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id := reportIDs.next(time.Now())
	if id <= r.lastReportID {
		id = r.lastReportID + 1
	}
	r.lastReportID = id
	return id
}

// Start subscribes to the response topics. It must be called before Report.
func (r *Reporter) Start(ctx context.Context) error {
	r.mutex.Lock()
	r.responses = make(chan Response, 8)
	responses := r.responses
	r.mutex.Unlock()

	rlog := logger.FromContext(ctx)
	handler := func(topic string, payload []byte) {
		response := Response{}
		if err := json.Unmarshal(payload, &response); err != nil {
			rlog.WithError(err).Errorf("invalid response on %s", topic)
			return
		}
		select {
		case responses <- response:
		default:
			rlog.Warnf("dropping response for report %d", response.ReportID)
		}
	}
	if err := r.transport.Subscribe(ctx, AcceptedTopic(r.thingName), handler); err != nil {
		return err
	}
	return r.transport.Subscribe(ctx, RejectedTopic(r.thingName), handler)
}

// Stop removes the response subscriptions
func (r *Reporter) Stop(ctx context.Context) error {
	return r.transport.Unsubscribe(ctx, AcceptedTopic(r.thingName), RejectedTopic(r.thingName))
}

// Report collects, publishes and awaits the answer for a single report. It returns the id of
// the report.
func (r *Reporter) Report(ctx context.Context) (uint64, error) {
	r.mutex.Lock()
	responses := r.responses
	r.mutex.Unlock()
	if responses == nil {
		return 0, errors.New("reporter not started")
	}

	metrics, err := r.collector.Collect(ctx)
	if err != nil {
		return 0, err
	}
	reportID := r.nextReportID()
	payload, err := r.builder.Build(metrics, reportID)
	if err != nil {
		return reportID, err
	}

	rlog := logger.FromContext(ctx).WithField("report_id", reportID)
	rlog.Infof("publishing metrics report (%d bytes)", len(payload))
	if err := r.transport.Publish(ctx, MetricsTopic(r.thingName), payload); err != nil {
		return reportID, err
	}

	timer := time.NewTimer(r.responseTimeout)
	defer timer.Stop()
	for {
		select {
		case response := <-responses:
			if response.ReportID != reportID {
				rlog.Debugf("ignoring response for report %d", response.ReportID)
				continue
			}
			if response.Status != StatusAccepted {
				rejected := &ReportRejectedError{ReportID: reportID}
				if response.StatusDetails != nil {
					rejected.ErrorCode = response.StatusDetails.ErrorCode
					rejected.ErrorMessage = response.StatusDetails.ErrorMessage
				}
				return reportID, rejected
			}
			rlog.Infoln("metrics report accepted")
			return reportID, nil
		case <-timer.C:
			return reportID, fmt.Errorf("%w %d", ErrResponseTimeout, reportID)
		case <-ctx.Done():
			return reportID, ctx.Err()
		}
	}
}

// Run reports every interval until ctx is done. Failed reports are logged and do not stop
// the loop.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop(context.Background())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rlog := logger.FromContext(ctx)
	for {
		if _, err := r.Report(ctx); err != nil && ctx.Err() == nil {
			rlog.WithError(err).Errorln("metrics report failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
