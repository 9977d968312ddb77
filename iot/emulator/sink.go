// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
)

// Event types
const (
	EventThingRegistered = "thing_registered"
	EventReportAccepted  = "report_accepted"
	EventReportRejected  = "report_rejected"
)

// Event is emitted by the emulator for every registration and defender report
type Event struct {
	Type      string          `json:"type"`
	ThingName string          `json:"thingName"`
	ReportID  uint64          `json:"reportId,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink receives emulator events
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

// LogSink logs events
type LogSink struct{}

// Send implements Sink
func (LogSink) Send(ctx context.Context, event Event) error {
	logger.FromContext(ctx).WithFields(map[string]interface{}{
		"event":     event.Type,
		"thingName": event.ThingName,
		"reportId":  event.ReportID,
	}).Infoln("emulator event")
	return nil
}

// Close implements Sink
func (LogSink) Close() error { return nil }

// KafkaSink writes events to a kafka topic, keyed by thing name
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns a sink which writes to topic on brokers
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Send implements Sink
func (s *KafkaSink) Send(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ThingName),
		Value: value,
		Time:  event.Timestamp,
	})
}

// Close implements Sink
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// SQSAPI is the part of the SQS client used by SQSSink
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends events to an SQS queue
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

// NewSQSSink returns a sink which sends to queueURL
func NewSQSSink(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Send implements Sink
func (s *SQSSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}

// Close implements Sink
func (s *SQSSink) Close() error { return nil }

// MultiSink fans events out to several sinks
type MultiSink []Sink

// Send implements Sink. All sinks are called, errors are combined.
func (m MultiSink) Send(ctx context.Context, event Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Send(ctx, event))
	}
	return err
}

// Close implements Sink
func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
