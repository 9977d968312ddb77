// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import "context"

// MessageHandler is called for every message that arrives on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// MessageTransport is the MQTT interface consumed by the provisioning workflow and the
// device defender reporter. The transport package satisfies it.
type MessageTransport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
}
