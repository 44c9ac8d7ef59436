package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

// StreamPublisher appends JSON events to a RabbitMQ stream.
type StreamPublisher struct {
	env      *stream.Environment
	producer *stream.Producer
}

func NewStreamPublisher(uri, streamName string) (*StreamPublisher, error) {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	err = env.DeclareStream(streamName, &stream.StreamOptions{
		MaxLengthBytes: stream.ByteCapacity{}.GB(2),
	})
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		env.Close()
		return nil, fmt.Errorf("failed to declare stream %s: %w", streamName, err)
	}

	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &StreamPublisher{env: env, producer: producer}, nil
}

// Publish sends body to the stream. The routing key is carried as an
// application property since streams have no routing.
func (p *StreamPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	msg := amqp.NewMessage(payload)
	msg.ApplicationProperties = map[string]any{"routing_key": routingKey}
	if err := p.producer.Send(msg); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (p *StreamPublisher) Close() {
	if p.producer != nil {
		p.producer.Close()
	}
	if p.env != nil {
		p.env.Close()
	}
}
