package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

// StreamSink appends records to a RabbitMQ stream.
type StreamSink struct {
	env      *stream.Environment
	producer *stream.Producer
}

func NewStreamSink(uri, streamName string) (*StreamSink, error) {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream broker: %w", err)
	}

	err = env.DeclareStream(streamName,
		stream.NewStreamOptions().SetMaxLengthBytes(stream.ByteCapacity{}.GB(2)))
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		_ = env.Close()
		return nil, fmt.Errorf("failed to declare stream %s: %w", streamName, err)
	}

	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &StreamSink{env: env, producer: producer}, nil
}

func (s *StreamSink) Send(_ context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.producer.Send(amqp.NewMessage(body)); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (s *StreamSink) Close() error {
	return errors.Join(s.producer.Close(), s.env.Close())
}
