package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/quakeflow/quakeflow/transport"
)

type stubConfig struct {
	natsURL string
}

func (c stubConfig) GetPubSubSystem() string       { return TransportName }
func (c stubConfig) GetNATSURL() string            { return c.natsURL }
func (c stubConfig) GetKafkaBrokers() []string     { return nil }
func (c stubConfig) GetKafkaConsumerGroup() string { return "" }
func (c stubConfig) GetRabbitMQURL() string        { return "" }
func (c stubConfig) GetHTTPServerAddress() string  { return "" }
func (c stubConfig) GetHTTPPublisherURL() string   { return "" }

type stubPublisher struct{}

func (stubPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (stubPublisher) Close() error                                             { return nil }

type stubSubscriber struct{}

func (stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return nil, nil
}
func (stubSubscriber) Close() error { return nil }

func TestRegistersItself(t *testing.T) {
	if !transport.DefaultRegistry.Has(TransportName) {
		t.Fatal("nats transport not registered")
	}
}

func TestBuildPassesConfigToFactories(t *testing.T) {
	origPub := PublisherFactory
	origSub := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})

	const url = "nats://localhost:4222"
	pub := stubPublisher{}
	sub := stubSubscriber{}

	PublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		if cfg.URL != url {
			t.Errorf("publisher URL = %q", cfg.URL)
		}
		if len(cfg.NatsOptions) == 0 {
			t.Error("expected reconnect options on publisher")
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		if cfg.URL != url {
			t.Errorf("subscriber URL = %q", cfg.URL)
		}
		if len(cfg.NatsOptions) == 0 {
			t.Error("expected reconnect options on subscriber")
		}
		return sub, nil
	}

	tr, err := Build(context.Background(), stubConfig{natsURL: url}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tr.Publisher != pub || tr.Subscriber != sub {
		t.Error("factories' results not used")
	}
}

func TestBuildPropagatesFactoryErrors(t *testing.T) {
	origPub := PublisherFactory
	t.Cleanup(func() { PublisherFactory = origPub })

	boom := errors.New("connect refused")
	PublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, boom
	}

	_, err := Build(context.Background(), stubConfig{natsURL: "nats://localhost:4222"}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
