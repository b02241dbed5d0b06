package channel

import (
	"context"
	"testing"

	"github.com/quakeflow/quakeflow/transport"
)

type stubConfig struct{}

func (stubConfig) GetPubSubSystem() string       { return TransportName }
func (stubConfig) GetNATSURL() string            { return "" }
func (stubConfig) GetKafkaBrokers() []string     { return nil }
func (stubConfig) GetKafkaConsumerGroup() string { return "" }
func (stubConfig) GetRabbitMQURL() string        { return "" }
func (stubConfig) GetHTTPServerAddress() string  { return "" }
func (stubConfig) GetHTTPPublisherURL() string   { return "" }

func TestRegistersItself(t *testing.T) {
	if !transport.DefaultRegistry.Has(TransportName) {
		t.Fatal("channel transport not registered")
	}
	caps := transport.DefaultRegistry.Capabilities(TransportName)
	if !caps.SupportsOrdering || !caps.SupportsAck {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}

func TestBuild(t *testing.T) {
	tr, err := Build(context.Background(), stubConfig{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		t.Fatal("publisher and subscriber must be set")
	}
	// gochannel serves both roles from one pub/sub.
	if any(tr.Publisher) != any(tr.Subscriber) {
		t.Error("expected publisher and subscriber to share the channel pub/sub")
	}
}
