// Package schema defines the wire contracts shared between the seismic
// producers, the dispatch loop, and live subscribers. Inbound messages are
// JSON documents published on the bus; outbound envelopes are the documents
// streamed to subscribers.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxRelaySamples bounds the number of waveform samples relayed to a
// subscriber. Full windows routinely exceed 30k samples; subscribers only
// need a preview.
const DefaultMaxRelaySamples = 1000

// Envelope discriminators for subscriber-facing messages.
const (
	EnvelopeTypeWaveform  = "waveform"
	EnvelopeTypeDetection = "detection"
)

// Station identifies the sensor that recorded a waveform window.
type Station struct {
	Network  string `json:"network"`
	Station  string `json:"station"`
	Location string `json:"location"`
	Channel  string `json:"channel"`
}

// WaveformPayload carries the raw samples of one waveform window.
type WaveformPayload struct {
	Data   []float64 `json:"data"`
	Length int       `json:"length"`
}

// WaveformMessage is the schema of messages on the waveform topic.
type WaveformMessage struct {
	EventID      string          `json:"event_id"`
	Timestamp    string          `json:"timestamp"`
	Station      Station         `json:"station"`
	Waveform     WaveformPayload `json:"waveform"`
	SamplingRate float64         `json:"sampling_rate"`
}

// Validate reports whether the message satisfies the waveform contract.
func (m *WaveformMessage) Validate() error {
	var errs []error
	if m.EventID == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if m.SamplingRate <= 0 {
		errs = append(errs, fmt.Errorf("sampling_rate must be positive, got %v", m.SamplingRate))
	}
	return errors.Join(errs...)
}

// Pick is a single phase pick reported by a detection producer. Time is an
// optional offset in seconds from the window start.
type Pick struct {
	Phase       string   `json:"phase"`
	Time        *float64 `json:"time,omitempty"`
	Probability float64  `json:"probability"`
}

// DetectionRecord is one producer's verdict for one physical event. It is
// both the wire schema of the detection topics and the unit held in the
// correlation cache. Records are never mutated after decoding.
type DetectionRecord struct {
	EventID            string          `json:"event_id"`
	ModelName          string          `json:"detection_model_name"`
	DetectionTimestamp string          `json:"detection_timestamp"`
	Detected           bool            `json:"detected"`
	Confidence         float64         `json:"confidence"`
	Threshold          float64         `json:"threshold"`
	ProcessingTimeMS   float64         `json:"processing_time_ms"`
	Picks              []Pick          `json:"picks"`
	Metadata           json.RawMessage `json:"detection_model_metadata"`
}

// Validate reports whether the record satisfies the detection contract.
func (r *DetectionRecord) Validate() error {
	var errs []error
	if r.EventID == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if r.ModelName == "" {
		errs = append(errs, errors.New("detection_model_name is required"))
	}
	if r.ProcessingTimeMS < 0 {
		errs = append(errs, fmt.Errorf("processing_time_ms must be >= 0, got %v", r.ProcessingTimeMS))
	}
	return errors.Join(errs...)
}

// ComparisonSummary is the agreement verdict over one completed correlation
// group. It is streamed to subscribers and partially persisted alongside each
// member record.
type ComparisonSummary struct {
	Agreement         bool     `json:"agreement"`
	AllDetected       bool     `json:"all_detected"`
	NoneDetected      bool     `json:"none_detected"`
	DisagreementSet   []string `json:"disagreement_set"`
	ConfidenceSpread  float64  `json:"confidence_spread"`
	AverageConfidence float64  `json:"average_confidence"`

	// AnomalousSize marks a summary computed over a group whose size the
	// comparison policy does not cover. Numeric fields are zeroed and
	// Agreement is forced false; consumers must not read it as a real verdict.
	AnomalousSize bool `json:"anomalous_size,omitempty"`
}

// WaveformEnvelope is the subscriber-facing relay of one waveform message.
type WaveformEnvelope struct {
	Type         string    `json:"type"`
	EventID      string    `json:"event_id"`
	Timestamp    string    `json:"timestamp"`
	Station      Station   `json:"station"`
	Data         []float64 `json:"data"`
	SamplingRate float64   `json:"sampling_rate"`
}

// NewWaveformEnvelope builds the relay envelope for a waveform message,
// capping the sample payload at maxSamples (DefaultMaxRelaySamples when
// maxSamples is not positive).
func NewWaveformEnvelope(m WaveformMessage, maxSamples int) WaveformEnvelope {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxRelaySamples
	}
	return WaveformEnvelope{
		Type:         EnvelopeTypeWaveform,
		EventID:      m.EventID,
		Timestamp:    m.Timestamp,
		Station:      m.Station,
		Data:         TruncateSamples(m.Waveform.Data, maxSamples),
		SamplingRate: m.SamplingRate,
	}
}

// TruncateSamples returns at most max leading samples, preserving order.
// Shorter slices are returned as-is, without copying.
func TruncateSamples(data []float64, max int) []float64 {
	if max <= 0 || len(data) <= max {
		return data
	}
	return data[:max:max]
}

// DetectionEnvelope is the subscriber-facing result of one completed
// correlation group: every producer's record plus the comparison verdict.
type DetectionEnvelope struct {
	Type       string                     `json:"type"`
	EventID    string                     `json:"event_id"`
	Timestamp  string                     `json:"timestamp"`
	Models     map[string]DetectionRecord `json:"models"`
	Comparison ComparisonSummary          `json:"comparison"`
}

// NewDetectionEnvelope builds the detection envelope for a completed group.
// The envelope timestamp is the latest detection timestamp reported by any
// member; if no member carries one, the current time is used.
func NewDetectionEnvelope(eventID string, members map[string]DetectionRecord, summary ComparisonSummary) DetectionEnvelope {
	var ts string
	for _, rec := range members {
		// ISO-8601 timestamps in a shared zone compare lexically.
		if rec.DetectionTimestamp > ts {
			ts = rec.DetectionTimestamp
		}
	}
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return DetectionEnvelope{
		Type:       EnvelopeTypeDetection,
		EventID:    eventID,
		Timestamp:  ts,
		Models:     members,
		Comparison: summary,
	}
}
