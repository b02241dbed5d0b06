package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/quakeflow/quakeflow/internal/broadcast"
	"github.com/quakeflow/quakeflow/internal/compare"
	"github.com/quakeflow/quakeflow/internal/correlate"
	"github.com/quakeflow/quakeflow/internal/jsoncodec"
	loggingpkg "github.com/quakeflow/quakeflow/internal/logging"
	"github.com/quakeflow/quakeflow/internal/schema"
)

// persistTimeout bounds one group's persistence write so a stalled database
// cannot pin finalizer goroutines past the shutdown grace period.
const persistTimeout = 5 * time.Second

// registerDispatchHandlers attaches the single dispatch loop to every input
// topic: the waveform topic relays, the detection topics feed the cache.
func (s *Service) registerDispatchHandlers() {
	s.router.AddNoPublisherHandler(
		"waveform_relay",
		s.Conf.WaveformTopic,
		s.subscriber,
		s.handleWaveform,
	)

	for _, topic := range s.Conf.DetectionTopics() {
		s.router.AddNoPublisherHandler(
			"detection_correlate:"+topic,
			topic,
			s.subscriber,
			s.handleDetection(topic),
		)
	}
}

// handleWaveform relays one waveform message to live subscribers, capping the
// sample payload. Malformed messages are dropped; the loop never stops for
// one bad document.
func (s *Service) handleWaveform(msg *message.Message) error {
	topic := s.Conf.WaveformTopic

	var wf schema.WaveformMessage
	if err := jsoncodec.Unmarshal(msg.Payload, &wf); err != nil {
		s.dropMessage(topic, "decode", msg, err)
		return nil
	}
	if err := wf.Validate(); err != nil {
		s.dropMessage(topic, "schema", msg, err)
		return nil
	}
	s.metrics.MessagesConsumed.WithLabelValues(topic).Inc()

	envelope := schema.NewWaveformEnvelope(wf, s.Conf.MaxWaveformSamples)
	payload, err := jsoncodec.Marshal(envelope)
	if err != nil {
		s.Logger.Error("Failed to encode waveform envelope", err, loggingpkg.LogFields{
			"event_id": wf.EventID,
		})
		return nil
	}

	s.broadcaster.Broadcast(payload, broadcast.TopicWaveforms)
	return nil
}

// handleDetection folds one producer's record into the correlation cache and
// finalises the group when it completes. Finalisation is offloaded so the
// loop keeps consuming messages for unrelated events.
func (s *Service) handleDetection(topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var rec schema.DetectionRecord
		if err := jsoncodec.Unmarshal(msg.Payload, &rec); err != nil {
			s.dropMessage(topic, "decode", msg, err)
			return nil
		}
		if err := rec.Validate(); err != nil {
			s.dropMessage(topic, "schema", msg, err)
			return nil
		}

		group, complete, err := s.cache.Observe(rec)
		if err != nil {
			s.dropMessage(topic, "unknown_producer", msg, err)
			return nil
		}
		s.metrics.MessagesConsumed.WithLabelValues(topic).Inc()

		if complete {
			s.finalizers.Add(1)
			go s.finalizeGroup(group)
		}
		return nil
	}
}

// finalizeGroup runs the completion path for one group: comparison, then
// persistence and broadcast. The two outputs are independent best-effort
// steps; a failure in one never suppresses the other.
func (s *Service) finalizeGroup(group correlate.Group) {
	defer s.finalizers.Done()

	logger := s.Logger.With(loggingpkg.LogFields{"event_id": group.EventID})
	summary := compare.Compare(group.Members)

	switch {
	case summary.AnomalousSize:
		s.metrics.AnomalousGroups.Inc()
		logger.Error("Anomalous group size, skipping persistence", nil, loggingpkg.LogFields{
			"members": len(group.Members),
		})
	case s.store != nil:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.store.SaveGroup(ctx, group.Members, summary); err != nil {
			s.metrics.PersistFailures.Inc()
			logger.Error("Failed to persist completed group", err, nil)
		}
		cancel()
	}

	envelope := schema.NewDetectionEnvelope(group.EventID, group.Members, summary)
	payload, err := jsoncodec.Marshal(envelope)
	if err != nil {
		logger.Error("Failed to encode detection envelope", err, nil)
	} else {
		s.broadcaster.Broadcast(payload, broadcast.TopicDetections)
	}

	s.metrics.GroupsCompleted.Inc()
	logger.Info("Broadcasted complete detection", loggingpkg.LogFields{
		"agreement": summary.Agreement,
		"members":   len(group.Members),
	})
}

// onEvictedGroup reports an incomplete group removed by the idle sweep. This
// is an unmatched-event monitoring signal, not an error, and nothing reaches
// subscribers.
func (s *Service) onEvictedGroup(group correlate.Group) {
	s.metrics.GroupsEvicted.Inc()

	received := make([]string, 0, len(group.Members))
	for name := range group.Members {
		received = append(received, name)
	}
	s.Logger.Info("Evicted incomplete correlation group", loggingpkg.LogFields{
		"event_id": group.EventID,
		"received": received,
		"age":      time.Since(group.CreatedAt).String(),
	})
}

func (s *Service) dropMessage(topic, reason string, msg *message.Message, err error) {
	s.metrics.MessagesDropped.WithLabelValues(topic, reason).Inc()
	s.Logger.Error("Dropping message", err, loggingpkg.LogFields{
		"topic":        topic,
		"reason":       reason,
		"message_uuid": msg.UUID,
	})
}
