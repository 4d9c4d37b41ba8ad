package export

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
)

// Exporter forwards High and Critical security events to a Kafka topic
// for downstream SIEM consumption. Publishing never blocks the request
// path; events that cannot be enqueued are dropped with a log line.
type Exporter struct {
	producer sarama.AsyncProducer
	topic    string
	minLevel models.ThreatLevel
}

// NewExporter builds a Kafka exporter. With no brokers configured it
// returns nil and export is disabled.
func NewExporter(brokers []string, topic string) (*Exporter, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	e := &Exporter{
		producer: producer,
		topic:    topic,
		minLevel: models.LevelHigh,
	}
	go e.drainErrors()

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Security event export enabled")
	return e, nil
}

// Publish enqueues an event for export. Events below the export level
// are ignored.
func (e *Exporter) Publish(event *models.SecurityEvent) {
	if e == nil || event.Level < e.minLevel {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to marshal security event for export")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(event.Source),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case e.producer.Input() <- msg:
	default:
		log.Warn().Str("event_id", event.ID.String()).Msg("Export queue full, dropping security event")
	}
}

func (e *Exporter) drainErrors() {
	for err := range e.producer.Errors() {
		log.Error().Err(err.Err).Str("topic", err.Msg.Topic).Msg("Security event export failed")
	}
}

func (e *Exporter) Close() error {
	if e == nil {
		return nil
	}
	return e.producer.Close()
}
