// Package kafka consumes product snapshot topics. Register by import:
//
//	import _ "github.com/vitrinelabs/vitrine/source/kafka"
package kafka

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vitrinelabs/vitrine/source"
)

// SourceType is the registry name of this adapter.
const SourceType = "kafka"

// Source consumes a Kafka topic and emits one envelope per message.
type Source struct {
	sourceID string
	reader   *kafka.Reader
	brokers  []string

	mu       sync.Mutex
	envChan  chan *source.Envelope
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New builds a Kafka source from validated configuration.
func New(sourceID string, brokers []string, topic, groupID string, minBytes, maxBytes int) *Source {
	if groupID == "" {
		groupID = "vitrine-" + sourceID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		CommitInterval: time.Second,
	})
	return &Source{
		sourceID: sourceID,
		reader:   reader,
		brokers:  brokers,
		stopChan: make(chan struct{}),
	}
}

// Subscribe returns the envelope channel.
func (s *Source) Subscribe(context.Context) (<-chan *source.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}
	return s.envChan, nil
}

// Start launches the consume loop.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return source.NewError(s.sourceID, "start", fmt.Errorf("already started"))
	}
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}
	s.started = true
	s.wg.Add(1)
	go s.consume(ctx)
	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.envChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			default:
			}
			log.Printf("kafka source %s: read message: %v", s.sourceID, err)
			continue
		}

		env := source.DecodeEnvelope(s.sourceID, msg.Value)
		env.Metadata = map[string]string{
			"topic":     msg.Topic,
			"partition": fmt.Sprintf("%d", msg.Partition),
			"offset":    fmt.Sprintf("%d", msg.Offset),
		}
		if len(msg.Key) > 0 && env.ProductID == "" {
			env.ProductID = string(msg.Key)
		}

		select {
		case s.envChan <- env:
		default:
			// Backpressure: dropping beats blocking the partition.
			log.Printf("kafka source %s: envelope channel full, dropping message at offset %d", s.sourceID, msg.Offset)
		}
	}
}

// Stop closes the reader and waits for the consume loop.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopChan)
	s.mu.Unlock()

	err := s.reader.Close()
	s.wg.Wait()
	if err != nil {
		return source.NewError(s.sourceID, "stop", err)
	}
	return nil
}

// HealthCheck dials the first broker.
func (s *Source) HealthCheck(ctx context.Context) error {
	if len(s.brokers) == 0 {
		return source.NewError(s.sourceID, "health", fmt.Errorf("no brokers configured"))
	}
	conn, err := kafka.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return source.NewError(s.sourceID, "health", err)
	}
	return conn.Close()
}

// Metadata describes this source instance.
func (s *Source) Metadata() source.Metadata {
	return source.Metadata{
		SourceID:    s.sourceID,
		SourceType:  SourceType,
		Description: "Kafka product snapshot consumer",
		Labels:      map[string]string{"topic": s.reader.Config().Topic},
	}
}

// Factory builds Kafka sources from configuration.
type Factory struct{}

func (Factory) Type() string { return SourceType }

func (Factory) ValidateConfig(config *source.Config) error {
	if len(source.StringsOption(config.Config, "brokers", nil)) == 0 {
		return fmt.Errorf("kafka source %s: brokers is required", config.SourceID)
	}
	if source.StringOption(config.Config, "topic", "") == "" {
		return fmt.Errorf("kafka source %s: topic is required", config.SourceID)
	}
	return nil
}

func (f Factory) Create(config *source.Config) (source.Source, error) {
	return New(
		config.SourceID,
		source.StringsOption(config.Config, "brokers", nil),
		source.StringOption(config.Config, "topic", ""),
		source.StringOption(config.Config, "group_id", ""),
		source.IntOption(config.Config, "min_bytes", 1e3),
		source.IntOption(config.Config, "max_bytes", 10e6),
	), nil
}

func init() {
	source.RegisterFactory(Factory{})
}
