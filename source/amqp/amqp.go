// Package amqp consumes product snapshots from RabbitMQ queues.
package amqp

import (
	"context"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vitrinelabs/vitrine/source"
)

// SourceType is the registry name of this adapter.
const SourceType = "amqp"

// Options configures an AMQP source.
type Options struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
	Durable    bool
	AutoAck    bool
}

// Source consumes one AMQP queue.
type Source struct {
	sourceID string
	opts     Options

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	envChan  chan *source.Envelope
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New builds an AMQP source.
func New(sourceID string, opts Options) *Source {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	if opts.Queue == "" {
		opts.Queue = "vitrine." + sourceID
	}
	return &Source{
		sourceID: sourceID,
		opts:     opts,
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

// Start connects, declares the topology and launches the consume loop.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return source.NewError(s.sourceID, "start", fmt.Errorf("already started"))
	}
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}

	conn, err := amqp.Dial(s.opts.URL)
	if err != nil {
		return source.NewError(s.sourceID, "dial", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return source.NewError(s.sourceID, "open channel", err)
	}
	if err := channel.Qos(s.opts.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return source.NewError(s.sourceID, "set qos", err)
	}

	if s.opts.Exchange != "" {
		if err := channel.ExchangeDeclare(s.opts.Exchange, "topic", s.opts.Durable, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return source.NewError(s.sourceID, "declare exchange", err)
		}
	}
	queue, err := channel.QueueDeclare(s.opts.Queue, s.opts.Durable, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return source.NewError(s.sourceID, "declare queue", err)
	}
	if s.opts.Exchange != "" {
		if err := channel.QueueBind(queue.Name, s.opts.RoutingKey, s.opts.Exchange, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return source.NewError(s.sourceID, "bind queue", err)
		}
	}

	deliveries, err := channel.Consume(queue.Name, "vitrine-"+s.sourceID, s.opts.AutoAck, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return source.NewError(s.sourceID, "consume", err)
	}

	s.conn = conn
	s.channel = channel
	s.started = true
	s.wg.Add(1)
	go s.consume(ctx, deliveries)
	return nil
}

func (s *Source) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()
	defer close(s.envChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			env := source.DecodeEnvelope(s.sourceID, delivery.Body)
			env.Metadata = map[string]string{
				"exchange":    delivery.Exchange,
				"routing_key": delivery.RoutingKey,
			}
			if delivery.MessageId != "" {
				env.TraceID = delivery.MessageId
			}

			select {
			case s.envChan <- env:
				if !s.opts.AutoAck {
					if err := delivery.Ack(false); err != nil {
						log.Printf("amqp source %s: ack: %v", s.sourceID, err)
					}
				}
			default:
				log.Printf("amqp source %s: envelope channel full, requeueing message", s.sourceID)
				if !s.opts.AutoAck {
					if err := delivery.Nack(false, true); err != nil {
						log.Printf("amqp source %s: nack: %v", s.sourceID, err)
					}
				}
			}
		}
	}
}

// Stop tears the connection down and waits for the consume loop.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopChan)
	channel, conn := s.channel, s.conn
	s.channel, s.conn = nil, nil
	s.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}

// HealthCheck verifies the connection is open.
func (s *Source) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.IsClosed() {
		return source.NewError(s.sourceID, "health", fmt.Errorf("connection closed"))
	}
	return nil
}

// Metadata describes this source instance.
func (s *Source) Metadata() source.Metadata {
	return source.Metadata{
		SourceID:    s.sourceID,
		SourceType:  SourceType,
		Description: "AMQP product snapshot consumer",
		Labels: map[string]string{
			"queue":    s.opts.Queue,
			"exchange": s.opts.Exchange,
		},
	}
}

// Factory builds AMQP sources from configuration.
type Factory struct{}

func (Factory) Type() string { return SourceType }

func (Factory) ValidateConfig(config *source.Config) error {
	if source.StringOption(config.Config, "url", "") == "" {
		return fmt.Errorf("amqp source %s: url is required", config.SourceID)
	}
	return nil
}

func (f Factory) Create(config *source.Config) (source.Source, error) {
	return New(config.SourceID, Options{
		URL:        source.StringOption(config.Config, "url", ""),
		Exchange:   source.StringOption(config.Config, "exchange", ""),
		Queue:      source.StringOption(config.Config, "queue", ""),
		RoutingKey: source.StringOption(config.Config, "routing_key", "#"),
		Prefetch:   source.IntOption(config.Config, "prefetch", 10),
		Durable:    source.BoolOption(config.Config, "durable", true),
		AutoAck:    source.BoolOption(config.Config, "auto_ack", false),
	}), nil
}

func init() {
	source.RegisterFactory(Factory{})
}
