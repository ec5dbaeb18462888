package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
)

// KafkaConfig holds connection settings for the kafka-go adapters.
type KafkaConfig struct {
	Brokers []string
	// DialTimeout bounds the reachability probe made before a handle is
	// handed out.
	DialTimeout time.Duration
	// CommitInterval is how often partition readers commit their position.
	CommitInterval time.Duration
	WriteTimeout   time.Duration
	Log            *zap.SugaredLogger
}

// Kafka implements ConsumerDialer and ProducerDialer with segmentio/kafka-go.
type Kafka struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	log    *zap.SugaredLogger
}

var (
	_ ConsumerDialer = (*Kafka)(nil)
	_ ProducerDialer = (*Kafka)(nil)
)

// NewKafka validates cfg and returns the dialer. It does not connect.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	return &Kafka{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: cfg.DialTimeout, DualStack: true},
		log:    cfg.Log,
	}, nil
}

// ping dials the brokers in order and succeeds on the first that answers.
func (k *Kafka) ping(ctx context.Context) error {
	var errs []error
	for _, addr := range k.cfg.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn.Close() //nolint:errcheck
		return nil
	}
	return fmt.Errorf("no broker reachable: %w", errors.Join(errs...))
}

// DialConsumer joins groupID for topic once a broker is reachable.
func (k *Kafka) DialConsumer(ctx context.Context, topic, groupID string) (ConsumerHandle, error) {
	if err := k.ping(ctx); err != nil {
		return nil, err
	}

	log := k.log.With("topic", topic, "group", groupID)
	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:      groupID,
		Brokers: k.cfg.Brokers,
		Dialer:  k.dialer,
		Topics:  []string{topic},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debugf("kafka group: "+msg, args...)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &kafkaConsumer{
		kafka:  k,
		topic:  topic,
		group:  group,
		client: &kafka.Client{Addr: kafka.TCP(k.cfg.Brokers...), Timeout: k.cfg.DialTimeout},
		errs:   make(chan error, 16),
		log:    log,
	}, nil
}

// DialProducer returns a synchronous writer once a broker is reachable.
func (k *Kafka) DialProducer(ctx context.Context) (ProducerHandle, error) {
	if err := k.ping(ctx); err != nil {
		return nil, err
	}
	return &kafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(k.cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: k.cfg.WriteTimeout,
			Async:        false,
		},
	}, nil
}

type kafkaConsumer struct {
	kafka  *Kafka
	topic  string
	group  *kafka.ConsumerGroup
	client *kafka.Client
	errs   chan error
	log    *zap.SugaredLogger
}

func (c *kafkaConsumer) Next(ctx context.Context) (Generation, error) {
	gen, err := c.group.Next(ctx)
	if err != nil {
		if errors.Is(err, kafka.ErrGroupClosed) {
			return nil, ErrHandleClosed
		}
		return nil, err
	}
	return &kafkaGeneration{consumer: c, gen: gen}, nil
}

func (c *kafkaConsumer) Errors() <-chan error { return c.errs }

func (c *kafkaConsumer) LatestOffsets(ctx context.Context, partitions []int) ([]PartitionOffset, error) {
	reqs := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		reqs = append(reqs, kafka.LastOffsetOf(p))
	}

	resp, err := c.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{c.topic: reqs},
	})
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}

	var out []PartitionOffset
	for _, po := range resp.Topics[c.topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("list offsets partition %d: %w", po.Partition, po.Error)
		}
		out = append(out, PartitionOffset{Partition: po.Partition, Offset: po.LastOffset})
	}
	return out, nil
}

func (c *kafkaConsumer) Close() error {
	return c.group.Close()
}

// report forwards a fetch error without blocking the reader.
func (c *kafkaConsumer) report(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warnw("kafka: error dropped, queue full", "error", err)
	}
}

type kafkaGeneration struct {
	consumer *kafkaConsumer
	gen      *kafka.Generation
}

func (g *kafkaGeneration) Offsets() map[int]int64 {
	out := make(map[int]int64)
	for _, a := range g.gen.Assignments[g.consumer.topic] {
		out[a.ID] = a.Offset
	}
	return out
}

func (g *kafkaGeneration) Commit(_ context.Context, offsets map[int]int64) error {
	return g.gen.CommitOffsets(map[string]map[int]int64{g.consumer.topic: offsets})
}

func (g *kafkaGeneration) Consume(offsets map[int]int64, deliver func(Message)) {
	for partition, offset := range offsets {
		partition, offset := partition, offset
		g.gen.Start(func(ctx context.Context) {
			g.readPartition(ctx, partition, offset, deliver)
		})
	}
}

// readPartition reads one partition until the generation ends, committing
// the next offset every CommitInterval and once more on exit.
func (g *kafkaGeneration) readPartition(ctx context.Context, partition int, offset int64, deliver func(Message)) {
	c := g.consumer
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.kafka.cfg.Brokers,
		Dialer:    c.kafka.dialer,
		Topic:     c.topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6, // 10MB
		MaxWait:   500 * time.Millisecond,
	})
	defer reader.Close()

	if err := reader.SetOffset(offset); err != nil {
		c.report(fmt.Errorf("set offset %d on partition %d: %w", offset, partition, err))
		return
	}

	next := int64(-1)
	lastCommit := time.Now()
	commit := func() {
		if next < 0 {
			return
		}
		if err := g.gen.CommitOffsets(map[string]map[int]int64{c.topic: {partition: next}}); err != nil {
			c.log.Debugw("kafka: commit failed", "partition", partition, "error", err)
		}
		lastCommit = time.Now()
	}
	defer commit()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.report(err)
			return
		}

		deliver(Message{
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Time:      msg.Time,
		})

		next = msg.Offset + 1
		if time.Since(lastCommit) >= c.kafka.cfg.CommitInterval {
			commit()
		}
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func (p *kafkaProducer) Send(ctx context.Context, msgs []Message) error {
	records := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, kafka.Message{
			Topic: m.Topic,
			Key:   []byte(m.Key),
			Value: m.Value,
			Time:  m.Time,
		})
	}
	if err := p.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
