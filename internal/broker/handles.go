package broker

import (
	"context"
)

// ConsumerDialer opens low-level consumer group members. The kafka-go
// implementation is Kafka; tests use fakes.
type ConsumerDialer interface {
	DialConsumer(ctx context.Context, topic, groupID string) (ConsumerHandle, error)
}

// ConsumerHandle is one established consumer group membership for a topic.
type ConsumerHandle interface {
	// Next blocks until the group is (re)balanced and returns the new
	// generation. It returns ErrHandleClosed after Close.
	Next(ctx context.Context) (Generation, error)
	// Errors carries asynchronous broker errors from the fetch path.
	Errors() <-chan error
	// LatestOffsets asks the broker for the latest offset of each partition.
	// The result may hold several entries for the same partition.
	LatestOffsets(ctx context.Context, partitions []int) ([]PartitionOffset, error)
	Close() error
}

// Generation is a single rebalance outcome: the partitions assigned to this
// member and the means to commit and consume them.
type Generation interface {
	// Offsets maps each assigned partition to its committed start offset.
	Offsets() map[int]int64
	// Commit synchronously commits offsets for the assigned partitions.
	Commit(ctx context.Context, offsets map[int]int64) error
	// Consume starts reading the given partitions from the given offsets and
	// hands every record to deliver until the generation ends. It does not
	// block.
	Consume(offsets map[int]int64, deliver func(Message))
}

// PartitionOffset is one answer to a latest-offset request.
type PartitionOffset struct {
	Partition int
	Offset    int64
}

// ProducerDialer acquires a ready producer handle. It returns when the broker
// signalled readiness or the context ends.
type ProducerDialer interface {
	DialProducer(ctx context.Context) (ProducerHandle, error)
}

// ProducerHandle writes records to the broker.
type ProducerHandle interface {
	Send(ctx context.Context, msgs []Message) error
	Close() error
}
