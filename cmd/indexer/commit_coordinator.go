package main

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	okafka "od-database/internal/kafka"
	"od-database/internal/logger"
)

// commitCoordinator buffers completed messages per partition and commits in offset order.
type commitCoordinator struct {
	reader     okafka.MessageReader
	commitCh   <-chan kafka.Message
	nextOffset map[int]int64                   // per partition: next offset we expect to commit
	pending    map[int]map[int64]kafka.Message // per partition: buffered messages keyed by offset
	mu         sync.Mutex                      // protects nextOffset and pending
	metrics    *indexerMetrics
	log        logger.Logger
}

// newCommitCoordinator creates a coordinator that receives completed messages on commitCh
// and commits them to the reader in per-partition offset order.
func newCommitCoordinator(reader okafka.MessageReader, commitCh <-chan kafka.Message, m *indexerMetrics, log logger.Logger) *commitCoordinator {
	if log == nil {
		log = logger.NewNop()
	}
	return &commitCoordinator{
		reader:     reader,
		commitCh:   commitCh,
		nextOffset: make(map[int]int64),
		pending:    make(map[int]map[int64]kafka.Message),
		metrics:    m,
		log:        log,
	}
}

// run receives messages from commitCh and drains contiguous offsets per
// partition. Exits on ctx cancellation or when commitCh is closed.
func (c *commitCoordinator) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.flush(ctx)
			return
		case msg, ok := <-c.commitCh:
			if !ok {
				c.flush(ctx)
				return
			}
			c.enqueue(msg)
			c.drain(ctx, msg.Partition)
		}
	}
}

// track records the first offset fetched on a partition. The fetch loop calls
// it before dispatch so out-of-order completions can't move the start forward.
func (c *commitCoordinator) track(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.nextOffset[msg.Partition]; !exists {
		c.nextOffset[msg.Partition] = msg.Offset
	}
}

// enqueue adds a completed message to the buffer for its partition.
// Offsets below the commit point are already covered and dropped.
func (c *commitCoordinator) enqueue(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := msg.Partition
	off := msg.Offset
	next, exists := c.nextOffset[p]
	if exists && off < next {
		return
	}
	if !exists {
		c.nextOffset[p] = off
	}
	if c.pending[p] == nil {
		c.pending[p] = make(map[int64]kafka.Message)
	}
	c.pending[p][off] = msg
	c.metrics.pendingAdd(1)
}

// commitNext commits the next contiguous message for the given partition.
// Caller must hold c.mu; it is released during CommitMessages.
// On failure nextOffset is not advanced so a later drain retries the same message.
func (c *commitCoordinator) commitNext(ctx context.Context, partition int, msg string) bool {
	next := c.nextOffset[partition]
	m, ok := c.pending[partition][next]
	if !ok {
		return false
	}
	delete(c.pending[partition], next)
	c.metrics.pendingAdd(-1)
	c.mu.Unlock()
	start := time.Now()
	err := c.reader.CommitMessages(ctx, m)
	c.metrics.observeCommit(time.Since(start), err)
	c.mu.Lock()
	if err != nil {
		c.log.Error(msg, logger.Int("partition", partition), logger.Int64("offset", next), logger.Error(err))
		c.pending[partition][next] = m
		c.metrics.pendingAdd(1)
		return false
	}
	c.nextOffset[partition] = next + 1
	return true
}

// drain commits all contiguous offsets for the given partition, starting from nextOffset.
func (c *commitCoordinator) drain(ctx context.Context, partition int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.commitNext(ctx, partition, "commit error") {
	}
}

// flush commits any remaining contiguous messages on shutdown.
func (c *commitCoordinator) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.pending {
		for c.commitNext(ctx, p, "commit flush error") {
		}
	}
}
