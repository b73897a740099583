package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/objstash/objstash/job"
)

// FlushTimeout is the timeout in ms we give to our kafka producer to flush
// pending messages.
const FlushTimeout = 5000

// Backend delivers job events by producing to a Kafka topic.
type Backend struct {
	producer *kafka.Producer
	reports  chan job.Event
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer, given a set of options
// provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		if err := kafkaCfg.SetKey(k, v); err != nil {
			return err
		}
	}

	var err error
	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan job.Event)
	b.eventsWg = new(sync.WaitGroup)

	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream(ctx)
	}()

	return nil
}

// Notify produces a Kafka message to topic.
func (b *Backend) Notify(topic string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of emitted delivery events.
func (b *Backend) DeliveryReports() <-chan job.Event {
	return b.reports
}

// Stop gracefully terminates b after flushing any outstanding messages to
// Kafka. An error is returned if (and only if) not all messages were
// flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("after %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream iterates over the producer's Events channel, transforms
// each message back to a job event and enqueues it on b.reports.
func (b *Backend) transformStream(ctx context.Context) {
	for {
		select {
		case e, ok := <-b.producer.Events():
			if !ok {
				return
			}

			msg, ok := e.(*kafka.Message)
			if !ok {
				continue
			}

			var ev job.Event
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				ev.Delivered = false
				ev.DeliveryError = fmt.Sprintf("could not unmarshal value %s to a job event", msg.Value)
			} else {
				ev.Delivered = true
				ev.DeliveryError = ""
				if msg.TopicPartition.Error != nil {
					ev.Delivered = false
					ev.DeliveryError = msg.TopicPartition.Error.Error()
				}
			}

			b.reports <- ev
		case <-ctx.Done():
			return
		}
	}
}
