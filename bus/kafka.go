package bus

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/xerrors"
)

// kafkaDriver 发布复用连接器的共享 client；
// 每个订阅创建独立 client 直连全部分区，从最新位点开始，实现广播。
type kafkaDriver struct {
	conn   connector.KafkaConnector
	logger clog.Logger
	subs   subSet
}

func newKafkaDriver(conn connector.KafkaConnector, logger clog.Logger) *kafkaDriver {
	return &kafkaDriver{conn: conn, logger: logger}
}

func (d *kafkaDriver) publish(ctx context.Context, subject string, data []byte) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	client := d.conn.GetClient()
	if client == nil {
		return connector.ErrClientNil
	}
	return client.ProduceSync(ctx, &kgo.Record{Topic: subject, Value: data}).FirstErr()
}

func (d *kafkaDriver) subscribe(ctx context.Context, subject string, deliver func(context.Context, Message)) (Subscription, error) {
	opts := connector.KafkaClientOptions(d.conn.Config(), d.logger)
	opts = append(opts,
		kgo.ConsumeTopics(subject),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "create kafka consumer")
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &kafkaSub{driver: d, client: client, cancel: cancel, done: make(chan struct{})}
	if !d.subs.add(s) {
		cancel()
		client.Close()
		return nil, ErrClosed
	}

	go func() {
		defer close(s.done)
		for {
			fetches := client.PollFetches(pollCtx)
			if fetches.IsClientClosed() || pollCtx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				d.logger.Warn("kafka poll error",
					clog.String("topic", topic), clog.Int("partition", int(partition)), clog.Error(err))
			})
			if len(fetches.Errors()) > 0 {
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			fetches.EachRecord(func(r *kgo.Record) {
				deliver(pollCtx, &message{subject: r.Topic, data: r.Value})
			})
		}
	}()
	return s, nil
}

func (d *kafkaDriver) close() error {
	return d.subs.closeAll()
}

type kafkaSub struct {
	driver *kafkaDriver
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *kafkaSub) Unsubscribe() error {
	s.once.Do(func() {
		s.driver.subs.remove(s)
		s.cancel()
		<-s.done
		s.client.Close()
	})
	return nil
}
