package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/xerrors"
)

// redisDriver Redis Pub/Sub，所有订阅连接都会收到消息
type redisDriver struct {
	conn   connector.RedisConnector
	logger clog.Logger
	subs   subSet
}

func newRedisDriver(conn connector.RedisConnector, logger clog.Logger) *redisDriver {
	return &redisDriver{conn: conn, logger: logger}
}

func (d *redisDriver) publish(ctx context.Context, subject string, data []byte) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	client := d.conn.GetClient()
	if client == nil {
		return connector.ErrClientNil
	}
	return client.Publish(ctx, subject, data).Err()
}

func (d *redisDriver) subscribe(ctx context.Context, subject string, deliver func(context.Context, Message)) (Subscription, error) {
	client := d.conn.GetClient()
	if client == nil {
		return nil, connector.ErrClientNil
	}

	ps := client.Subscribe(ctx, subject)
	// 等待订阅确认
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, xerrors.Wrap(err, "redis subscribe")
	}

	s := &redisSub{driver: d, ps: ps, done: make(chan struct{})}
	if !d.subs.add(s) {
		_ = ps.Close()
		return nil, ErrClosed
	}

	msgCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(s.done)
		for m := range ps.Channel() {
			deliver(msgCtx, &message{subject: m.Channel, data: []byte(m.Payload)})
		}
	}()
	return s, nil
}

func (d *redisDriver) close() error {
	return d.subs.closeAll()
}

type redisSub struct {
	driver *redisDriver
	ps     *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.driver.subs.remove(s)
		err = s.ps.Close()
		<-s.done
		if err != nil {
			s.driver.logger.Debug("close pubsub", clog.Error(err))
		}
	})
	return err
}
