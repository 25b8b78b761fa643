package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/xerrors"
)

// natsDriver NATS Core 发布订阅，发后即忘
type natsDriver struct {
	conn   connector.NATSConnector
	logger clog.Logger
	subs   subSet
}

func newNATSDriver(conn connector.NATSConnector, logger clog.Logger) *natsDriver {
	return &natsDriver{conn: conn, logger: logger}
}

func (d *natsDriver) publish(_ context.Context, subject string, data []byte) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	nc := d.conn.GetClient()
	if nc == nil {
		return connector.ErrClientNil
	}
	return nc.Publish(subject, data)
}

func (d *natsDriver) subscribe(ctx context.Context, subject string, deliver func(context.Context, Message)) (Subscription, error) {
	nc := d.conn.GetClient()
	if nc == nil {
		return nil, connector.ErrClientNil
	}

	msgCtx := context.WithoutCancel(ctx)
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		deliver(msgCtx, &message{subject: m.Subject, data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	// 确保服务端已登记订阅，避免紧随其后的发布丢失
	if err := nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, xerrors.Wrap(err, "flush subscription")
	}

	s := &natsSub{driver: d, sub: sub}
	if !d.subs.add(s) {
		_ = sub.Unsubscribe()
		return nil, ErrClosed
	}
	return s, nil
}

func (d *natsDriver) close() error {
	return d.subs.closeAll()
}

type natsSub struct {
	driver *natsDriver
	sub    *nats.Subscription
	once   sync.Once
}

func (s *natsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.driver.subs.remove(s)
		if uerr := s.sub.Unsubscribe(); uerr != nil && !xerrors.Is(uerr, nats.ErrConnectionClosed) {
			err = uerr
		}
	})
	return err
}
