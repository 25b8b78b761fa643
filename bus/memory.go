package bus

import (
	"context"
	"sync"

	"github.com/ceyewan/hms-plane/clog"
)

// memoryDriver 进程内广播，每个订阅者一个缓冲队列和投递协程
type memoryDriver struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool

	bufferSize int
	logger     clog.Logger
}

func newMemoryDriver(bufferSize int, logger clog.Logger) *memoryDriver {
	return &memoryDriver{
		subs:       make(map[string]map[*memorySub]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (d *memoryDriver) publish(_ context.Context, subject string, data []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	for s := range d.subs[subject] {
		msg := &message{subject: subject, data: append([]byte(nil), data...)}
		select {
		case s.queue <- msg:
		default:
			d.logger.Warn("subscriber queue full, message dropped", clog.String("subject", subject))
		}
	}
	return nil
}

func (d *memoryDriver) subscribe(ctx context.Context, subject string, deliver func(context.Context, Message)) (Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	s := &memorySub{
		driver:  d,
		subject: subject,
		queue:   make(chan *message, d.bufferSize),
		done:    make(chan struct{}),
	}
	if d.subs[subject] == nil {
		d.subs[subject] = make(map[*memorySub]struct{})
	}
	d.subs[subject][s] = struct{}{}

	msgCtx := context.WithoutCancel(ctx)
	go func() {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.queue:
				deliver(msgCtx, msg)
			}
		}
	}()
	return s, nil
}

func (d *memoryDriver) remove(s *memorySub) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(d.subs, s.subject)
		}
	}
}

func (d *memoryDriver) close() error {
	d.mu.Lock()
	all := d.subs
	d.subs = make(map[string]map[*memorySub]struct{})
	d.closed = true
	d.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.stop()
		}
	}
	return nil
}

type memorySub struct {
	driver  *memoryDriver
	subject string
	queue   chan *message
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Unsubscribe() error {
	s.driver.remove(s)
	s.stop()
	return nil
}
