package confstore

import (
	"context"
	"sync"

	"github.com/ceyewan/hms-plane/metrics"
)

const MetricWrites = "confstore_writes_total"

// feed 变更通知通道。发送方阻塞直到被消费或 feed 关闭。
type feed struct {
	ch     chan Change
	done   chan struct{}
	once   sync.Once
	shut   sync.Once
	writes metrics.Counter
	driver string
}

func newFeed(meter metrics.Meter, driver string) *feed {
	f := &feed{ch: make(chan Change, 256), done: make(chan struct{}), driver: driver}
	f.writes, _ = meter.Counter(MetricWrites, "Config store mutations")
	return f
}

func (f *feed) emit(c Change) {
	select {
	case <-f.done:
	case f.ch <- c:
	}
}

func (f *feed) changes() <-chan Change { return f.ch }

// stop 通知发送方退出，调用方确认没有发送者后再调用 closeCh
func (f *feed) stop() {
	f.once.Do(func() { close(f.done) })
}

func (f *feed) closeCh() {
	f.shut.Do(func() { close(f.ch) })
}

func (f *feed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *feed) countWrite(ctx context.Context, op string, err error) {
	if f.writes == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	f.writes.Inc(ctx, metrics.L("driver", f.driver), metrics.L("op", op), metrics.L("status", status))
}
