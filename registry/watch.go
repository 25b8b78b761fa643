package registry

import (
	"context"
	"time"
)

// journal 定长环形事件日志，版本号连续
type journal struct {
	buf   []Event
	start int
	size  int
}

func newJournal(capacity int) *journal {
	return &journal{buf: make([]Event, capacity)}
}

func (j *journal) append(e Event) {
	if j.size < len(j.buf) {
		j.buf[(j.start+j.size)%len(j.buf)] = e
		j.size++
		return
	}
	j.buf[j.start] = e
	j.start = (j.start + 1) % len(j.buf)
}

// since 返回版本号大于 v 的全部事件；日志已不覆盖 v 之后的全部变更时 ok 为 false
func (j *journal) since(v uint64) ([]Event, bool) {
	if j.size == 0 {
		return nil, false
	}
	oldest := j.buf[j.start].Version
	if v+1 < oldest {
		return nil, false
	}
	events := make([]Event, 0, j.size)
	for i := 0; i < j.size; i++ {
		e := j.buf[(j.start+i)%len(j.buf)]
		if e.Version > v {
			events = append(events, e)
		}
	}
	return events, true
}

func (r *memoryRegistry) Watch(ctx context.Context, since uint64, epoch string, timeout time.Duration) (*WatchResult, error) {
	if timeout > r.cfg.MaxWatchTimeout {
		timeout = r.cfg.MaxWatchTimeout
	}

	var timer *time.Timer
	for {
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return nil, ErrClosed
		}
		if res := r.pendingLocked(since, epoch); res != nil {
			r.mu.RUnlock()
			r.count(ctx, r.wakeups)
			return res, nil
		}
		wait := r.changed
		version := r.version
		r.mu.RUnlock()

		if timeout <= 0 {
			return &WatchResult{Epoch: r.epoch, Version: version}, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-wait:
		case <-timer.C:
			return &WatchResult{Epoch: r.epoch, Version: r.Version()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pendingLocked 调用方已落后时返回结果，否则返回 nil 表示需要等待
func (r *memoryRegistry) pendingLocked(since uint64, epoch string) *WatchResult {
	full := func() *WatchResult {
		s := r.snapshotLocked()
		return &WatchResult{Changed: true, Full: true, Epoch: r.epoch, Version: s.Version, Services: s.Services}
	}

	switch {
	case epoch != "" && epoch != r.epoch, since > r.version:
		return full()
	case since == r.version:
		// 不带 epoch 的首次请求需要快照；同一 epoch 下即使版本为 0 也要等待
		if since == 0 && epoch == "" {
			return full()
		}
		return nil
	case since == 0:
		return full()
	}
	events, ok := r.journal.since(since)
	if !ok {
		return full()
	}
	return &WatchResult{Changed: true, Epoch: r.epoch, Version: r.version, Events: events}
}
