package bus

import (
	"sync"

	"github.com/ceyewan/hms-plane/xerrors"
)

// subSet 记录驱动创建的订阅，Close 时统一取消
type subSet struct {
	mu     sync.Mutex
	subs   map[Subscription]struct{}
	closed bool
}

func (s *subSet) add(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.subs == nil {
		s.subs = make(map[Subscription]struct{})
	}
	s.subs[sub] = struct{}{}
	return true
}

func (s *subSet) remove(sub Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *subSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subSet) closeAll() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return xerrors.Join(errs...)
}
