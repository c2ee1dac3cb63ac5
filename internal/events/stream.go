package events

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrStreamClosed 表示事件流已结束，不再接受新事件。
	ErrStreamClosed = errors.New("events: stream closed")
	// ErrCancelled 表示运行被显式取消，订阅者不会再收到事件。
	ErrCancelled = errors.New("events: run cancelled")
	// ErrSuperseded 表示同一运行出现了新的订阅者。
	ErrSuperseded = errors.New("events: subscription superseded")
)

// Stream 是单个运行的有序、只追加事件日志。
//
// 事件全部保留在内存中直到流被注册表淘汰，因此订阅总是从头重放，
// 重连的订阅者看到的是同一次执行的完整序列。写入方从不阻塞。
type Stream struct {
	runID string

	mu         sync.Mutex
	events     []Event
	notify     chan struct{}
	closed     bool
	closeErr   error
	generation uint64
	onClose    func()
}

// NewStream 创建空的事件流。
func NewStream(runID string) *Stream {
	return &Stream{runID: runID, notify: make(chan struct{})}
}

// RunID 返回所属运行。
func (s *Stream) RunID() string { return s.runID }

// Publish 追加事件；终止事件会关闭流。
func (s *Stream) Publish(ev Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.events = append(s.events, ev)
	var hook func()
	if ev.Kind.Terminal() {
		s.closed = true
		hook = s.onClose
	}
	s.wakeLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Close 在没有终止事件的情况下关闭流。err 为 nil 时订阅者读完剩余事件后得到 io.EOF。
// 已关闭的流不受影响。
func (s *Stream) Close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	hook := s.onClose
	s.wakeLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Closed 判断流是否已结束。
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len 返回已发布的事件数。
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Snapshot 返回已发布事件的副本。
func (s *Stream) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Subscribe 创建从第一个事件开始的订阅，并使之前的订阅失效。
func (s *Stream) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.wakeLocked()
	return &Subscription{stream: s, generation: s.generation}
}

func (s *Stream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Subscription 按发布顺序读取事件流。不是并发安全的，只应由一个 goroutine 使用。
type Subscription struct {
	stream     *Stream
	generation uint64
	offset     int
}

// Next 返回下一个事件。流正常结束后返回 io.EOF；取消返回 ErrCancelled；
// ctx 结束返回 ctx.Err()，此时订阅仍然可用。
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	s := sub.stream
	for {
		s.mu.Lock()
		if sub.generation != s.generation {
			s.mu.Unlock()
			return Event{}, ErrSuperseded
		}
		if errors.Is(s.closeErr, ErrCancelled) {
			s.mu.Unlock()
			return Event{}, ErrCancelled
		}
		if sub.offset < len(s.events) {
			ev := s.events[sub.offset]
			sub.offset++
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Event{}, err
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

// Delivered 返回已读取的事件数。
func (sub *Subscription) Delivered() int { return sub.offset }
