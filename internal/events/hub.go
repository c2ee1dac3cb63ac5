package events

import (
	"context"
	"sync"
	"time"
)

const defaultRetention = 5 * time.Minute

// Hub 是进程内的运行注册表：运行 id 到事件流与取消函数的映射。
// 重连同一运行时总是拿到同一个流，不会重新启动编排。
type Hub struct {
	mu        sync.Mutex
	runs      map[string]*hubEntry
	retention time.Duration
}

type hubEntry struct {
	stream *Stream
	cancel context.CancelFunc
	timer  *time.Timer
}

// HubOption 自定义注册表行为。
type HubOption func(*Hub)

// WithRetention 设置结束后的流在内存中保留的时长。
func WithRetention(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.retention = d
		}
	}
}

// NewHub 创建注册表。
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{runs: make(map[string]*hubEntry), retention: defaultRetention}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Open 返回运行对应的流，不存在时创建。重复调用返回同一个流。
func (h *Hub) Open(runID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, ok := h.runs[runID]; ok {
		return entry.stream
	}
	stream := NewStream(runID)
	entry := &hubEntry{stream: stream}
	stream.onClose = func() { h.scheduleEviction(runID, stream) }
	h.runs[runID] = entry
	return stream
}

// Get 查找运行对应的流。
func (h *Hub) Get(runID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.runs[runID]
	if !ok {
		return nil, false
	}
	return entry.stream, true
}

// BindCancel 把运行绑定到本进程的一次执行。运行已绑定过执行或不在注册表中时返回 false。
func (h *Hub) BindCancel(runID string, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.runs[runID]
	if !ok || entry.cancel != nil {
		return false
	}
	entry.cancel = cancel
	return true
}

// Cancel 通知本进程内的执行在阶段之间停止，并以 ErrCancelled 关闭事件流。
// 运行没有绑定本进程的执行时不做任何操作并返回 false。
func (h *Hub) Cancel(runID string) bool {
	h.mu.Lock()
	entry, ok := h.runs[runID]
	var cancel context.CancelFunc
	if ok {
		cancel = entry.cancel
	}
	h.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	entry.stream.Close(ErrCancelled)
	return true
}

// Len 返回当前登记的运行数。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}

func (h *Hub) scheduleEviction(runID string, stream *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.runs[runID]
	if !ok || entry.stream != stream || entry.timer != nil {
		return
	}
	entry.timer = time.AfterFunc(h.retention, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if current, ok := h.runs[runID]; ok && current.stream == stream {
			delete(h.runs, runID)
		}
	})
}
