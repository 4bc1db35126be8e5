package testutil

import (
	"context"
	"sync"
)

// Event 是 RecordingEmitter 记录下的一次发布。
type Event struct {
	Name    string
	Payload any
}

// RecordingEmitter 记录所有发布的事件，可在多个 goroutine 中使用。
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *RecordingEmitter) Emit(_ context.Context, name string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{Name: name, Payload: payload})
}

// Named 返回指定名称的事件。
func (e *RecordingEmitter) Named(name string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
