package workflow

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType = string

const (
	EventInstanceCreated   EventType = "instance-created"
	EventStageEntered      EventType = "stage-entered"
	EventStageTransitioned EventType = "stage-transitioned"
	EventApprovalEnqueued  EventType = "approval-enqueued"
	EventApprovalResolved  EventType = "approval-resolved"
	EventWorkflowCompleted EventType = "workflow-completed"
	EventWorkflowRejected  EventType = "workflow-rejected"
	EventActionFailed      EventType = "action-failed"
)

// Event 生命周期事件, 发布之后订阅方拿到的是独立的值
type Event struct {
	Type        EventType      `json:"type"`
	InstanceID  string         `json:"instance_id"`
	TemplateID  string         `json:"template_id"`
	StageID     string         `json:"stage_id,omitempty"`
	FromStageID string         `json:"from_stage_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Status      InstanceStatus `json:"status,omitempty"`
	NotifyRoles []string       `json:"notify_roles,omitempty"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Subscription 订阅, C 在 Close 之后关闭
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	types  map[EventType]struct{}
	bus    *EventBus
	closed atomic.Bool
}

// Close 取消订阅, 可以重复调用
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus 发布订阅, 发布不会阻塞, 订阅者处理不过来的事件直接丢弃
type EventBus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
	metrics *Metrics
}

func NewEventBus(buffer int, metrics *Metrics) *EventBus {
	if buffer < 0 {
		buffer = 0
	}
	return &EventBus{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
	}
}

// Subscribe types 为空表示订阅所有事件
func (b *EventBus) Subscribe(types ...EventType) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, types: make(map[EventType]struct{}, len(types))}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		e := event
		e.NotifyRoles = append([]string(nil), event.NotifyRoles...)
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.metrics.eventDropped()
		}
	}
}

// Dropped 因为缓冲满了丢弃的事件数
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
