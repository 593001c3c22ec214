package measurement

import (
	"sync"
	"time"
)

// EventType 会话事件类型
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventLiveValue      EventType = "live_value"
	EventFinalValue     EventType = "final_value"
	EventStatusMessage  EventType = "status_message"
	EventRetryScheduled EventType = "retry_scheduled"
	EventExhausted      EventType = "exhausted"
	EventPrompt         EventType = "prompt"
)

// Event 推送给界面层的会话事件。Live 读数仅供参考，只有 EventFinalValue 的 Reading 是权威结果。
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	Metric     Kind      `json:"metric"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to,omitempty"`
	Reading    *Reading  `json:"reading,omitempty"`
	Progress   *float64  `json:"progress,omitempty"`
	Message    string    `json:"message,omitempty"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	WaitMs     int64     `json:"wait_ms,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Prompt     *Prompt   `json:"prompt,omitempty"`
	At         time.Time `json:"at"`
}

// Listener 事件回调。回调在会话锁之外执行，可以在回调里调用会话方法。
type Listener func(Event)

// notifier 按产生顺序串行派发事件；派发过程中（包括回调重入）产生的新事件排队后继续派发
type notifier struct {
	mu        sync.Mutex
	queue     []Event
	draining  bool
	nextID    int
	listeners []subscription
}

type subscription struct {
	id int
	fn Listener
}

func newNotifier() *notifier {
	return &notifier{}
}

func (n *notifier) subscribe(l Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners = append(n.listeners, subscription{id: id, fn: l})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.listeners {
			if s.id == id {
				n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *notifier) push(ev Event) {
	n.mu.Lock()
	n.queue = append(n.queue, ev)
	n.mu.Unlock()
}

func (n *notifier) clear() {
	n.mu.Lock()
	n.listeners = nil
	n.mu.Unlock()
}

func (n *notifier) flush() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		ev := n.queue[0]
		n.queue = n.queue[1:]
		ls := make([]Listener, 0, len(n.listeners))
		for _, s := range n.listeners {
			ls = append(ls, s.fn)
		}
		n.mu.Unlock()
		for _, l := range ls {
			l(ev)
		}
		n.mu.Lock()
	}
	n.draining = false
	n.mu.Unlock()
}
