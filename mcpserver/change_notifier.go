package mcpserver

import (
	"sync"

	"github.com/ggoodman/mcp-livesync/hotreload"
)

// ChangeNotifier fans reload reports out to in-process listeners such as
// admin endpoints or tests. Delivery is best effort: a listener that has not
// drained its previous value misses the next one.
type ChangeNotifier struct {
	subscribers   []chan []hotreload.Report
	subscribersMu sync.RWMutex
	closed        bool
}

// Notify delivers reports to every listener without blocking.
func (cn *ChangeNotifier) Notify(reports []hotreload.Report) {
	cn.subscribersMu.RLock()
	defer cn.subscribersMu.RUnlock()

	if cn.closed {
		return
	}

	for _, ch := range cn.subscribers {
		select {
		case ch <- reports:
		default:
		}
	}
}

// Close closes every listener channel. Further Notify calls are no-ops.
func (cn *ChangeNotifier) Close() {
	cn.subscribersMu.Lock()
	if cn.closed {
		cn.subscribersMu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.subscribersMu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber is implemented by anything that hands out reload
// listener channels.
type ChangeSubscriber interface {
	Subscriber() <-chan []hotreload.Report
}

// Subscriber registers a new listener. After Close it returns a closed channel.
func (cn *ChangeNotifier) Subscriber() <-chan []hotreload.Report {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	if cn.closed {
		ch := make(chan []hotreload.Report)
		close(ch)
		return ch
	}

	ch := make(chan []hotreload.Report, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}
