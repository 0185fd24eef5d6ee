package session

import (
	"sync"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/protocol"
)

// maxBuffered caps how many events a turn keeps around for replay. The
// delivered prefix is dropped first; only past that do undelivered
// events go.
const maxBuffered = 10000

// sender is the socket surface the outbox writes to.
type sender interface {
	Send(data []byte) error
}

// outbox is the single ordered producer queue between one handler and
// whatever socket is currently attached. Events append in emit order
// and sent tracks the prefix that reached a socket, so a reconnect
// replays everything after the last successful write.
type outbox struct {
	mu     sync.Mutex
	sink   sender
	events [][]byte
	sent   int
}

// emit queues one event and pushes it out if a socket is attached.
func (o *outbox) emit(ev protocol.ServerEvent) {
	data, err := protocol.Marshal(ev)
	if err != nil {
		logging.Errorf("session: marshaling %s event: %v", ev.EventType(), err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, data)
	o.trimLocked()
	o.flushLocked()
}

// attach swaps in a socket and replays the undelivered tail.
func (o *outbox) attach(s sender) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = s
	o.flushLocked()
}

// detach clears the sink if s is still the attached one.
func (o *outbox) detach(s sender) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sink == s {
		o.sink = nil
	}
}

// reset drops the buffer at a turn boundary.
func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = o.events[:0]
	o.sent = 0
}

func (o *outbox) flushLocked() {
	for o.sink != nil && o.sent < len(o.events) {
		if err := o.sink.Send(o.events[o.sent]); err != nil {
			// The socket is gone. Keep buffering; the failed event
			// stays unsent and replays on the next attach.
			o.sink = nil
			return
		}
		o.sent++
	}
}

func (o *outbox) trimLocked() {
	over := len(o.events) - maxBuffered
	if over <= 0 {
		return
	}
	if over > o.sent {
		logging.Debugf("session: outbox overflow, dropping %d undelivered events", over-o.sent)
	}
	o.events = o.events[over:]
	o.sent -= over
	if o.sent < 0 {
		o.sent = 0
	}
}
