// Package sse implements a Server-Sent Events broker that tells viewers
// when the hierarchy changed.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeStructureUpdated = "structure.updated"
	TypeNodeTombstoned   = "node.tombstoned"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type versionReq struct {
	version int64
	// tombstoned is set for node.tombstoned events.
	tombstoned string
}

// Broker manages SSE client connections and broadcasts events.
//
// A single internal event loop owns the client set and the
// structure.updated throttle; public methods talk to it over channels.
// structure.updated is sent at most once per throttle interval, and the
// latest version held back by the throttle is sent when the interval ends.
type Broker struct {
	structureMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	versionCh     chan versionReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker with the given structure.updated throttle.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}
	b := &Broker{
		structureMin:  throttle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		versionCh:     make(chan versionReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastSent   time.Time
		held       int64
		holding    bool
		trailing   *time.Timer
		trailingCh <-chan time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}
	sendVersion := func(v int64) {
		lastSent = time.Now()
		holding = false
		broadcast(Event{Type: TypeStructureUpdated, Data: map[string]int64{"version": v}})
	}

	for {
		select {
		case <-b.stopCh:
			if trailing != nil {
				trailing.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.versionCh:
			if req.tombstoned != "" {
				broadcast(Event{Type: TypeNodeTombstoned, Data: map[string]any{"id": req.tombstoned, "version": req.version}})
			}
			if wait := b.structureMin - time.Since(lastSent); wait > 0 {
				if !holding || req.version > held {
					held = req.version
				}
				if !holding {
					holding = true
					trailing = time.NewTimer(wait)
					trailingCh = trailing.C
				}
				continue
			}
			sendVersion(req.version)

		case <-trailingCh:
			trailingCh = nil
			if holding {
				sendVersion(held)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishVersion announces a new structure version (throttled).
func (b *Broker) PublishVersion(version int64) {
	b.sendVersion(versionReq{version: version})
}

// PublishTombstone announces a tombstoned node immediately and the
// resulting structure version through the throttle.
func (b *Broker) PublishTombstone(id string, version int64) {
	b.sendVersion(versionReq{version: version, tombstoned: id})
}

func (b *Broker) sendVersion(req versionReq) {
	if b.closed.Load() {
		return
	}
	select {
	case b.versionCh <- req:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
