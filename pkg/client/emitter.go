package client

import (
    "encoding/json"
    "sync"
)

// Handler receives the raw JSON payload of an event. Lifecycle events carry
// a JSON string (disconnect reason, connect error) or number (attempt).
type Handler func(data json.RawMessage)

type listener struct {
    fn   Handler
    once bool
}

// emitter is the client-side listener registry. Dispatch happens on the
// connection goroutine only, so handlers never run concurrently.
type emitter struct {
    mu   sync.Mutex
    subs map[string][]*listener
}

func (e *emitter) add(event string, fn Handler, once bool) func() {
    l := &listener{fn: fn, once: once}
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[string][]*listener) }
    e.subs[event] = append(e.subs[event], l)
    e.mu.Unlock()
    return func() { e.remove(event, l) }
}

func (e *emitter) remove(event string, l *listener) {
    e.mu.Lock()
    defer e.mu.Unlock()
    ls := e.subs[event]
    for i, x := range ls {
        if x == l {
            e.subs[event] = append(ls[:i:i], ls[i+1:]...)
            break
        }
    }
    if len(e.subs[event]) == 0 { delete(e.subs, event) }
}

func (e *emitter) emit(event string, data json.RawMessage) {
    e.mu.Lock()
    ls := e.subs[event]
    call := make([]*listener, len(ls))
    copy(call, ls)
    kept := ls[:0:0]
    for _, l := range ls {
        if !l.once { kept = append(kept, l) }
    }
    if len(kept) == 0 {
        delete(e.subs, event)
    } else {
        e.subs[event] = kept
    }
    e.mu.Unlock()
    for _, l := range call { l.fn(data) }
}
