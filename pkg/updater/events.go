package updater

import "sync"

// Event names surfaced to host-side consumers.
type Event string

// Events emitted by the coordinator.
const (
	EventUpdateAvailable   Event = "updateAvailable"
	EventDownload          Event = "download" // progress percent
	EventDownloadComplete  Event = "downloadComplete"
	EventDownloadFailed    Event = "downloadFailed"
	EventUpdateFailed      Event = "updateFailed"
	EventNoNeedUpdate      Event = "noNeedUpdate"
	EventAppReady          Event = "appReady"
	EventAppReloaded       Event = "appReloaded"
	EventBreakingAvailable Event = "breakingAvailable"
	EventMajorAvailable    Event = "majorAvailable"
)

// Emitter is a minimal event registry. Handlers run synchronously on the
// emitting goroutine.
type Emitter struct {
	mu       sync.Mutex
	handlers map[Event][]func(payload any)
}

// On registers a handler for an event.
func (e *Emitter) On(ev Event, fn func(payload any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Event][]func(any))
	}
	e.handlers[ev] = append(e.handlers[ev], fn)
}

func (e *Emitter) emit(ev Event, payload any) {
	e.mu.Lock()
	fns := append([]func(any){}, e.handlers[ev]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}
