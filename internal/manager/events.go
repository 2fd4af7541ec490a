package manager

// HarvestStartedEvent is emitted once prepare succeeds for at least one
// pipeline and the manager transitions into HARVESTING.
type HarvestStartedEvent struct {
	CombinedHash     string
	MaxDocumentCount int
}

// HarvestFinishedEvent is emitted for every run that reached HARVESTING,
// whether it succeeded, partially failed, or was aborted, after the state
// is persisted and just before the manager returns to IDLE. A run in
// which no pipeline was prepared emits neither event.
type HarvestFinishedEvent struct {
	Success      bool
	CombinedHash string
}

// Listener receives the two harvest lifecycle events. Per the design
// note's synchronous-event-bus replacement (§9), these are observer hooks
// (metrics, logs) rather than control flow — a Listener must not block or
// panic, and the manager calls it synchronously on the orchestrator's own
// goroutine.
type Listener interface {
	OnHarvestStarted(HarvestStartedEvent)
	OnHarvestFinished(HarvestFinishedEvent)
}

func (m *Manager) emitStarted(e HarvestStartedEvent) {
	for _, l := range m.listeners {
		l.OnHarvestStarted(e)
	}
}

func (m *Manager) emitFinished(e HarvestFinishedEvent) {
	for _, l := range m.listeners {
		l.OnHarvestFinished(e)
	}
}

// AddListener registers l to receive future harvest lifecycle events.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}
