package speech

import "time"

// IsSpeaking reports whether a queue item or preview is playing
func (m *Manager) IsSpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil || m.previewing
}

// IsLoading reports whether any fetch is outstanding
func (m *Manager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previewLoads > 0 {
		return true
	}
	for _, it := range m.queue {
		if it.Status == StatusFetching {
			return true
		}
	}
	return false
}

// IsProcessingQueue reports whether any item is waiting or playing
func (m *Manager) IsProcessingQueue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil || len(m.queue) > 0
}

// Queue returns the playing item followed by the waiting items in play order
func (m *Manager) Queue() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.queue)+1)
	if m.current != nil {
		out = append(out, m.current.snapshot())
	}
	for _, it := range m.queue {
		out = append(out, it.snapshot())
	}
	return out
}

// QueueLength counts waiting and playing items
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	if m.current != nil {
		n++
	}
	return n
}

// CurrentItem returns the playing item
func (m *Manager) CurrentItem() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Item{}, false
	}
	return m.current.snapshot(), true
}

// Item looks up an item by id, including finished ones still in history
func (m *Manager) Item(id string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == id {
		return m.current.snapshot(), true
	}
	for _, it := range m.queue {
		if it.ID == id {
			return it.snapshot(), true
		}
	}
	return m.history.Get(id)
}

// Error returns the most recent failure message, or "" if the last request
// went through
func (m *Manager) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// PlaybackStartDelay returns the time from request to first audio of the
// most recently started item
func (m *Manager) PlaybackStartDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startDelay, m.hasDelay
}

// BufferSize returns the look-ahead size
func (m *Manager) BufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bufferSize
}

// Snapshot is the full observable state at one instant
type Snapshot struct {
	IsSpeaking         bool
	IsLoading          bool
	IsProcessingQueue  bool
	Queue              []Item
	Current            *Item
	QueueLength        int
	Error              string
	PlaybackStartDelay *time.Duration
	BufferSize         int
}

// Snapshot captures every observable under one lock
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		IsSpeaking:        m.current != nil || m.previewing,
		IsLoading:         m.previewLoads > 0,
		IsProcessingQueue: m.current != nil || len(m.queue) > 0,
		Queue:             make([]Item, 0, len(m.queue)+1),
		Error:             m.lastError,
		BufferSize:        m.bufferSize,
	}
	if m.current != nil {
		cur := m.current.snapshot()
		s.Current = &cur
		s.Queue = append(s.Queue, cur)
	}
	for _, it := range m.queue {
		if it.Status == StatusFetching {
			s.IsLoading = true
		}
		s.Queue = append(s.Queue, it.snapshot())
	}
	s.QueueLength = len(s.Queue)
	if m.hasDelay {
		d := m.startDelay
		s.PlaybackStartDelay = &d
	}
	return s
}
