package live

import (
	"sync"

	"leakwatch/model"
)

const (
	activityCapacity = 100
	recentActivity   = 50
)

// activityLog is a fixed-capacity ring of the most recent entries.
type activityLog struct {
	mu      sync.Mutex
	entries [activityCapacity]model.ActivityEntry
	next    int
	count   int
}

func (l *activityLog) add(e model.ActivityEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % activityCapacity
	if l.count < activityCapacity {
		l.count++
	}
}

// recent returns up to n entries, newest first.
func (l *activityLog) recent(n int) []model.ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]model.ActivityEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + activityCapacity) % activityCapacity
		out = append(out, l.entries[idx])
	}
	return out
}

func (l *activityLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
