/*
File Name:  Filter.go

Filters lets a caller install hooks without this module depending on any
specific logging library. Grounded on the teacher's own Filter.go: a small
struct of optional callback fields, defaulted to blank functions by
setDefaults so call sites never need a nil check, plus a subscribable
multiWriter for fanning log output out to any number of io.Writer
subscribers.
*/

package core

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

// Filters contains the hooks a caller may install. Use nil for any hook not
// needed -- setDefaults (called by Init) fills every unset field with a no-op.
type Filters struct {
	// LogError is called for any internal error worth surfacing.
	LogError func(function, format string, v ...interface{})

	// RelayAdded is called whenever DistributedRelay establishes a new
	// relay connection.
	RelayAdded func(candidate string)

	// RelayRemoved is called whenever a relay connection is lost or a
	// setup attempt fails.
	RelayRemoved func(candidate string)
}

func (f *Filters) setDefaults() {
	if f.LogError == nil {
		f.LogError = func(function, format string, v ...interface{}) {}
	}
	if f.RelayAdded == nil {
		f.RelayAdded = func(candidate string) {}
	}
	if f.RelayRemoved == nil {
		f.RelayRemoved = func(candidate string) {}
	}
}

// multiWriter duplicates writes to every subscribed io.Writer, keyed by a
// uuid.UUID subscription id so a caller can unsubscribe later.
type multiWriter struct {
	sync.Mutex
	writers map[uuid.UUID]io.Writer
}

func newMultiWriter() *multiWriter {
	return &multiWriter{writers: make(map[uuid.UUID]io.Writer)}
}

// Subscribe adds writer to the fan-out set and returns its subscription id.
func (m *multiWriter) Subscribe(writer io.Writer) (id uuid.UUID) {
	m.Lock()
	defer m.Unlock()
	id = uuid.New()
	m.writers[id] = writer
	return id
}

// Unsubscribe removes a previously subscribed writer.
func (m *multiWriter) Unsubscribe(id uuid.UUID) {
	m.Lock()
	defer m.Unlock()
	delete(m.writers, id)
}

// Write fans p out to every subscribed writer. Individual writer errors are
// ignored so one broken subscriber cannot block the others.
func (m *multiWriter) Write(p []byte) (n int, err error) {
	m.Lock()
	defer m.Unlock()
	for _, w := range m.writers {
		w.Write(p)
	}
	return len(p), nil
}
