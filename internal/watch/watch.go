// Package watch turns file system changes into task runs.
//
// A Watcher reports Change Events for the project tree. The Router matches
// each event against the glob patterns of the bound tasks and triggers their
// Binders. A Binder runs its task at most once at a time and folds events that
// arrive mid-run into a single follow-up run.
package watch

import (
	"errors"
	"time"
)

var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
)

// Kind is the type of change.
type Kind uint8

const (
	Created Kind = iota + 1
	Modified
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one Change Event.
type Event struct {
	// Path is absolute.
	Path      string
	Kind      Kind
	Timestamp time.Time
}

// Watcher monitors directory trees.
type Watcher interface {
	// WatchRecursive watches dir and every directory below it. Directories
	// created later are watched automatically.
	WatchRecursive(dir string) error
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}
