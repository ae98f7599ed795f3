// Package discovery scans and live-watches VM config directories, keeping
// a VMId-keyed index and emitting change events.
//
// Grounded on original_source/core/src/services/discovery.rs: a
// stack-based (non-recursive) directory walk for the initial scan, and an
// fsnotify-driven watch loop for live updates, translated from the Rust
// `notify` crate + tokio mpsc channel into fsnotify + a buffered Go
// channel. Index access follows the teacher's sync.RWMutex idiom
// (internal/registry) — readers may enumerate during writes.
package discovery

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/xfeldman/aegisvm/internal/model"
	"github.com/xfeldman/aegisvm/internal/parser"
)

// ConfigExtension is the recognized VM config file extension.
const ConfigExtension = ".conf"

// EventKind tags the variant of Event.
type EventKind int

const (
	EventVMAdded EventKind = iota
	EventVMUpdated
	EventVMRemoved
)

// Event is a change notification delivered to the consumer. Events for a
// single path are totally ordered; across paths, ordering is not
// guaranteed.
type Event struct {
	Kind EventKind
	ID   model.VMId
	VM   model.VM // zero value for EventVMRemoved
}

// Discovery maintains an in-memory index of VMs found under a set of
// watched directories.
type Discovery struct {
	mu   sync.RWMutex
	vms  map[model.VMId]model.VM
	dirs []string

	events  chan Event
	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an empty Discovery index. Events is a multi-producer,
// single-consumer channel buffered to 4096 entries; when it is full, an
// event is dropped and logged. The control-API layer is the intended
// consumer.
func New() *Discovery {
	return &Discovery{
		vms:    make(map[model.VMId]model.VM),
		events: make(chan Event, 4096),
		done:   make(chan struct{}),
	}
}

// Events returns the channel on which change events are delivered.
func (d *Discovery) Events() <-chan Event { return d.events }

// AddWatchDirectory registers a directory for scanning and live-watching.
// A failed watch registration for this directory does not affect others
// already registered.
func (d *Discovery) AddWatchDirectory(dir string) error {
	d.mu.Lock()
	d.dirs = append(d.dirs, dir)
	d.mu.Unlock()

	if d.watcher != nil {
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return nil
}

// ScanAll performs a full scan of every registered directory.
func (d *Discovery) ScanAll() {
	d.mu.RLock()
	dirs := append([]string(nil), d.dirs...)
	d.mu.RUnlock()
	for _, dir := range dirs {
		d.scanDirectory(dir)
	}
}

// scanDirectory walks dir using an explicit worklist rather than OS
// recursion, matching discovery.rs's stack-based walk.
func (d *Discovery) scanDirectory(root string) {
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("discovery: skip unreadable directory %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, full)
				continue
			}
			if strings.EqualFold(filepath.Ext(entry.Name()), ConfigExtension) {
				d.parseAndIndex(full)
			}
		}
	}
}

func (d *Discovery) parseAndIndex(path string) {
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("discovery: skip %s: %v", path, err)
		return
	}
	cfg, err := parser.Parse(path)
	if err != nil {
		log.Printf("discovery: skip unparsable config %s: %v", path, err)
		return
	}

	id := stem(path)
	vm := model.VM{
		ID:           id,
		DisplayName:  string(id),
		ConfigPath:   path,
		Config:       cfg,
		Status:       model.Stopped(),
		LastModified: info.ModTime(),
	}

	d.mu.Lock()
	_, existed := d.vms[id]
	// preserve live status across a refresh; only Discovery's own status
	// field is advisory until the Lifecycle Manager's status probe runs
	if prev, ok := d.vms[id]; ok {
		vm.Status = prev.Status
	}
	d.vms[id] = vm
	d.mu.Unlock()

	if existed {
		d.emit(Event{Kind: EventVMUpdated, ID: id, VM: vm})
	} else {
		d.emit(Event{Kind: EventVMAdded, ID: id, VM: vm})
	}
}

func (d *Discovery) removeByPath(path string) {
	id := stem(path)
	d.mu.Lock()
	_, ok := d.vms[id]
	if ok {
		delete(d.vms, id)
	}
	d.mu.Unlock()
	if ok {
		d.emit(Event{Kind: EventVMRemoved, ID: id})
	}
}

func (d *Discovery) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		log.Printf("discovery: event channel full, dropping event for %s", ev.ID)
	}
}

// StartWatching begins live filesystem watching on all registered
// directories. It may be called again after StopWatching. It does not
// rescan: changes made while watching was stopped are picked up by the
// next ScanAll, which adds and refreshes entries but does not drop
// entries whose config file has been removed.
func (d *Discovery) StartWatching() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	d.watcher = w
	d.done = make(chan struct{})
	d.closeOnce = sync.Once{}

	d.mu.RLock()
	dirs := append([]string(nil), d.dirs...)
	d.mu.RUnlock()

	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			log.Printf("discovery: watch registration failed for %s: %v", dir, err)
			continue
		}
	}

	go d.watchLoop(w, d.done)
	return nil
}

func (d *Discovery) watchLoop(w *fsnotify.Watcher, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ConfigExtension) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				d.parseAndIndex(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				d.removeByPath(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("discovery: watch error: %v", err)
		case <-done:
			return
		}
	}
}

// StopWatching stops the live watch. The index is left as-is; a
// subsequent ScanAll refreshes it.
func (d *Discovery) StopWatching() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	if d.watcher != nil {
		d.watcher.Close()
	}
}

// Get returns a snapshot of a single VM by id.
func (d *Discovery) Get(id model.VMId) (model.VM, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vm, ok := d.vms[id]
	return vm, ok
}

// All returns a snapshot of every VM currently in the index.
func (d *Discovery) All() []model.VM {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.VM, 0, len(d.vms))
	for _, vm := range d.vms {
		out = append(out, vm)
	}
	return out
}

// SetStatus updates the cached status field of a VM snapshot. The
// Lifecycle Manager calls this after a status probe; Discovery itself
// never infers status from file events.
func (d *Discovery) SetStatus(id model.VMId, status model.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[id]
	if !ok {
		return
	}
	vm.Status = status
	d.vms[id] = vm
}

func stem(path string) model.VMId {
	base := filepath.Base(path)
	return model.VMId(strings.TrimSuffix(base, filepath.Ext(base)))
}
