// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the hand-off struct an external CLI passes to a
// profiling session — target pid, sampling interval, run duration — from
// an optional YAML file, and watches that file for edits. It is the
// session-config analogue of the teacher's internal/config.FSLoader,
// trimmed of the remote-config/protobuf machinery this module has no use
// for: there is one file, one struct, and one current value.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Session is the CLI's handoff to the profiling core.
type Session struct {
	// TargetPid restricts tracing and sampling to one process. Zero (the
	// YAML zero value) means "every process".
	TargetPid uint32 `yaml:"target_pid"`

	// Interval is the PMU sampling period. Zero selects sampler.DefaultInterval.
	Interval time.Duration `yaml:"interval"`

	// Duration is the requested length of a run. Zero means "run until
	// externally stopped". The controller has no run-length timer of its
	// own; a run ends when Controller.Stop is called.
	Duration time.Duration `yaml:"duration"`
}

// Watcher loads a Session from a YAML file and republishes it on every
// edit, following the teacher's FSLoader pattern of one fsnotify watcher
// feeding cached state plus a set of subscriber channels.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	logger  logr.Logger
	watcher *fsnotify.Watcher
	current Session

	subMu sync.Mutex
	subs  []chan Session

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher loads path once and starts watching it for writes. path must
// exist; an empty or partially-specified file is valid and yields a
// Session with the corresponding fields at their zero values.
func NewWatcher(path string, logger logr.Logger) (*Watcher, error) {
	logger = logger.WithName("config.session")

	session, err := loadSessionFile(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fsw,
		current: session,
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

func loadSessionFile(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("reading session config %s: %w", path, err)
	}

	var session Session
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &session); err != nil {
			return Session{}, fmt.Errorf("parsing session config %s: %w", path, err)
		}
	}
	return session, nil
}

// Current returns the most recently loaded Session.
func (w *Watcher) Current() Session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch returns a channel that receives subsequently reloaded Sessions. The
// channel buffers one Session; a reload that finds it still full is not
// delivered to this subscriber. The channel is closed by Close.
func (w *Watcher) Watch() <-chan Session {
	ch := make(chan Session, 1)
	w.subMu.Lock()
	w.subs = append(w.subs, ch)
	w.subMu.Unlock()
	return ch
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "session config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	session, err := loadSessionFile(w.path)
	if err != nil {
		w.logger.Error(err, "reloading session config", "path", w.path)
		return
	}

	w.mu.Lock()
	w.current = session
	w.mu.Unlock()

	w.subMu.Lock()
	defer w.subMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- session:
		default:
			w.logger.V(1).Info("subscriber channel full, dropping reload notification")
		}
	}
}

// Close stops watching and closes every channel returned by Watch.
func (w *Watcher) Close() error {
	close(w.done)
	w.wg.Wait()

	w.subMu.Lock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.subMu.Unlock()

	return w.watcher.Close()
}
