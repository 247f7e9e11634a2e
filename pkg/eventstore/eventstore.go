// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package eventstore correlates migration events and PMU samples by
// timestamp. Store is not internally synchronized: the concurrency model
// (see internal/controller) gives it exactly one writer goroutine, so a
// mutex here would only ever protect against a race that cannot occur by
// construction.
package eventstore

import (
	"sort"

	"github.com/antimetal/threveal/pkg/events"
)

// Store holds migration events and PMU samples, both kept sorted ascending
// by TimestampNs, so range and nearest-neighbor queries can binary search
// instead of scanning.
type Store struct {
	migrations []events.MigrationEvent
	pmuSamples []events.PmuSample
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// AddMigration inserts event at the position that keeps migrations sorted
// by TimestampNs.
func (s *Store) AddMigration(event events.MigrationEvent) {
	i := sort.Search(len(s.migrations), func(i int) bool {
		return s.migrations[i].TimestampNs >= event.TimestampNs
	})
	s.migrations = insertMigration(s.migrations, i, event)
}

// AddPmuSample inserts sample at the position that keeps PMU samples
// sorted by TimestampNs.
//
// The original implementation this module was modeled on appends PMU
// samples unsorted and leaves the nearest-neighbor queries below as a
// linear scan with a "sort PMU samples" TODO; this module keeps both
// sequences sorted from the start, since nothing about a PMU sample makes
// it exempt from the same ordering guarantee migrations get.
func (s *Store) AddPmuSample(sample events.PmuSample) {
	i := sort.Search(len(s.pmuSamples), func(i int) bool {
		return s.pmuSamples[i].TimestampNs >= sample.TimestampNs
	})
	s.pmuSamples = insertPmuSample(s.pmuSamples, i, sample)
}

func insertMigration(s []events.MigrationEvent, i int, v events.MigrationEvent) []events.MigrationEvent {
	s = append(s, events.MigrationEvent{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertPmuSample(s []events.PmuSample, i int, v events.PmuSample) []events.PmuSample {
	s = append(s, events.PmuSample{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// AllMigrations returns a copy of every stored migration, oldest first.
func (s *Store) AllMigrations() []events.MigrationEvent {
	out := make([]events.MigrationEvent, len(s.migrations))
	copy(out, s.migrations)
	return out
}

// AllPmuSamples returns a copy of every stored PMU sample, oldest first.
func (s *Store) AllPmuSamples() []events.PmuSample {
	out := make([]events.PmuSample, len(s.pmuSamples))
	copy(out, s.pmuSamples)
	return out
}

// MigrationsForThread returns every migration recorded for tid, oldest
// first. Migrations are sorted by timestamp, not by thread, so this scans.
func (s *Store) MigrationsForThread(tid uint32) []events.MigrationEvent {
	var result []events.MigrationEvent
	for _, m := range s.migrations {
		if m.Tid == tid {
			result = append(result, m)
		}
	}
	return result
}

// PmuSamplesForThread returns every PMU sample recorded for tid, oldest
// first.
func (s *Store) PmuSamplesForThread(tid uint32) []events.PmuSample {
	var result []events.PmuSample
	for _, sample := range s.pmuSamples {
		if sample.Tid == tid {
			result = append(result, sample)
		}
	}
	return result
}

// MigrationsInRange returns every migration with startNs <= TimestampNs <=
// endNs, oldest first, using a binary search to the range start.
func (s *Store) MigrationsInRange(startNs, endNs uint64) []events.MigrationEvent {
	start := sort.Search(len(s.migrations), func(i int) bool {
		return s.migrations[i].TimestampNs >= startNs
	})

	var result []events.MigrationEvent
	for i := start; i < len(s.migrations); i++ {
		if s.migrations[i].TimestampNs > endNs {
			break
		}
		result = append(result, s.migrations[i])
	}
	return result
}

// PmuBeforeMigration returns the PMU sample on migration.Tid with the
// largest TimestampNs not after migration.TimestampNs, if any.
func (s *Store) PmuBeforeMigration(migration events.MigrationEvent) (events.PmuSample, bool) {
	// Every sample at or after this index has TimestampNs > migration's, so
	// the best candidate (if any) lies strictly before it; scan backward on
	// thread match.
	end := sort.Search(len(s.pmuSamples), func(i int) bool {
		return s.pmuSamples[i].TimestampNs > migration.TimestampNs
	})

	for i := end - 1; i >= 0; i-- {
		if s.pmuSamples[i].Tid == migration.Tid {
			return s.pmuSamples[i], true
		}
	}
	return events.PmuSample{}, false
}

// PmuAfterMigration returns the PMU sample on migration.Tid with the
// smallest TimestampNs not before migration.TimestampNs, if any.
func (s *Store) PmuAfterMigration(migration events.MigrationEvent) (events.PmuSample, bool) {
	start := sort.Search(len(s.pmuSamples), func(i int) bool {
		return s.pmuSamples[i].TimestampNs >= migration.TimestampNs
	})

	for i := start; i < len(s.pmuSamples); i++ {
		if s.pmuSamples[i].Tid == migration.Tid {
			return s.pmuSamples[i], true
		}
	}
	return events.PmuSample{}, false
}

// MigrationCount returns the number of stored migrations.
func (s *Store) MigrationCount() int { return len(s.migrations) }

// PmuSampleCount returns the number of stored PMU samples.
func (s *Store) PmuSampleCount() int { return len(s.pmuSamples) }

// Clear discards all stored events.
func (s *Store) Clear() {
	s.migrations = nil
	s.pmuSamples = nil
}
