// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package eventstore

import (
	"testing"

	"github.com/antimetal/threveal/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMigration(timestampNs uint64, tid uint32, src, dst uint32) events.MigrationEvent {
	return events.MigrationEvent{
		TimestampNs: timestampNs,
		Pid:         tid,
		Tid:         tid,
		SrcCpu:      src,
		DstCpu:      dst,
	}
}

func makePmuSample(timestampNs uint64, tid uint32, cpu uint32) events.PmuSample {
	return events.PmuSample{
		TimestampNs:   timestampNs,
		Tid:           tid,
		CpuId:         cpu,
		Instructions:  1000000,
		Cycles:        500000,
		LlcMisses:     100,
		LlcReferences: 1000,
		BranchMisses:  50,
	}
}

func TestStore_StartsEmpty(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.MigrationCount())
	assert.Equal(t, 0, s.PmuSampleCount())
	assert.Empty(t, s.AllMigrations())
	assert.Empty(t, s.AllPmuSamples())
}

func TestStore_MaintainsMigrationsSortedByTimestamp(t *testing.T) {
	s := New()
	s.AddMigration(makeMigration(3000, 42, 0, 1))
	s.AddMigration(makeMigration(1000, 42, 1, 0))
	s.AddMigration(makeMigration(4000, 42, 0, 1))
	s.AddMigration(makeMigration(2000, 42, 1, 0))

	all := s.AllMigrations()
	require.Len(t, all, 4)
	assert.Equal(t, []uint64{1000, 2000, 3000, 4000},
		[]uint64{all[0].TimestampNs, all[1].TimestampNs, all[2].TimestampNs, all[3].TimestampNs})
}

func TestStore_MaintainsPmuSamplesSortedByTimestamp(t *testing.T) {
	s := New()
	s.AddPmuSample(makePmuSample(3000, 42, 0))
	s.AddPmuSample(makePmuSample(1000, 42, 0))
	s.AddPmuSample(makePmuSample(4000, 42, 0))
	s.AddPmuSample(makePmuSample(2000, 42, 0))

	all := s.AllPmuSamples()
	require.Len(t, all, 4)
	assert.Equal(t, []uint64{1000, 2000, 3000, 4000},
		[]uint64{all[0].TimestampNs, all[1].TimestampNs, all[2].TimestampNs, all[3].TimestampNs})
}

func TestStore_MigrationsForThread(t *testing.T) {
	s := New()
	s.AddMigration(makeMigration(1000, 42, 0, 1))
	s.AddMigration(makeMigration(2000, 43, 0, 1))
	s.AddMigration(makeMigration(3000, 42, 1, 0))
	s.AddMigration(makeMigration(4000, 44, 0, 1))

	thread42 := s.MigrationsForThread(42)
	require.Len(t, thread42, 2)
	assert.Equal(t, uint64(1000), thread42[0].TimestampNs)
	assert.Equal(t, uint64(3000), thread42[1].TimestampNs)

	assert.Empty(t, s.MigrationsForThread(99))
}

func TestStore_MigrationsInRange(t *testing.T) {
	s := New()
	s.AddMigration(makeMigration(1000, 42, 0, 1))
	s.AddMigration(makeMigration(2000, 42, 1, 0))
	s.AddMigration(makeMigration(3000, 42, 0, 1))
	s.AddMigration(makeMigration(4000, 42, 1, 0))

	tests := []struct {
		name           string
		start, end     uint64
		wantTimestamps []uint64
	}{
		{"middle range", 1500, 3500, []uint64{2000, 3000}},
		{"exact boundaries inclusive", 2000, 3000, []uint64{2000, 3000}},
		{"range before all events", 0, 500, nil},
		{"range after all events", 5000, 6000, nil},
		{"full range", 0, 10000, []uint64{1000, 2000, 3000, 4000}},
		{"single element range", 3000, 3000, []uint64{3000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.MigrationsInRange(tt.start, tt.end)
			var got []uint64
			for _, m := range result {
				got = append(got, m.TimestampNs)
			}
			assert.Equal(t, tt.wantTimestamps, got)
		})
	}
}

func TestStore_MigrationsInRangeOutOfOrderInsertion(t *testing.T) {
	s := New()
	s.AddMigration(makeMigration(5000, 42, 0, 1))
	s.AddMigration(makeMigration(1000, 42, 0, 1))
	s.AddMigration(makeMigration(3000, 42, 0, 1))
	s.AddMigration(makeMigration(7000, 42, 0, 1))
	s.AddMigration(makeMigration(9000, 42, 0, 1))

	result := s.MigrationsInRange(2500, 7500)
	require.Len(t, result, 3)
	assert.Equal(t, []uint64{3000, 5000, 7000},
		[]uint64{result[0].TimestampNs, result[1].TimestampNs, result[2].TimestampNs})
}

func TestStore_PmuSamplesForThread(t *testing.T) {
	s := New()
	s.AddPmuSample(makePmuSample(1000, 42, 0))
	s.AddPmuSample(makePmuSample(2000, 43, 0))
	s.AddPmuSample(makePmuSample(3000, 42, 1))

	thread42 := s.PmuSamplesForThread(42)
	require.Len(t, thread42, 2)
	assert.Equal(t, uint64(1000), thread42[0].TimestampNs)
	assert.Equal(t, uint64(3000), thread42[1].TimestampNs)

	assert.Empty(t, s.PmuSamplesForThread(99))
}

func TestStore_PmuBeforeMigration(t *testing.T) {
	s := New()
	s.AddPmuSample(makePmuSample(1000, 42, 0))
	s.AddPmuSample(makePmuSample(2000, 42, 0))
	s.AddPmuSample(makePmuSample(4000, 42, 1))

	migration := makeMigration(3000, 42, 0, 1)

	t.Run("finds closest sample before", func(t *testing.T) {
		result, ok := s.PmuBeforeMigration(migration)
		require.True(t, ok)
		assert.Equal(t, uint64(2000), result.TimestampNs)
	})

	t.Run("none before an early migration", func(t *testing.T) {
		_, ok := s.PmuBeforeMigration(makeMigration(500, 42, 0, 1))
		assert.False(t, ok)
	})

	t.Run("none for a different thread", func(t *testing.T) {
		_, ok := s.PmuBeforeMigration(makeMigration(3000, 99, 0, 1))
		assert.False(t, ok)
	})

	t.Run("includes sample at exact migration time", func(t *testing.T) {
		result, ok := s.PmuBeforeMigration(makeMigration(2000, 42, 0, 1))
		require.True(t, ok)
		assert.Equal(t, uint64(2000), result.TimestampNs)
	})
}

func TestStore_PmuAfterMigration(t *testing.T) {
	s := New()
	s.AddPmuSample(makePmuSample(1000, 42, 0))
	s.AddPmuSample(makePmuSample(3000, 42, 1))
	s.AddPmuSample(makePmuSample(4000, 42, 1))

	migration := makeMigration(2000, 42, 0, 1)

	t.Run("finds closest sample after", func(t *testing.T) {
		result, ok := s.PmuAfterMigration(migration)
		require.True(t, ok)
		assert.Equal(t, uint64(3000), result.TimestampNs)
	})

	t.Run("none after a late migration", func(t *testing.T) {
		_, ok := s.PmuAfterMigration(makeMigration(5000, 42, 1, 0))
		assert.False(t, ok)
	})

	t.Run("none for a different thread", func(t *testing.T) {
		_, ok := s.PmuAfterMigration(makeMigration(2000, 99, 0, 1))
		assert.False(t, ok)
	})

	t.Run("includes sample at exact migration time", func(t *testing.T) {
		result, ok := s.PmuAfterMigration(makeMigration(3000, 42, 0, 1))
		require.True(t, ok)
		assert.Equal(t, uint64(3000), result.TimestampNs)
	})
}

func TestStore_PmuCorrelationOutOfOrderInsertion(t *testing.T) {
	s := New()
	s.AddPmuSample(makePmuSample(4000, 42, 1))
	s.AddPmuSample(makePmuSample(1000, 42, 0))
	s.AddPmuSample(makePmuSample(3000, 42, 0))
	s.AddPmuSample(makePmuSample(6000, 42, 1))

	migration := makeMigration(3500, 42, 0, 1)

	before, ok := s.PmuBeforeMigration(migration)
	require.True(t, ok)
	assert.Equal(t, uint64(3000), before.TimestampNs)

	after, ok := s.PmuAfterMigration(migration)
	require.True(t, ok)
	assert.Equal(t, uint64(4000), after.TimestampNs)
}

func TestStore_PmuCorrelationMultipleThreads(t *testing.T) {
	s := New()
	s.AddPmuSample(makePmuSample(1000, 42, 0))
	s.AddPmuSample(makePmuSample(1500, 43, 0))
	s.AddPmuSample(makePmuSample(2000, 42, 0))
	s.AddPmuSample(makePmuSample(2500, 43, 0))
	s.AddPmuSample(makePmuSample(3000, 42, 1))
	s.AddPmuSample(makePmuSample(3500, 43, 1))

	t.Run("before finds the right thread's sample", func(t *testing.T) {
		result, ok := s.PmuBeforeMigration(makeMigration(2800, 42, 0, 1))
		require.True(t, ok)
		assert.Equal(t, uint64(2000), result.TimestampNs)
		assert.Equal(t, uint32(42), result.Tid)
	})

	t.Run("after finds the right thread's sample", func(t *testing.T) {
		result, ok := s.PmuAfterMigration(makeMigration(2200, 42, 0, 1))
		require.True(t, ok)
		assert.Equal(t, uint64(3000), result.TimestampNs)
		assert.Equal(t, uint32(42), result.Tid)
	})
}

func TestStore_PmuCorrelationEmptyStore(t *testing.T) {
	s := New()
	migration := makeMigration(1000, 42, 0, 1)

	_, ok := s.PmuBeforeMigration(migration)
	assert.False(t, ok)

	_, ok = s.PmuAfterMigration(migration)
	assert.False(t, ok)
}

func TestStore_Clear(t *testing.T) {
	s := New()
	s.AddMigration(makeMigration(1000, 42, 0, 1))
	s.AddPmuSample(makePmuSample(1000, 42, 0))

	s.Clear()

	assert.Equal(t, 0, s.MigrationCount())
	assert.Equal(t, 0, s.PmuSampleCount())
}
