// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build integration

package sampler

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/antimetal/threveal/pkg/perfcounter"
	"github.com/stretchr/testify/require"
)

func newOrSkip(t *testing.T, tid, cpu int, interval time.Duration) *Sampler {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("perf_event_open is Linux-only")
	}
	s, err := New(tid, cpu, interval)
	if perfErr, ok := err.(*perfcounter.Error); ok && perfErr.Kind == perfcounter.PermissionDenied {
		t.Skip("insufficient privilege for perf_event_open in this environment")
	}
	require.NoError(t, err)
	return s
}

func TestSampler_ClampsIntervalAndRemapsNegativeTid(t *testing.T) {
	s := newOrSkip(t, -1, -1, time.Microsecond)
	defer s.Close()

	require.Equal(t, uint32(0), s.TargetTid())
	require.Equal(t, MinInterval, s.Interval())
}

func TestSampler_StartCollectsSamplesThenStop(t *testing.T) {
	s := newOrSkip(t, 0, -1, MinInterval)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples, err := s.Start(ctx)
	require.NoError(t, err)
	require.True(t, s.IsRunning())

	select {
	case sample, ok := <-samples:
		require.True(t, ok)
		require.Equal(t, uint32(0), sample.Tid)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sample")
	}

	s.Stop()
	require.False(t, s.IsRunning())

	_, stillOpen := <-samples
	require.False(t, stillOpen, "the sample channel is closed once the loop exits")
}

func TestSampler_StartTwiceIsInvalidState(t *testing.T) {
	s := newOrSkip(t, 0, -1, MinInterval)
	defer s.Close()

	ctx := context.Background()
	_, err := s.Start(ctx)
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Start(ctx)
	perfErr, ok := err.(*perfcounter.Error)
	require.True(t, ok)
	require.Equal(t, perfcounter.InvalidState, perfErr.Kind)
}
