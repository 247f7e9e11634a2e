// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_GetCoreType(t *testing.T) {
	m := NewMap([]CpuId{0, 1, 2, 3}, []CpuId{4, 5, 6, 7})

	tests := []struct {
		name    string
		cpu     CpuId
		want    CoreType
		wantErr bool
	}{
		{name: "classified P-core", cpu: 2, want: PCore},
		{name: "classified E-core", cpu: 6, want: ECore},
		{name: "out of range", cpu: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.GetCoreType(tt.cpu)
			if tt.wantErr {
				require.Error(t, err)
				var topErr *Error
				require.ErrorAs(t, err, &topErr)
				assert.Equal(t, InvalidCpuId, topErr.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMap_GetCoreType_UnclassifiedGap(t *testing.T) {
	// cpu 2 falls in a gap between the two classified sets and was never
	// assigned a type, so it must read back as InvalidCpuId rather than
	// silently as Unknown-but-ok.
	m := NewMap([]CpuId{0, 1}, []CpuId{4, 5})

	_, err := m.GetCoreType(2)
	require.Error(t, err)
	var topErr *Error
	require.ErrorAs(t, err, &topErr)
	assert.Equal(t, InvalidCpuId, topErr.Kind)
}

func TestMap_PCoresECores(t *testing.T) {
	m := NewMap([]CpuId{0, 1, 2}, []CpuId{3, 4})

	assert.Equal(t, []CpuId{0, 1, 2}, m.PCores())
	assert.Equal(t, []CpuId{3, 4}, m.ECores())
	assert.Equal(t, 5, m.TotalCpuCount())
}

func TestMap_IsHybrid(t *testing.T) {
	assert.True(t, NewMap([]CpuId{0}, []CpuId{1}).IsHybrid())
	assert.False(t, NewMap([]CpuId{0, 1}, nil).IsHybrid())
	assert.False(t, NewMap(nil, []CpuId{0, 1}).IsHybrid())
	assert.False(t, NewMap(nil, nil).IsHybrid())
}

func TestMap_IsSmtSibling(t *testing.T) {
	m := NewMap([]CpuId{0, 1, 2, 3}, []CpuId{4, 5})

	// Without siblings installed, every pair is reported as not sharing a
	// physical core.
	assert.False(t, m.IsSmtSibling(0, 1))

	m.SetSiblings(map[CpuId]CpuId{0: 100, 1: 100, 2: 101, 3: 101})

	assert.True(t, m.IsSmtSibling(0, 1))
	assert.False(t, m.IsSmtSibling(0, 2))
	assert.False(t, m.IsSmtSibling(0, 0), "a cpu is never its own SMT sibling")
}

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{SysfsNotFound, "sysfs topology entries not found"},
		{NotHybridCpu, "system does not have a hybrid CPU"},
		{ParseError, "failed to parse CPU list format"},
		{InvalidCpuId, "invalid CPU ID"},
		{PermissionDenied, "permission denied accessing sysfs"},
		{ErrorKind(99), "unknown topology error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
