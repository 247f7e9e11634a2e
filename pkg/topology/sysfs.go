// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// DefaultSysPath is the standard mount point for sysfs. Tests and
// non-default mount namespaces override it via LoadFromSysPath, following
// the HostSysPath convention used throughout this codebase's collectors.
const DefaultSysPath = "/sys"

var cpuDirRE = regexp.MustCompile(`^cpu([0-9]+)$`)

// LoadFromSysfs discovers the hybrid CPU partition from the standard
// sysfs mount.
func LoadFromSysfs() (*Map, error) {
	return LoadFromSysPath(DefaultSysPath)
}

// LoadFromSysPath runs the two-phase discovery protocol against a given
// sysfs root: first the per-PMU cpu_core/cpu_atom list files, then a
// fallback scan of per-CPU topology/core_type files.
func LoadFromSysPath(sysPath string) (*Map, error) {
	m, err := loadFromPMULists(sysPath)
	if err == nil {
		loadSiblings(m, sysPath)
		return m, nil
	}

	var topErr *Error
	if !errors.As(err, &topErr) || topErr.Kind != SysfsNotFound {
		// P-core list file existed but something else went wrong
		// (parse error, or it existed without an E-core sibling):
		// that result is authoritative, do not fall through.
		return nil, err
	}

	m, err = loadFromCoreType(sysPath)
	if err != nil {
		return nil, err
	}
	loadSiblings(m, sysPath)
	return m, nil
}

func loadFromPMULists(sysPath string) (*Map, error) {
	pPath := filepath.Join(sysPath, "devices/cpu_core/cpus_list")
	ePath := filepath.Join(sysPath, "devices/cpu_atom/cpus_list")

	pContent, err := readSysfsFile(pPath)
	if err != nil {
		return nil, err
	}

	pCores, err := ParseCPUList(pContent)
	if err != nil {
		return nil, err
	}

	eContent, err := readSysfsFile(ePath)
	if err != nil {
		var topErr *Error
		if errors.As(err, &topErr) && topErr.Kind == SysfsNotFound {
			return nil, newError(NotHybridCpu, "cpu_core present without cpu_atom at %s", ePath)
		}
		return nil, err
	}

	eCores, err := ParseCPUList(eContent)
	if err != nil {
		return nil, err
	}

	return NewMap(pCores, eCores), nil
}

func loadFromCoreType(sysPath string) (*Map, error) {
	cpuBase := filepath.Join(sysPath, "devices/system/cpu")

	entries, err := os.ReadDir(cpuBase)
	if err != nil {
		if os.IsPermission(err) {
			return nil, newError(PermissionDenied, "reading %s: %v", cpuBase, err)
		}
		return nil, newError(SysfsNotFound, "reading %s: %v", cpuBase, err)
	}

	var pCores, eCores []CpuId
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := cpuDirRE.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		n, err := strconv.ParseUint(match[1], 10, 32)
		if err != nil {
			continue
		}
		cpu := CpuId(n)

		ctPath := filepath.Join(cpuBase, entry.Name(), "topology/core_type")
		content, err := readSysfsFile(ctPath)
		if err != nil {
			continue // not classifiable; skip per discovery protocol
		}

		coreType, err := ParseCoreType(content)
		if err != nil {
			continue
		}

		switch coreType {
		case PCore:
			pCores = append(pCores, cpu)
		case ECore:
			eCores = append(eCores, cpu)
		}
	}

	if len(pCores) == 0 && len(eCores) == 0 {
		return nil, newError(SysfsNotFound, "no classifiable CPUs under %s", cpuBase)
	}
	if len(pCores) == 0 || len(eCores) == 0 {
		return nil, newError(NotHybridCpu, "only one core class populated under %s", cpuBase)
	}

	sort.Slice(pCores, func(i, j int) bool { return pCores[i] < pCores[j] })
	sort.Slice(eCores, func(i, j int) bool { return eCores[i] < eCores[j] })

	return NewMap(pCores, eCores), nil
}

// loadSiblings reads topology/core_id for every classified CPU to populate
// SMT-sibling data. Failure here is never fatal to topology discovery
// itself: SMT data is an enrichment, not part of the P/E classification.
func loadSiblings(m *Map, sysPath string) {
	cpuBase := filepath.Join(sysPath, "devices/system/cpu")
	siblings := make(map[CpuId]CpuId, m.TotalCpuCount())

	for _, cpu := range append(append([]CpuId(nil), m.pCores...), m.eCores...) {
		coreIDPath := filepath.Join(cpuBase, "cpu"+strconv.FormatUint(uint64(cpu), 10), "topology/core_id")
		content, err := readSysfsFile(coreIDPath)
		if err != nil {
			continue
		}
		n, err := strconv.ParseUint(content, 10, 32)
		if err != nil {
			continue
		}
		siblings[cpu] = CpuId(n)
	}

	if len(siblings) > 0 {
		m.SetSiblings(siblings)
	}
}

func readSysfsFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return "", newError(PermissionDenied, "reading %s: %v", path, err)
		}
		return "", newError(SysfsNotFound, "reading %s: %v", path, err)
	}
	return string(data), nil
}
