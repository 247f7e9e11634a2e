// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"strconv"
	"strings"
)

// ParseCPUList parses the sysfs CPU list grammar: a comma-separated list of
// single CPU ids or ascending ranges ("0-11", "0-2,5,8-10"). The parser is
// strict: trailing commas, inverted ranges, and empty input
// are all ParseError, since a malformed sysfs topology entry indicates the
// map should not be trusted rather than silently degraded.
func ParseCPUList(list string) ([]CpuId, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, newError(ParseError, "empty CPU list")
	}

	var result []CpuId
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, newError(ParseError, "empty element in %q", list)
		}

		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			start, err := parseCPUNumber(part[:dash])
			if err != nil {
				return nil, err
			}
			end, err := parseCPUNumber(part[dash+1:])
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, newError(ParseError, "inverted range %q", part)
			}
			for cpu := start; cpu <= end; cpu++ {
				result = append(result, cpu)
			}
		} else {
			cpu, err := parseCPUNumber(part)
			if err != nil {
				return nil, err
			}
			result = append(result, cpu)
		}
	}

	return result, nil
}

func parseCPUNumber(s string) (CpuId, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, newError(ParseError, "empty CPU number")
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, newError(ParseError, "invalid CPU number %q", s)
	}
	return CpuId(n), nil
}

// ParseCoreType classifies the trimmed contents of a per-CPU core_type
// sysfs file. Newer kernels (5.18+) report "Core"/"Atom"; older ones report
// "intel_core"/"intel_atom". Matching is case-sensitive per the kernel ABI.
func ParseCoreType(content string) (CoreType, error) {
	switch strings.TrimSpace(content) {
	case "Core", "intel_core":
		return PCore, nil
	case "Atom", "intel_atom":
		return ECore, nil
	default:
		return Unknown, newError(ParseError, "unrecognized core_type %q", content)
	}
}
