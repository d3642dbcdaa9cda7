package probe

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// CARM event bundles for cache-aware roofline analysis. Titles carry the
// reserved CARM_ prefix, which user-supplied events may not use.

const carmPrefix = "CARM_"

// IsReservedTitle reports whether a user-supplied event title collides with
// the roofline preset namespace.
func IsReservedTitle(title string) bool {
	return strings.HasPrefix(title, carmPrefix)
}

var carmIntel = []ExtraEvent{
	{Event: "fp_arith_inst_retired.scalar_double", Title: "CARM_FP"},
	{Event: "mem_load_retired.l1_hit", Title: "CARM_L1"},
	{Event: "mem_load_retired.l2_hit", Title: "CARM_L2"},
	{Event: "mem_load_retired.l3_hit", Title: "CARM_L3"},
	{Event: "mem_load_retired.l3_miss", Title: "CARM_DRAM"},
}

var carmAMD = []ExtraEvent{
	{Event: "retired_sse_avx_flops", Title: "CARM_FP"},
	{Event: "ls_dc_accesses", Title: "CARM_L1"},
	{Event: "l2_cache_accesses_from_dc_misses", Title: "CARM_L2"},
	{Event: "l3_cache_accesses", Title: "CARM_L3"},
	{Event: "l3_misses", Title: "CARM_DRAM"},
}

// CARMEvents synthesizes the vendor-specific roofline bundle sampled with the
// given period. Roofline analysis is x86-only and limited to Intel and AMD.
func CARMEvents(period uint64) ([]ExtraEvent, error) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		return nil, fmt.Errorf("probe: roofline analysis requires an x86 CPU")
	}
	vendor, err := cpuVendor()
	if err != nil {
		return nil, err
	}
	var bundle []ExtraEvent
	switch vendor {
	case "GenuineIntel":
		bundle = carmIntel
	case "AuthenticAMD":
		bundle = carmAMD
	default:
		return nil, fmt.Errorf("probe: unsupported CPU vendor %q for roofline analysis", vendor)
	}
	events := make([]ExtraEvent, len(bundle))
	for i, e := range bundle {
		e.Period = period
		events[i] = e
	}
	return events, nil
}

func cpuVendor() (string, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "", fmt.Errorf("probe: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "vendor_id" {
			return strings.TrimSpace(val), nil
		}
	}
	return "", fmt.Errorf("probe: cpu vendor not identified")
}
