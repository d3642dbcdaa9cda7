package ingest

import (
	"sort"
	"strings"
)

// threadEntry is one row of metadata.thread_tree.
type threadEntry struct {
	Identifier string  `json:"identifier"`
	Parent     *string `json:"parent"`
	Tag        [4]any  `json:"tag"`
}

// metadata is the merged metadata.json document.
type metadata struct {
	ThreadTree    []threadEntry          `json:"thread_tree"`
	Callchains    map[string][]string    `json:"callchains"`
	OffcpuRegions map[string][][2]uint64 `json:"offcpu_regions"`
	SampledTimes  map[string]uint64      `json:"sampled_times"`
}

// merged is the consolidated session output before it is written out.
type merged struct {
	meta        metadata
	finalOutput map[string]map[string]any // pid_tid → event counters
	knownTids   map[string]bool
}

func newMerged() *merged {
	return &merged{
		meta: metadata{
			ThreadTree:    []threadEntry{},
			Callchains:    map[string][]string{},
			OffcpuRegions: map[string][][2]uint64{},
			SampledTimes:  map[string]uint64{},
		},
		finalOutput: map[string]map[string]any{},
		knownTids:   map[string]bool{},
	}
}

// addResult folds one subclient result in. Results must be added in
// subclient-creation order so duplicate-chain detection is deterministic.
// Within one result the well-known keys are processed before sample keys.
func (m *merged) addResult(result map[string]any) error {
	if tree, ok := result["syscall_meta"].(*TreeMeta); ok {
		for _, tid := range tree.Tids {
			meta := tree.Meta[tid]
			parent := meta.Parent
			entry := threadEntry{
				Identifier: tid,
				Tag:        [4]any{meta.Comm, meta.PidTid, meta.Start, meta.End},
			}
			if parent != "" {
				entry.Parent = &parent
			}
			m.meta.ThreadTree = append(m.meta.ThreadTree, entry)
			m.knownTids[tid] = true
		}
	}
	if chains, ok := result["syscall"].(map[string][]string); ok {
		ids := make([]string, 0, len(chains))
		for id := range chains {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if _, dup := m.meta.Callchains[id]; dup {
				return protocolErrorf("duplicate callchain id %q", id)
			}
			m.meta.Callchains[id] = chains[id]
		}
	}

	var sampleKeys []string
	for key := range result {
		if strings.HasPrefix(key, "sample") {
			sampleKeys = append(sampleKeys, key)
		}
	}
	sort.Strings(sampleKeys)
	for _, key := range sampleKeys {
		perThread, ok := result[key].(map[string]map[string]any)
		if !ok {
			return protocolErrorf("malformed sample result under %q", key)
		}
		pidTids := make([]string, 0, len(perThread))
		for pidTid := range perThread {
			pidTids = append(pidTids, pidTid)
		}
		sort.Strings(pidTids)
		for _, pidTid := range pidTids {
			m.addSampleEntry(pidTid, perThread[pidTid])
		}
	}
	return nil
}

func (m *merged) addSampleEntry(pidTid string, fields map[string]any) {
	tid := tidOf(pidTid)
	if !m.knownTids[tid] {
		// The tree probe never saw this thread; synthesize a placeholder.
		m.meta.ThreadTree = append(m.meta.ThreadTree, threadEntry{
			Identifier: tid,
			Parent:     nil,
			Tag:        [4]any{"?", strings.Replace(pidTid, "_", "/", 1), int64(-1), int64(-1)},
		})
		m.knownTids[tid] = true
	}
	for field, value := range fields {
		switch field {
		case "sampled_time":
			if v, ok := value.(uint64); ok {
				m.meta.SampledTimes[pidTid] = v
			}
		case "offcpu_regions":
			if v, ok := value.([][2]uint64); ok {
				m.meta.OffcpuRegions[pidTid] = append(m.meta.OffcpuRegions[pidTid], v...)
			}
		case "first_time":
			// dropped: only meaningful to the probe-side scripts
		default:
			out := m.finalOutput[pidTid]
			if out == nil {
				out = map[string]any{}
				m.finalOutput[pidTid] = out
			}
			out[field] = value
		}
	}
}

// tidOf extracts the TID half of a "pid_tid" key.
func tidOf(pidTid string) string {
	if _, tid, ok := strings.Cut(pidTid, "_"); ok {
		return tid
	}
	return pidTid
}

// rebase shifts every off-CPU region onto the session epoch.
func (m *merged) rebase(epoch uint64) {
	for _, regions := range m.meta.OffcpuRegions {
		for i := range regions {
			regions[i][0] -= epoch
		}
	}
}
