// Package meter implements the traffic meter (C4): it reads per-mark
// packet/byte counters out of a pinned eBPF map the kernel's classifier
// populates, and turns the kernel's free-running 64-bit counters into
// overflow-safe byte/packet deltas for CDR accounting. The map itself is
// populated by an out-of-repo BPF program attached to the mangle chain
// (see DESIGN.md); this package only ever reads it, the way the teacher's
// eBPF loader only ever reads its perf ring buffer.
package meter

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
)

// Sample is one mark's counter pair at a point in time.
type Sample struct {
	Mark        uint32
	ForwardBytes uint64
	ReturnBytes  uint64
	ForwardPkts  uint64
	ReturnPkts   uint64
}

// Delta is the overflow-corrected change between two samples.
type Delta struct {
	ForwardBytes uint64
	ReturnBytes  uint64
	ForwardPkts  uint64
	ReturnPkts   uint64
	Anomaly      bool // true if a counter went backward without a plausible wrap
	WrappedFwd   bool // true if ForwardBytes traveled through a 64-bit wraparound
	WrappedRet   bool // true if ReturnBytes traveled through a 64-bit wraparound
}

// overflowThreshold is the fraction of the 64-bit counter space a single
// interval's "decrease" must exceed before it is treated as a genuine
// wraparound rather than a reset/anomaly. Ninety percent, matching the
// original MAGIC CDR module's wrap-detection rule exactly
// (UINT64_MAX/10*9, computed in integer arithmetic to avoid a float
// comparison against the counter's own magnitude).
const overflowThresholdNum = 9
const overflowThresholdDen = 10

var overflowThreshold = (^uint64(0) / overflowThresholdDen) * overflowThresholdNum

// delta64 computes next-prev accounting for 64-bit wraparound. If next <
// prev, the difference could be either a genuine wrap (next legitimately
// passed through zero) or a counter reset/anomaly (e.g. interface
// replaced). It is treated as a wrap only when the apparent decrease
// (prev - next) reaches overflowThreshold, and the delta is then the
// distance traveled through zero; otherwise it is flagged anomalous and
// reported as zero delta.
func delta64(prev, next uint64) (d uint64, wrapped, anomaly bool) {
	if next >= prev {
		return next - prev, false, false
	}
	if prev-next >= overflowThreshold {
		return (^uint64(0) - prev) + next + 1, true, false
	}
	return 0, false, true
}

// Diff computes the overflow-safe delta between an earlier and later
// sample for the same mark.
func Diff(prev, next Sample) Delta {
	var d Delta
	var a1, a2, a3, a4 bool
	d.ForwardBytes, d.WrappedFwd, a1 = delta64(prev.ForwardBytes, next.ForwardBytes)
	d.ReturnBytes, d.WrappedRet, a2 = delta64(prev.ReturnBytes, next.ReturnBytes)
	d.ForwardPkts, _, a3 = delta64(prev.ForwardPkts, next.ForwardPkts)
	d.ReturnPkts, _, a4 = delta64(prev.ReturnPkts, next.ReturnPkts)
	d.Anomaly = a1 || a2 || a3 || a4
	return d
}

// mapKey mirrors the BPF map's key layout: a single uint32 mark in host
// byte order, matching the key the mangle-chain classifier uses to index the map.
type mapKey = uint32

// mapValue mirrors the BPF map's per-entry value layout: four consecutive
// uint64 counters (forward bytes, return bytes, forward packets, return
// packets), little-endian as BPF programs always emit on every supported
// architecture.
type mapValue struct {
	ForwardBytes uint64
	ReturnBytes  uint64
	ForwardPkts  uint64
	ReturnPkts   uint64
}

func decodeValue(raw []byte) (mapValue, error) {
	if len(raw) < 32 {
		return mapValue{}, fmt.Errorf("short map value: %d bytes", len(raw))
	}
	return mapValue{
		ForwardBytes: binary.LittleEndian.Uint64(raw[0:8]),
		ReturnBytes:  binary.LittleEndian.Uint64(raw[8:16]),
		ForwardPkts:  binary.LittleEndian.Uint64(raw[16:24]),
		ReturnPkts:   binary.LittleEndian.Uint64(raw[24:32]),
	}, nil
}

// Reader reads the pinned traffic-counter map and keeps the last sample
// per mark so callers can request overflow-safe deltas without managing
// history themselves.
type Reader struct {
	mu      sync.Mutex
	m       *ebpf.Map
	last    map[uint32]Sample
	logger  *zap.Logger
}

// OpenPinned opens the traffic-counter map pinned at path (conventionally
// under /sys/fs/bpf by the program that populates it).
func OpenPinned(path string, logger *zap.Logger) (*Reader, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("load pinned map %s: %w", path, err)
	}
	return &Reader{m: m, last: make(map[uint32]Sample), logger: logger}, nil
}

// Close releases the map handle.
func (r *Reader) Close() error {
	if r.m == nil {
		return nil
	}
	return r.m.Close()
}

// Sample reads the current counters for mark, returning the overflow-safe
// delta since the previous call for the same mark along with the raw
// cumulative sample itself (callers persist the raw values as a CDR's
// last-sample fields so wrap detection survives a process restart). The
// first call for a mark returns a zero delta (there is no prior sample to
// diff against) and just records the baseline.
func (r *Reader) Sample(mark uint32) (Delta, Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var raw []byte
	if err := r.m.Lookup(mapKey(mark), &raw); err != nil {
		return Delta{}, Sample{}, fmt.Errorf("lookup mark %d: %w", mark, err)
	}
	val, err := decodeValue(raw)
	if err != nil {
		return Delta{}, Sample{}, err
	}
	next := Sample{
		Mark:         mark,
		ForwardBytes: val.ForwardBytes,
		ReturnBytes:  val.ReturnBytes,
		ForwardPkts:  val.ForwardPkts,
		ReturnPkts:   val.ReturnPkts,
	}

	prev, ok := r.last[mark]
	r.last[mark] = next
	if !ok {
		return Delta{}, next, nil
	}
	d := Diff(prev, next)
	if d.Anomaly {
		r.logger.Warn("traffic counter anomaly detected", zap.Uint32("mark", mark))
	}
	return d, next, nil
}

// Forget drops the retained baseline for a mark, used when a session ends
// so a reused mark value does not diff against stale history.
func (r *Reader) Forget(mark uint32) {
	r.mu.Lock()
	delete(r.last, mark)
	r.mu.Unlock()
}
