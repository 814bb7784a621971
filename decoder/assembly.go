package decoder

import (
	"fmt"
	"sort"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/aldas/go-vehicle-telemetry/metric"
)

type cycleState uint8

const (
	cycleEmpty cycleState = iota
	cycleFilling
	cycleComplete
)

type assemblyTarget struct {
	handle metric.Handle
	kind   metric.Kind
	stride int
	offset int
	// buffer is index of commit buffer used with CommitComplete policy
	buffer int
}

type assemblyGroup struct {
	first  uint8
	last   uint8
	signed bool
	scale  float64
	offset float64

	targets []assemblyTarget
}

// commitBuffer holds values of one vector metric until cycle completes.
type commitBuffer struct {
	handle  metric.Handle
	values  []metric.Value
	written []bool
}

// assembly is state of multi-frame reassembly for single rule. Each sub-frame index is represented by single bit in
// received mask and cycle is complete when received mask equals expected mask.
type assembly struct {
	indexByte    uint8
	minLength    int
	commit       CommitPolicy
	cycleTimeout time.Duration
	values       []SubValue
	// groupOf maps sub-frame index to group for all 256 possible index values. `-1` means unexpected index.
	groupOf [256]int16
	groups  []assemblyGroup
	buffers []commitBuffer

	expectedMask uint64
	receivedMask uint64
	state        cycleState
	cycleStarted time.Time
}

type elementWrite struct {
	handle  metric.Handle
	element int
	value   metric.Value
}

type vectorWrite struct {
	handle metric.Handle
	start  int
	values []metric.Value
}

type assemblyResult struct {
	writes    []vectorWrite
	completed bool
	abandoned bool
}

func (a *assembly) append(payload telemetry.Payload, now time.Time) (assemblyResult, error) {
	result := assemblyResult{}
	if len(payload) < a.minLength {
		return result, fmt.Errorf("payload length %v, required %v: %w", len(payload), a.minLength, ErrMalformedFrame)
	}
	index := payload[a.indexByte]
	groupIdx := a.groupOf[index]
	if groupIdx < 0 {
		return result, fmt.Errorf("unexpected sub-frame index %v: %w", index, ErrMalformedFrame)
	}
	group := &a.groups[groupIdx]

	// decode everything before touching cycle state so malformed frame leaves assembly as it was
	writes := make([]elementWrite, 0, len(group.targets))
	for i, sv := range a.values {
		raw, err := payload.DecodeUint(sv.BitOffset, sv.BitLength)
		if err != nil {
			return result, fmt.Errorf("sub-value %v: %w", i, ErrMalformedFrame)
		}
		v := float64(raw)
		if group.signed {
			v = float64(telemetry.SignExtend(raw, sv.BitLength))
		}
		t := group.targets[i]
		writes = append(writes, elementWrite{
			handle:  t.handle,
			element: int(index-group.first)*t.stride + t.offset,
			value:   metric.NumberValue(t.kind, v*group.scale+group.offset),
		})
	}

	bit := uint64(1) << index
	switch a.state {
	case cycleEmpty, cycleComplete:
		a.reset(now)
	case cycleFilling:
		if a.receivedMask&bit != 0 || (a.cycleTimeout > 0 && now.Sub(a.cycleStarted) > a.cycleTimeout) {
			result.abandoned = true
			a.reset(now)
		}
	}
	a.receivedMask |= bit
	a.state = cycleFilling

	if a.commit == CommitComplete {
		for i, w := range writes {
			b := &a.buffers[group.targets[i].buffer]
			b.values[w.element] = w.value
			b.written[w.element] = true
		}
	} else {
		result.writes = coalesce(writes)
	}

	if a.receivedMask == a.expectedMask {
		a.state = cycleComplete
		result.completed = true
		if a.commit == CommitComplete {
			result.writes = a.flush()
		}
	}
	return result, nil
}

func (a *assembly) reset(now time.Time) {
	a.receivedMask = 0
	a.state = cycleEmpty
	a.cycleStarted = now
	for i := range a.buffers {
		b := &a.buffers[i]
		for j := range b.written {
			b.written[j] = false
		}
	}
}

// flush returns buffered values as contiguous runs of written elements.
func (a *assembly) flush() []vectorWrite {
	result := make([]vectorWrite, 0, len(a.buffers))
	for _, b := range a.buffers {
		start := -1
		for i := 0; i <= len(b.written); i++ {
			if i < len(b.written) && b.written[i] {
				if start == -1 {
					start = i
				}
				continue
			}
			if start != -1 {
				values := make([]metric.Value, i-start)
				copy(values, b.values[start:i])
				result = append(result, vectorWrite{handle: b.handle, start: start, values: values})
				start = -1
			}
		}
	}
	return result
}

// coalesce groups element writes by metric and merges adjacent elements to single vector write so readers observe
// values decoded from one frame together.
func coalesce(writes []elementWrite) []vectorWrite {
	handles := make([]metric.Handle, 0, 2)
	byHandle := make(map[metric.Handle][]elementWrite, 2)
	for _, w := range writes {
		if _, ok := byHandle[w.handle]; !ok {
			handles = append(handles, w.handle)
		}
		byHandle[w.handle] = append(byHandle[w.handle], w)
	}

	result := make([]vectorWrite, 0, len(handles))
	for _, h := range handles {
		ws := byHandle[h]
		sort.SliceStable(ws, func(i, j int) bool {
			return ws[i].element < ws[j].element
		})
		current := vectorWrite{handle: h, start: ws[0].element, values: []metric.Value{ws[0].value}}
		for _, w := range ws[1:] {
			end := current.start + len(current.values)
			switch {
			case w.element == end:
				current.values = append(current.values, w.value)
			case w.element == end-1:
				// same element twice, last one wins
				current.values[len(current.values)-1] = w.value
			default:
				result = append(result, current)
				current = vectorWrite{handle: h, start: w.element, values: []metric.Value{w.value}}
			}
		}
		result = append(result, current)
	}
	return result
}

// progress returns received and expected sub-frame masks.
func (a *assembly) progress() (uint64, uint64) {
	return a.receivedMask, a.expectedMask
}
