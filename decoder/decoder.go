package decoder

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/aldas/go-vehicle-telemetry/metric"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownFrame is returned when no rule exists for frame bus and identifier
	ErrUnknownFrame = errors.New("no rule for frame")
	// ErrMalformedFrame is returned when frame payload does not contain all fields its rule requires
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidRule is returned when rule refers to unknown metrics or places values outside of metric bounds
	ErrInvalidRule = errors.New("invalid rule")
	// ErrDuplicateRule is returned when multiple rules exist for same bus and identifier
	ErrDuplicateRule = errors.New("duplicate rule")
)

// DefaultCycleTimeout is time after which incomplete reassembly cycle is abandoned
const DefaultCycleTimeout = 5 * time.Second

// Config is configuration for Decoder.
type Config struct {
	// Logger is used to log malformed frames and failed writes. Defaults to no-op logger.
	Logger *zerolog.Logger
	// Now returns current time. Used for frames without receive time. Defaults to time.Now
	Now func() time.Time
	// CycleTimeout is used for reassembly rules without own cycle timeout. Defaults to DefaultCycleTimeout. Negative
	// value disables timeout.
	CycleTimeout time.Duration
}

// Stats are decoder counters since decoder was created.
type Stats struct {
	Frames    uint64
	Decoded   uint64
	Unknown   uint64
	Malformed uint64

	CyclesCompleted uint64
	CyclesAbandoned uint64

	StringsPublished  uint64
	StringsIncomplete uint64
	StringsAbandoned  uint64
}

type counters struct {
	frames    atomic.Uint64
	decoded   atomic.Uint64
	unknown   atomic.Uint64
	malformed atomic.Uint64

	cyclesCompleted atomic.Uint64
	cyclesAbandoned atomic.Uint64

	stringsPublished  atomic.Uint64
	stringsIncomplete atomic.Uint64
	stringsAbandoned  atomic.Uint64
}

type compiledField struct {
	Field
	handle metric.Handle
	kind   metric.Kind
	// lastWrite is frame time of the last write from this field, used with MinInterval
	lastWrite time.Time
}

type compiledRule struct {
	name      string
	minLength int
	fields    []compiledField
	assembly  *assembly
	text      *textAssembly
}

type ruleKey struct {
	bus uint8
	id  uint32
}

// Decoder decodes frames to metric writes using table of rules. Decoder keeps reassembly state and must be fed from
// single goroutine. Stats can be read concurrently.
type Decoder struct {
	store  *metric.Store
	rules  map[ruleKey]*compiledRule
	logger *zerolog.Logger
	now    func() time.Time

	stats counters
}

// NewFromTable defines all table metrics in store and creates decoder for table rules.
func NewFromTable(store *metric.Store, table Table, config Config) (*Decoder, error) {
	if err := store.DefineAll(table.Metrics); err != nil {
		return nil, err
	}
	return New(store, table.Rules, config)
}

// New creates decoder for given rules. All metrics rules refer to must be already defined in store.
func New(store *metric.Store, rules []Rule, config Config) (*Decoder, error) {
	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	cycleTimeout := config.CycleTimeout
	if cycleTimeout == 0 {
		cycleTimeout = DefaultCycleTimeout
	}

	d := &Decoder{
		store:  store,
		rules:  make(map[ruleKey]*compiledRule, len(rules)),
		logger: logger,
		now:    now,
	}
	for _, r := range rules {
		key := ruleKey{bus: r.Bus, id: r.ID}
		if _, ok := d.rules[key]; ok {
			return nil, fmt.Errorf("rule for bus %v id 0x%x: %w", r.Bus, r.ID, ErrDuplicateRule)
		}
		cr, err := compileRule(store, r, cycleTimeout)
		if err != nil {
			return nil, fmt.Errorf("rule %q (bus %v id 0x%x): %w", r.Name, r.Bus, r.ID, err)
		}
		d.rules[key] = cr
	}
	return d, nil
}

// OnFrame decodes frame and writes decoded values to store. Frames without rule are ignored, malformed frames are
// counted and logged.
func (d *Decoder) OnFrame(frame telemetry.Frame) {
	d.stats.frames.Add(1)

	err := d.Decode(frame)
	switch {
	case err == nil:
		d.stats.decoded.Add(1)
	case errors.Is(err, ErrUnknownFrame):
		d.stats.unknown.Add(1)
	default:
		d.stats.malformed.Add(1)
		d.logger.Debug().Err(err).Str("frame", frame.String()).Msg("failed to decode frame")
	}
}

// Decode decodes frame and writes decoded values to store. Returns ErrUnknownFrame when no rule exists for frame
// and error wrapping ErrMalformedFrame when frame payload does not match its rule. Malformed frames do not change
// store or reassembly state.
func (d *Decoder) Decode(frame telemetry.Frame) error {
	rule, ok := d.rules[ruleKey{bus: frame.Bus, id: frame.ID}]
	if !ok {
		rule, ok = d.rules[ruleKey{id: frame.ID}]
	}
	if !ok {
		return ErrUnknownFrame
	}
	payload := frame.Payload()
	if len(payload) < rule.minLength {
		return fmt.Errorf("payload length %v, required %v: %w", len(payload), rule.minLength, ErrMalformedFrame)
	}

	now := frame.Time
	if now.IsZero() {
		now = d.now()
	}

	switch {
	case rule.assembly != nil:
		return d.decodeAssembly(rule, payload, now)
	case rule.text != nil:
		return d.decodeText(rule, payload, now)
	}
	return d.decodeFields(rule, payload, now)
}

type scalarWrite struct {
	field *compiledField
	value metric.Value
}

func (d *Decoder) decodeFields(rule *compiledRule, payload telemetry.Payload, now time.Time) error {
	writes := make([]scalarWrite, 0, len(rule.fields))
	for i := range rule.fields {
		f := &rule.fields[i]
		value, ok, err := f.decode(payload)
		if err != nil {
			return fmt.Errorf("field %q: %w", f.Metric, err)
		}
		if !ok {
			continue
		}
		if f.MinInterval > 0 && !f.lastWrite.IsZero() {
			// frame time going backwards (replay restarted) does not block writes
			if since := now.Sub(f.lastWrite); since >= 0 && since <= f.MinInterval {
				continue
			}
		}
		writes = append(writes, scalarWrite{field: f, value: value})
	}
	for _, w := range writes {
		if err := d.store.SetScalar(w.field.handle, w.value); err != nil {
			d.logger.Error().Err(err).Str("rule", rule.name).Msg("failed to write metric")
			continue
		}
		w.field.lastWrite = now
	}
	return nil
}

func (d *Decoder) decodeAssembly(rule *compiledRule, payload telemetry.Payload, now time.Time) error {
	result, err := rule.assembly.append(payload, now)
	if err != nil {
		return err
	}
	if result.abandoned {
		d.stats.cyclesAbandoned.Add(1)
		d.logger.Debug().Str("rule", rule.name).Msg("abandoned incomplete reassembly cycle")
	}
	if result.completed {
		d.stats.cyclesCompleted.Add(1)
	}
	for _, w := range result.writes {
		if err := d.store.SetVector(w.handle, w.start, w.values); err != nil {
			d.logger.Error().Err(err).Str("rule", rule.name).Msg("failed to write metric")
		}
	}
	return nil
}

func (d *Decoder) decodeText(rule *compiledRule, payload telemetry.Payload, now time.Time) error {
	result, err := rule.text.append(payload, now)
	if err != nil {
		return err
	}
	if result.abandoned {
		d.stats.stringsAbandoned.Add(1)
		d.logger.Debug().Str("rule", rule.name).Msg("abandoned partial string cycle")
	}
	if result.incomplete {
		d.stats.stringsIncomplete.Add(1)
		d.logger.Debug().Str("rule", rule.name).Msg("discarded incomplete string")
		return nil
	}
	if !result.published {
		return nil
	}
	if err := d.store.SetScalar(rule.text.handle, metric.StringValue(result.value)); err != nil {
		d.logger.Error().Err(err).Str("rule", rule.name).Msg("failed to write metric")
		return nil
	}
	d.stats.stringsPublished.Add(1)
	return nil
}

// Stats returns copy of decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:            d.stats.frames.Load(),
		Decoded:           d.stats.decoded.Load(),
		Unknown:           d.stats.unknown.Load(),
		Malformed:         d.stats.malformed.Load(),
		CyclesCompleted:   d.stats.cyclesCompleted.Load(),
		CyclesAbandoned:   d.stats.cyclesAbandoned.Load(),
		StringsPublished:  d.stats.stringsPublished.Load(),
		StringsIncomplete: d.stats.stringsIncomplete.Load(),
		StringsAbandoned:  d.stats.stringsAbandoned.Load(),
	}
}

func (f *compiledField) decode(payload telemetry.Payload) (metric.Value, bool, error) {
	if f.Type == FieldTypeString {
		s, err := payload.DecodeString(int(f.BitOffset/8), int(f.BitLength/8))
		if err != nil {
			return metric.Value{}, false, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
		}
		return metric.StringValue(f.Prefix + s), true, nil
	}

	raw, err := payload.DecodeUint(f.BitOffset, f.BitLength)
	if err != nil {
		return metric.Value{}, false, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	v := float64(raw)
	if f.Signed {
		v = float64(telemetry.SignExtend(raw, f.BitLength))
	}
	if f.Lookup != nil {
		mapped, ok := f.Lookup[int64(v)]
		if !ok {
			return metric.Value{}, false, nil
		}
		return metric.NumberValue(f.kind, mapped), true, nil
	}
	return metric.NumberValue(f.kind, v*f.Scale+f.Offset), true, nil
}

func compileRule(store *metric.Store, r Rule, defaultCycleTimeout time.Duration) (*compiledRule, error) {
	set := 0
	if len(r.Fields) > 0 {
		set++
	}
	if r.Reassembly != nil {
		set++
	}
	if r.Text != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("rule must have exactly one of fields, reassembly or text: %w", ErrInvalidRule)
	}
	if r.ID > telemetry.MaxExtendedID {
		return nil, fmt.Errorf("frame id 0x%x: %w", r.ID, ErrInvalidRule)
	}

	cr := &compiledRule{name: r.Name}
	if cr.name == "" {
		cr.name = fmt.Sprintf("0x%x", r.ID)
	}
	var err error
	switch {
	case r.Reassembly != nil:
		cr.assembly, err = compileAssembly(store, *r.Reassembly, defaultCycleTimeout)
		if err == nil {
			cr.minLength = cr.assembly.minLength
		}
	case r.Text != nil:
		cr.text, err = compileText(store, *r.Text, defaultCycleTimeout)
		if err == nil {
			cr.minLength = int(r.Text.IndexByte) + 1
		}
	default:
		cr.fields, cr.minLength, err = compileFields(store, r.Fields)
	}
	if err != nil {
		return nil, err
	}
	return cr, nil
}

func lookupMetric(store *metric.Store, name string) (metric.Handle, metric.Definition, error) {
	h, ok := store.Lookup(name)
	if !ok {
		return metric.Handle{}, metric.Definition{}, fmt.Errorf("metric %q: %w: %w", name, metric.ErrUnknownMetric, ErrInvalidRule)
	}
	return h, h.Definition(), nil
}

func checkBits(bitOffset uint16, bitLength uint16) error {
	if bitLength == 0 || bitLength > 64 {
		return fmt.Errorf("bit length %v: %w", bitLength, ErrInvalidRule)
	}
	if int(bitOffset)+int(bitLength) > telemetry.FrameMaxDataLength*8 {
		return fmt.Errorf("bits %v-%v do not fit into frame: %w", bitOffset, int(bitOffset)+int(bitLength)-1, ErrInvalidRule)
	}
	return nil
}

func bytesNeeded(bitOffset uint16, bitLength uint16) int {
	return (int(bitOffset) + int(bitLength) + 7) / 8
}

func compileFields(store *metric.Store, fields []Field) ([]compiledField, int, error) {
	result := make([]compiledField, 0, len(fields))
	minLength := 0
	for _, f := range fields {
		h, def, err := lookupMetric(store, f.Metric)
		if err != nil {
			return nil, 0, err
		}
		if def.IsVector() {
			return nil, 0, fmt.Errorf("field metric %q is vector: %w", f.Metric, ErrInvalidRule)
		}
		if err := checkBits(f.BitOffset, f.BitLength); err != nil {
			return nil, 0, fmt.Errorf("field %q: %w", f.Metric, err)
		}

		switch f.Type {
		case "", FieldTypeNumber:
			f.Type = FieldTypeNumber
			if f.Scale == 0 {
				f.Scale = 1
			}
			if math.IsNaN(f.Scale) || math.IsInf(f.Scale, 0) {
				return nil, 0, fmt.Errorf("field %q scale: %w", f.Metric, ErrInvalidRule)
			}
		case FieldTypeString:
			if f.BitOffset%8 != 0 || f.BitLength%8 != 0 {
				return nil, 0, fmt.Errorf("string field %q must be byte aligned: %w", f.Metric, ErrInvalidRule)
			}
			if def.Kind != metric.KindString {
				return nil, 0, fmt.Errorf("string field metric %q is %v: %w", f.Metric, def.Kind, ErrInvalidRule)
			}
		default:
			return nil, 0, fmt.Errorf("field %q type %q: %w", f.Metric, f.Type, ErrInvalidRule)
		}

		if n := bytesNeeded(f.BitOffset, f.BitLength); n > minLength {
			minLength = n
		}
		result = append(result, compiledField{Field: f, handle: h, kind: def.Kind})
	}
	return result, minLength, nil
}

func compileAssembly(store *metric.Store, r Reassembly, defaultCycleTimeout time.Duration) (*assembly, error) {
	if int(r.IndexByte) >= telemetry.FrameMaxDataLength {
		return nil, fmt.Errorf("index byte %v: %w", r.IndexByte, ErrInvalidRule)
	}
	if len(r.Values) == 0 || len(r.Groups) == 0 {
		return nil, fmt.Errorf("reassembly needs values and groups: %w", ErrInvalidRule)
	}
	switch r.Commit {
	case "":
		r.Commit = CommitImmediate
	case CommitImmediate, CommitComplete:
	default:
		return nil, fmt.Errorf("commit policy %q: %w", r.Commit, ErrInvalidRule)
	}
	cycleTimeout := r.CycleTimeout
	if cycleTimeout == 0 {
		cycleTimeout = defaultCycleTimeout
	}
	if cycleTimeout < 0 {
		cycleTimeout = 0
	}

	a := &assembly{
		indexByte:    r.IndexByte,
		minLength:    int(r.IndexByte) + 1,
		commit:       r.Commit,
		cycleTimeout: cycleTimeout,
		values:       append([]SubValue(nil), r.Values...),
		groups:       make([]assemblyGroup, 0, len(r.Groups)),
	}
	for i := range a.groupOf {
		a.groupOf[i] = -1
	}
	for i, sv := range r.Values {
		if err := checkBits(sv.BitOffset, sv.BitLength); err != nil {
			return nil, fmt.Errorf("sub-value %v: %w", i, err)
		}
		if n := bytesNeeded(sv.BitOffset, sv.BitLength); n > a.minLength {
			a.minLength = n
		}
	}

	buffers := map[metric.Handle]int{}
	for gi, g := range r.Groups {
		if g.First > g.Last || g.Last >= 64 {
			return nil, fmt.Errorf("group %v index range %v-%v: %w", gi, g.First, g.Last, ErrInvalidRule)
		}
		if len(g.Targets) != len(r.Values) {
			return nil, fmt.Errorf("group %v has %v targets for %v values: %w", gi, len(g.Targets), len(r.Values), ErrInvalidRule)
		}
		scale := g.Scale
		if scale == 0 {
			scale = 1
		}
		ag := assemblyGroup{
			first:   g.First,
			last:    g.Last,
			signed:  g.Signed,
			scale:   scale,
			offset:  g.Offset,
			targets: make([]assemblyTarget, 0, len(g.Targets)),
		}
		for _, t := range g.Targets {
			h, def, err := lookupMetric(store, t.Metric)
			if err != nil {
				return nil, err
			}
			if !def.IsVector() || def.Kind == metric.KindString {
				return nil, fmt.Errorf("target metric %q must be numeric vector: %w", t.Metric, ErrInvalidRule)
			}
			if t.Stride < 0 || t.Offset < 0 {
				return nil, fmt.Errorf("target %q stride %v offset %v: %w", t.Metric, t.Stride, t.Offset, ErrInvalidRule)
			}
			maxElement := int(g.Last-g.First)*t.Stride + t.Offset
			if maxElement >= def.Length {
				return nil, fmt.Errorf(
					"target %q element %v of %v: %w: %w", t.Metric, maxElement, def.Length, metric.ErrOutOfRange, ErrInvalidRule,
				)
			}
			bufIdx, ok := buffers[h]
			if !ok && r.Commit == CommitComplete {
				bufIdx = len(a.buffers)
				buffers[h] = bufIdx
				a.buffers = append(a.buffers, commitBuffer{
					handle:  h,
					values:  make([]metric.Value, def.Length),
					written: make([]bool, def.Length),
				})
			}
			ag.targets = append(ag.targets, assemblyTarget{
				handle: h,
				kind:   def.Kind,
				stride: t.Stride,
				offset: t.Offset,
				buffer: bufIdx,
			})
		}
		for idx := int(g.First); idx <= int(g.Last); idx++ {
			if a.groupOf[idx] != -1 {
				return nil, fmt.Errorf("sub-frame index %v is in multiple groups: %w", idx, ErrInvalidRule)
			}
			a.groupOf[idx] = int16(gi)
			a.expectedMask |= uint64(1) << idx
		}
		a.groups = append(a.groups, ag)
	}
	return a, nil
}

func compileText(store *metric.Store, t TextAssembly, defaultCycleTimeout time.Duration) (*textAssembly, error) {
	h, def, err := lookupMetric(store, t.Metric)
	if err != nil {
		return nil, err
	}
	if def.IsVector() || def.Kind != metric.KindString {
		return nil, fmt.Errorf("text metric %q must be scalar string: %w", t.Metric, ErrInvalidRule)
	}
	maxChunk := telemetry.FrameMaxDataLength - int(t.IndexByte) - 1
	if t.ChunkSize <= 0 || t.ChunkSize > maxChunk {
		return nil, fmt.Errorf("chunk size %v (max %v): %w", t.ChunkSize, maxChunk, ErrInvalidRule)
	}
	if t.Length <= 0 || (t.Length+t.ChunkSize-1)/t.ChunkSize > 64 {
		return nil, fmt.Errorf("text length %v: %w", t.Length, ErrInvalidRule)
	}
	cycleTimeout := t.CycleTimeout
	if cycleTimeout == 0 {
		cycleTimeout = defaultCycleTimeout
	}
	if cycleTimeout < 0 {
		cycleTimeout = 0
	}
	return newTextAssembly(h, t, cycleTimeout), nil
}

// Progress returns received and expected sub-frame masks of reassembly rule for given bus and frame id.
func (d *Decoder) Progress(bus uint8, id uint32) (received uint64, expected uint64, ok bool) {
	rule, ok := d.rules[ruleKey{bus: bus, id: id}]
	if !ok {
		rule, ok = d.rules[ruleKey{id: id}]
	}
	if !ok || rule.assembly == nil {
		return 0, 0, false
	}
	received, expected = rule.assembly.progress()
	return received, expected, true
}
