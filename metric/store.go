package metric

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateDefinition is returned when metric is redefined with different kind or length
	ErrDuplicateDefinition = errors.New("metric already defined with different kind or length")
	// ErrInvalidDefinition is returned for definitions with empty name, unknown kind or negative length
	ErrInvalidDefinition = errors.New("invalid metric definition")
	// ErrOutOfRange is returned when vector element range does not fit into vector
	ErrOutOfRange = errors.New("vector index out of range")
	// ErrKindMismatch is returned when written value kind differs from metric kind
	ErrKindMismatch = errors.New("value kind does not match metric kind")
	// ErrShapeMismatch is returned when scalar operation is used with vector metric or vice versa
	ErrShapeMismatch = errors.New("metric is not of requested shape (scalar/vector)")
	// ErrInvalidHandle is returned for zero value handles
	ErrInvalidHandle = errors.New("invalid metric handle")
	// ErrUnknownMetric is returned when metric with given name is not defined
	ErrUnknownMetric = errors.New("unknown metric")
)

// Handle references defined metric. Handles are cheap to copy and stay valid for the lifetime of the Store.
type Handle struct {
	e *entry
}

// IsValid returns false for zero value handle.
func (h Handle) IsValid() bool {
	return h.e != nil
}

// Name returns name of the metric handle refers to.
func (h Handle) Name() string {
	if h.e == nil {
		return ""
	}
	return h.e.def.Name
}

// Definition returns definition of the metric handle refers to.
func (h Handle) Definition() Definition {
	if h.e == nil {
		return Definition{}
	}
	return h.e.def
}

// Reading is point in time copy of metric state.
type Reading struct {
	Name      string
	Kind      Kind
	Unit      Unit
	Staleness time.Duration

	// Value is set for scalar metrics
	Value Value
	// Values is copy of all elements for vector metrics
	Values []Value

	// Defined is false when metric (any element of vector metric) has never been written
	Defined bool
	// Updated is time of the last write. For vectors time of the latest element write.
	Updated time.Time
	Age     time.Duration
	Stale   bool
}

// IsVector returns true when reading is from vector metric.
func (r Reading) IsVector() bool {
	return r.Values != nil
}

// ElementReading is state of single vector element.
type ElementReading struct {
	Value   Value
	Defined bool
	Updated time.Time
	Age     time.Duration
	Stale   bool
}

type entry struct {
	def Definition

	mu      sync.RWMutex
	scalar  Value
	vector  []Value
	updated time.Time
	// elementUpdated holds write time for each vector element
	elementUpdated []time.Time
}

// StoreConfig is configuration for Store.
type StoreConfig struct {
	// Now returns current time. Defaults to time.Now
	Now func() time.Time
}

// Store owns metrics and their values. Store is safe for single writer and multiple concurrent readers. Writes of
// different metrics from multiple goroutines are also safe.
type Store struct {
	mu      sync.RWMutex
	metrics map[string]*entry
	// order keeps definition order for listings
	order []*entry

	now func() time.Time
}

// NewStore creates empty metric store.
func NewStore() *Store {
	return NewStoreWithConfig(StoreConfig{})
}

// NewStoreWithConfig creates empty metric store with given configuration.
func NewStoreWithConfig(config StoreConfig) *Store {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		metrics: make(map[string]*entry),
		order:   make([]*entry, 0, 64),
		now:     now,
	}
}

// Define creates new metric. Defining metric again with same kind and length returns existing handle.
func (s *Store) Define(def Definition) (Handle, error) {
	if def.Name == "" || def.Length < 0 || def.Staleness < 0 {
		return Handle{}, fmt.Errorf("metric %q: %w", def.Name, ErrInvalidDefinition)
	}
	switch def.Kind {
	case KindBool, KindInt, KindFloat, KindString:
	default:
		return Handle{}, fmt.Errorf("metric %q kind %v: %w", def.Name, def.Kind, ErrInvalidDefinition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.metrics[def.Name]; ok {
		if existing.def.Kind != def.Kind || existing.def.Length != def.Length {
			return Handle{}, fmt.Errorf(
				"metric %q is %v[%v], requested %v[%v]: %w",
				def.Name, existing.def.Kind, existing.def.Length, def.Kind, def.Length, ErrDuplicateDefinition,
			)
		}
		return Handle{e: existing}, nil
	}

	e := &entry{def: def}
	if def.IsVector() {
		e.vector = make([]Value, def.Length)
		for i := range e.vector {
			e.vector[i].Kind = def.Kind
		}
		e.elementUpdated = make([]time.Time, def.Length)
	} else {
		e.scalar.Kind = def.Kind
	}
	s.metrics[def.Name] = e
	s.order = append(s.order, e)

	return Handle{e: e}, nil
}

// DefineAll defines all metrics from table. Stops at first failing definition.
func (s *Store) DefineAll(defs []Definition) error {
	for _, def := range defs {
		if _, err := s.Define(def); err != nil {
			return err
		}
	}
	return nil
}

// Lookup finds handle for metric by its name.
func (s *Store) Lookup(name string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.metrics[name]
	if !ok {
		return Handle{}, false
	}
	return Handle{e: e}, true
}

// Len returns number of defined metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// SetScalar sets value of scalar metric and refreshes its timestamp.
func (s *Store) SetScalar(h Handle, value Value) error {
	if h.e == nil {
		return ErrInvalidHandle
	}
	e := h.e
	if e.def.IsVector() {
		return fmt.Errorf("metric %q: %w", e.def.Name, ErrShapeMismatch)
	}
	if value.Kind != e.def.Kind {
		return fmt.Errorf("metric %q is %v, got %v: %w", e.def.Name, e.def.Kind, value.Kind, ErrKindMismatch)
	}
	now := s.now()

	e.mu.Lock()
	e.scalar = value
	e.updated = now
	e.mu.Unlock()

	return nil
}

// SetVector sets values of vector elements starting from index start. Only written elements timestamps are
// refreshed. Readers observe written range atomically.
func (s *Store) SetVector(h Handle, start int, values []Value) error {
	if h.e == nil {
		return ErrInvalidHandle
	}
	e := h.e
	if !e.def.IsVector() {
		return fmt.Errorf("metric %q: %w", e.def.Name, ErrShapeMismatch)
	}
	if start < 0 || start+len(values) > e.def.Length {
		return fmt.Errorf(
			"metric %q elements %v-%v of %v: %w",
			e.def.Name, start, start+len(values)-1, e.def.Length, ErrOutOfRange,
		)
	}
	for _, v := range values {
		if v.Kind != e.def.Kind {
			return fmt.Errorf("metric %q is %v, got %v: %w", e.def.Name, e.def.Kind, v.Kind, ErrKindMismatch)
		}
	}
	if len(values) == 0 {
		return nil
	}
	now := s.now()

	e.mu.Lock()
	copy(e.vector[start:], values)
	for i := start; i < start+len(values); i++ {
		e.elementUpdated[i] = now
	}
	e.updated = now
	e.mu.Unlock()

	return nil
}

// Get returns current state of the metric.
func (s *Store) Get(h Handle) Reading {
	if h.e == nil {
		return Reading{}
	}
	e := h.e
	r := Reading{
		Name:      e.def.Name,
		Kind:      e.def.Kind,
		Unit:      e.def.Unit,
		Staleness: e.def.Staleness,
	}

	e.mu.RLock()
	if e.def.IsVector() {
		r.Values = make([]Value, len(e.vector))
		copy(r.Values, e.vector)
		r.Defined = true
		for _, t := range e.elementUpdated {
			if t.IsZero() {
				r.Defined = false
				break
			}
		}
	} else {
		r.Value = e.scalar
		r.Defined = !e.updated.IsZero()
	}
	r.Updated = e.updated
	e.mu.RUnlock()

	r.Age, r.Stale = s.age(r.Updated, e.def.Staleness)
	return r
}

// GetByName returns current state of metric with given name.
func (s *Store) GetByName(name string) (Reading, error) {
	h, ok := s.Lookup(name)
	if !ok {
		return Reading{}, fmt.Errorf("metric %q: %w", name, ErrUnknownMetric)
	}
	return s.Get(h), nil
}

// GetRange returns state of count vector elements starting from index start.
func (s *Store) GetRange(h Handle, start int, count int) ([]ElementReading, error) {
	if h.e == nil {
		return nil, ErrInvalidHandle
	}
	e := h.e
	if !e.def.IsVector() {
		return nil, fmt.Errorf("metric %q: %w", e.def.Name, ErrShapeMismatch)
	}
	if start < 0 || count < 0 || start+count > e.def.Length {
		return nil, fmt.Errorf(
			"metric %q elements %v-%v of %v: %w",
			e.def.Name, start, start+count-1, e.def.Length, ErrOutOfRange,
		)
	}

	result := make([]ElementReading, count)
	e.mu.RLock()
	for i := 0; i < count; i++ {
		result[i] = ElementReading{
			Value:   e.vector[start+i],
			Updated: e.elementUpdated[start+i],
		}
	}
	e.mu.RUnlock()

	for i := range result {
		result[i].Defined = !result[i].Updated.IsZero()
		result[i].Age, result[i].Stale = s.age(result[i].Updated, e.def.Staleness)
	}
	return result, nil
}

// Age returns time since last write of the metric.
func (s *Store) Age(h Handle) time.Duration {
	return s.Get(h).Age
}

// IsStale returns true when metric has staleness threshold and has not been written within that threshold.
func (s *Store) IsStale(h Handle) bool {
	return s.Get(h).Stale
}

// Readings returns state of all metrics in definition order.
func (s *Store) Readings() []Reading {
	s.mu.RLock()
	entries := make([]*entry, len(s.order))
	copy(entries, s.order)
	s.mu.RUnlock()

	result := make([]Reading, 0, len(entries))
	for _, e := range entries {
		result = append(result, s.Get(Handle{e: e}))
	}
	return result
}

// age calculates age and staleness for given write time. Never written values have zero age and are stale when
// staleness threshold is set.
func (s *Store) age(updated time.Time, staleness time.Duration) (time.Duration, bool) {
	if updated.IsZero() {
		return 0, staleness > 0
	}
	age := s.now().Sub(updated)
	if age < 0 {
		age = 0
	}
	return age, staleness > 0 && age > staleness
}
