package metric

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utcTime(sec int64) time.Time {
	return time.Unix(sec, 0).In(time.UTC)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: utcTime(1665488842)}
	return NewStoreWithConfig(StoreConfig{Now: clock.Now}), clock
}

func TestStore_Define(t *testing.T) {
	var testCases = []struct {
		name        string
		given       []Definition
		when        Definition
		expectError string
	}{
		{
			name: "ok, scalar",
			when: Definition{Name: "v.b.soc", Kind: KindFloat, Unit: UnitPercentage, Staleness: StaleHigh},
		},
		{
			name: "ok, vector",
			when: Definition{Name: "xts.b.brick.voltages", Kind: KindFloat, Unit: UnitVolts, Length: 96},
		},
		{
			name:  "ok, compatible redefinition",
			given: []Definition{{Name: "v.b.soc", Kind: KindFloat, Unit: UnitPercentage}},
			when:  Definition{Name: "v.b.soc", Kind: KindFloat, Unit: UnitPercentage, Staleness: StaleMid},
		},
		{
			name:        "nok, different kind",
			given:       []Definition{{Name: "v.b.soc", Kind: KindFloat}},
			when:        Definition{Name: "v.b.soc", Kind: KindInt},
			expectError: `metric "v.b.soc" is float[0], requested int[0]: metric already defined with different kind or length`,
		},
		{
			name:        "nok, different length",
			given:       []Definition{{Name: "temps", Kind: KindFloat, Length: 16}},
			when:        Definition{Name: "temps", Kind: KindFloat, Length: 32},
			expectError: `metric "temps" is float[16], requested float[32]: metric already defined with different kind or length`,
		},
		{
			name:        "nok, empty name",
			when:        Definition{Kind: KindFloat},
			expectError: `metric "": invalid metric definition`,
		},
		{
			name:        "nok, missing kind",
			when:        Definition{Name: "x"},
			expectError: `metric "x" kind invalid: invalid metric definition`,
		},
		{
			name:        "nok, negative length",
			when:        Definition{Name: "x", Kind: KindInt, Length: -1},
			expectError: `metric "x": invalid metric definition`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newTestStore()
			require.NoError(t, store.DefineAll(tc.given))

			h, err := store.Define(tc.when)

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
				assert.False(t, h.IsValid())
				return
			}
			assert.NoError(t, err)
			assert.True(t, h.IsValid())
			assert.Equal(t, tc.when.Name, h.Name())

			found, ok := store.Lookup(tc.when.Name)
			assert.True(t, ok)
			assert.Equal(t, h, found)
		})
	}
}

func TestStore_DefineAllStopsAtFirstError(t *testing.T) {
	store, _ := newTestStore()

	err := store.DefineAll([]Definition{
		{Name: "a", Kind: KindInt},
		{Name: "a", Kind: KindBool},
		{Name: "b", Kind: KindInt},
	})

	assert.True(t, errors.Is(err, ErrDuplicateDefinition))
	assert.Equal(t, 1, store.Len())
}

func TestStore_SetScalar(t *testing.T) {
	store, clock := newTestStore()
	soc, err := store.Define(Definition{Name: "v.b.soc", Kind: KindFloat, Unit: UnitPercentage, Staleness: StaleHigh})
	require.NoError(t, err)

	before := store.Get(soc)
	assert.False(t, before.Defined)
	assert.True(t, before.Stale)
	assert.Equal(t, time.Duration(0), before.Age)

	assert.NoError(t, store.SetScalar(soc, FloatValue(55.5)))
	clock.Add(3 * time.Second)

	assert.Equal(t, Reading{
		Name:      "v.b.soc",
		Kind:      KindFloat,
		Unit:      UnitPercentage,
		Staleness: StaleHigh,
		Value:     FloatValue(55.5),
		Defined:   true,
		Updated:   utcTime(1665488842),
		Age:       3 * time.Second,
		Stale:     false,
	}, store.Get(soc))
}

func TestStore_SetScalarErrors(t *testing.T) {
	store, _ := newTestStore()
	soc, _ := store.Define(Definition{Name: "v.b.soc", Kind: KindFloat})
	vec, _ := store.Define(Definition{Name: "vec", Kind: KindFloat, Length: 2})

	assert.ErrorIs(t, store.SetScalar(Handle{}, FloatValue(1)), ErrInvalidHandle)
	assert.ErrorIs(t, store.SetScalar(soc, IntValue(1)), ErrKindMismatch)
	assert.ErrorIs(t, store.SetScalar(vec, FloatValue(1)), ErrShapeMismatch)
	assert.ErrorIs(t, store.SetVector(soc, 0, []Value{FloatValue(1)}), ErrShapeMismatch)
}

func TestStore_SetVector(t *testing.T) {
	var testCases = []struct {
		name        string
		whenStart   int
		whenValues  []Value
		expect      []Value
		expectError string
	}{
		{
			name:       "ok, sub-range",
			whenStart:  1,
			whenValues: []Value{FloatValue(3.1), FloatValue(3.2)},
			expect:     []Value{FloatValue(0), FloatValue(3.1), FloatValue(3.2), FloatValue(0)},
		},
		{
			name:       "ok, whole vector",
			whenStart:  0,
			whenValues: []Value{FloatValue(1), FloatValue(2), FloatValue(3), FloatValue(4)},
			expect:     []Value{FloatValue(1), FloatValue(2), FloatValue(3), FloatValue(4)},
		},
		{
			name:        "nok, past end",
			whenStart:   3,
			whenValues:  []Value{FloatValue(1), FloatValue(2)},
			expect:      []Value{FloatValue(0), FloatValue(0), FloatValue(0), FloatValue(0)},
			expectError: `metric "cells" elements 3-4 of 4: vector index out of range`,
		},
		{
			name:        "nok, negative start",
			whenStart:   -1,
			whenValues:  []Value{FloatValue(1)},
			expect:      []Value{FloatValue(0), FloatValue(0), FloatValue(0), FloatValue(0)},
			expectError: `metric "cells" elements -1--1 of 4: vector index out of range`,
		},
		{
			name:        "nok, kind mismatch does not write anything",
			whenStart:   0,
			whenValues:  []Value{FloatValue(1), IntValue(2)},
			expect:      []Value{FloatValue(0), FloatValue(0), FloatValue(0), FloatValue(0)},
			expectError: `metric "cells" is float, got int: value kind does not match metric kind`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newTestStore()
			h, err := store.Define(Definition{Name: "cells", Kind: KindFloat, Unit: UnitVolts, Length: 4})
			require.NoError(t, err)

			err = store.SetVector(h, tc.whenStart, tc.whenValues)

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expect, store.Get(h).Values)
		})
	}
}

func TestStore_VectorElementTimestamps(t *testing.T) {
	store, clock := newTestStore()
	h, _ := store.Define(Definition{Name: "cells", Kind: KindFloat, Staleness: 10 * time.Second, Length: 4})

	require.NoError(t, store.SetVector(h, 0, []Value{FloatValue(1), FloatValue(2), FloatValue(3), FloatValue(4)}))
	clock.Add(11 * time.Second)
	require.NoError(t, store.SetVector(h, 2, []Value{FloatValue(30)}))

	elements, err := store.GetRange(h, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []ElementReading{
		{Value: FloatValue(2), Defined: true, Updated: utcTime(1665488842), Age: 11 * time.Second, Stale: true},
		{Value: FloatValue(30), Defined: true, Updated: utcTime(1665488853), Age: 0, Stale: false},
		{Value: FloatValue(4), Defined: true, Updated: utcTime(1665488842), Age: 11 * time.Second, Stale: true},
	}, elements)

	r := store.Get(h)
	assert.True(t, r.Defined)
	assert.Equal(t, utcTime(1665488853), r.Updated)
	assert.False(t, r.Stale)

	_, err = store.GetRange(h, 2, 3)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestStore_VectorNotDefinedUntilAllElementsWritten(t *testing.T) {
	store, _ := newTestStore()
	h, _ := store.Define(Definition{Name: "cells", Kind: KindFloat, Length: 2})

	require.NoError(t, store.SetVector(h, 0, []Value{FloatValue(1)}))
	assert.False(t, store.Get(h).Defined)

	require.NoError(t, store.SetVector(h, 1, []Value{FloatValue(1)}))
	assert.True(t, store.Get(h).Defined)
}

func TestStore_Staleness(t *testing.T) {
	var testCases = []struct {
		name        string
		staleness   time.Duration
		whenAge     time.Duration
		expectStale bool
	}{
		{name: "fresh", staleness: 10 * time.Second, whenAge: 9 * time.Second, expectStale: false},
		{name: "exactly at threshold is not stale", staleness: 10 * time.Second, whenAge: 10 * time.Second, expectStale: false},
		{name: "past threshold", staleness: 10 * time.Second, whenAge: 10*time.Second + time.Nanosecond, expectStale: true},
		{name: "zero threshold is never stale", staleness: StaleNone, whenAge: 1000 * time.Hour, expectStale: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, clock := newTestStore()
			h, _ := store.Define(Definition{Name: "x", Kind: KindInt, Staleness: tc.staleness})
			require.NoError(t, store.SetScalar(h, IntValue(1)))

			clock.Add(tc.whenAge)

			assert.Equal(t, tc.expectStale, store.IsStale(h))
			assert.Equal(t, tc.whenAge, store.Age(h))
		})
	}
}

func TestStore_GetByName(t *testing.T) {
	store, _ := newTestStore()
	h, _ := store.Define(Definition{Name: "v.vin", Kind: KindString})
	require.NoError(t, store.SetScalar(h, StringValue("5YJSA1H10EFP00001")))

	r, err := store.GetByName("v.vin")
	assert.NoError(t, err)
	assert.Equal(t, "5YJSA1H10EFP00001", r.Value.String)

	_, err = store.GetByName("nope")
	assert.EqualError(t, err, `metric "nope": unknown metric`)
}

func TestStore_Readings(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.DefineAll([]Definition{
		{Name: "b", Kind: KindInt},
		{Name: "a", Kind: KindBool},
		{Name: "c", Kind: KindFloat, Length: 2},
	}))

	readings := store.Readings()

	require.Len(t, readings, 3)
	assert.Equal(t, "b", readings[0].Name)
	assert.Equal(t, "a", readings[1].Name)
	assert.Equal(t, "c", readings[2].Name)
	assert.True(t, readings[2].IsVector())
	assert.False(t, readings[0].IsVector())
}

func TestStore_ConcurrentReadersSeeWholeRangeWrites(t *testing.T) {
	store := NewStore()
	h, _ := store.Define(Definition{Name: "cells", Kind: KindInt, Length: 96})

	done := make(chan struct{})
	var wg sync.WaitGroup
	torn := make(chan []Value, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				values := store.Get(h).Values
				for _, v := range values[1:] {
					if v.Int != values[0].Int {
						torn <- values
						return
					}
				}
			}
		}()
	}

	batch := make([]Value, 96)
	for i := int64(1); i <= 2000; i++ {
		for j := range batch {
			batch[j] = IntValue(i)
		}
		require.NoError(t, store.SetVector(h, 0, batch))
	}
	close(done)
	wg.Wait()
	close(torn)

	for values := range torn {
		t.Fatalf("reader observed partially written vector: %v", values)
	}
	assert.Equal(t, int64(2000), store.Get(h).Values[95].Int)
}
