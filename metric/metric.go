package metric

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is type of metric value. Kind of a metric is fixed when metric is defined.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// ParseKind converts kind name to Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return KindBool, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	}
	return KindInvalid, fmt.Errorf("unknown metric kind: %q", s)
}

// UnmarshalText allows Kind to be used in YAML/JSON tables.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Unit is descriptive dimension tag of a metric. Units are not converted.
type Unit string

const (
	UnitNone       Unit = ""
	UnitPercentage Unit = "%"
	UnitVolts      Unit = "V"
	UnitAmps       Unit = "A"
	UnitAmpHours   Unit = "Ah"
	UnitKW         Unit = "kW"
	UnitKWh        Unit = "kWh"
	UnitCelsius    Unit = "°C"
	UnitKilometers Unit = "km"
	UnitMiles      Unit = "mi"
	UnitKph        Unit = "km/h"
	UnitMph        Unit = "mph"
	UnitSeconds    Unit = "s"
	UnitMinutes    Unit = "min"
	UnitDegrees    Unit = "°"
	UnitMeters     Unit = "m"
	UnitKPa        Unit = "kPa"
)

// Staleness tiers commonly used in metric tables
const (
	StaleNone = time.Duration(0)
	StaleMin  = 10 * time.Second
	StaleMid  = 120 * time.Second
	StaleHigh = time.Hour
	StaleMax  = 24 * time.Hour
)

// Definition describes metric in metric table.
type Definition struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
	Unit Unit   `yaml:"unit"`
	// Staleness is duration after which value is considered stale. `0` means value is never stale.
	Staleness time.Duration `yaml:"staleness"`
	// Length is number of elements for vector metrics. `0` means scalar metric.
	Length int `yaml:"length"`
}

// IsVector returns true for fixed length vector metrics.
func (d Definition) IsVector() bool {
	return d.Length > 0
}

// Value holds single typed metric value. Only field matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	String string
}

func BoolValue(v bool) Value {
	return Value{Kind: KindBool, Bool: v}
}

func IntValue(v int64) Value {
	return Value{Kind: KindInt, Int: v}
}

func FloatValue(v float64) Value {
	return Value{Kind: KindFloat, Float: v}
}

func StringValue(v string) Value {
	return Value{Kind: KindString, String: v}
}

// NumberValue converts number to value of given kind. Int kind truncates toward zero, bool is true for any
// non-zero number and string kind uses shortest decimal representation.
func NumberValue(kind Kind, v float64) Value {
	switch kind {
	case KindBool:
		return BoolValue(v != 0)
	case KindInt:
		return IntValue(int64(v))
	case KindString:
		return StringValue(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return FloatValue(v)
	}
}

// AsFloat64 converts value to float64 if it is possible.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInt:
		return float64(v.Int), true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (v Value) Format() string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "yes"
		}
		return "no"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindString:
		return v.String
	}
	return ""
}
