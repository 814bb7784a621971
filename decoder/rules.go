package decoder

import (
	"bytes"
	"fmt"
	"io/fs"
	"time"

	"github.com/aldas/go-vehicle-telemetry/metric"
	"gopkg.in/yaml.v3"
)

// Table is declarative description of metrics and decoding rules for one vehicle or bus.
type Table struct {
	Metrics []metric.Definition `yaml:"metrics"`
	Rules   []Rule              `yaml:"rules"`
}

// Merge returns new table containing metrics and rules of both tables.
func (t Table) Merge(other Table) Table {
	result := Table{
		Metrics: make([]metric.Definition, 0, len(t.Metrics)+len(other.Metrics)),
		Rules:   make([]Rule, 0, len(t.Rules)+len(other.Rules)),
	}
	result.Metrics = append(append(result.Metrics, t.Metrics...), other.Metrics...)
	result.Rules = append(append(result.Rules, t.Rules...), other.Rules...)
	return result
}

// Rule maps frame identifier to decoding instructions. Exactly one of Fields, Reassembly or Text must be set.
type Rule struct {
	// ID is frame identifier
	ID uint32 `yaml:"id"`
	// Bus limits rule to frames from given bus. `0` matches frames from any bus.
	Bus  uint8  `yaml:"bus"`
	Name string `yaml:"name"`

	// Fields are decoded from every frame and written directly to metrics
	Fields []Field `yaml:"fields"`
	// Reassembly assembles vector metrics from multiple frames identified by sub-index byte
	Reassembly *Reassembly `yaml:"reassembly"`
	// Text assembles string metric from multiple chunks identified by sequence byte
	Text *TextAssembly `yaml:"text"`
}

// FieldType is type of the value field holds
type FieldType string

const (
	// FieldTypeNumber is integer field scaled to number (default)
	FieldTypeNumber FieldType = "number"
	// FieldTypeString is byte aligned field holding characters
	FieldTypeString FieldType = "string"
)

// Field describes single value packed into frame payload.
type Field struct {
	Metric string    `yaml:"metric"`
	Type   FieldType `yaml:"type"`

	// BitOffset is offset of the first bit of the field. Bit 0 is least significant bit of payload byte 0.
	BitOffset uint16 `yaml:"bit_offset"`
	BitLength uint16 `yaml:"bit_length"`
	// Signed marks field as two's-complement integer
	Signed bool `yaml:"signed"`
	// Scale is multiplier for raw value. `0` is same as `1`.
	Scale float64 `yaml:"scale"`
	// Offset is added to scaled value
	Offset float64 `yaml:"offset"`
	// Lookup maps raw values to metric values. Raw values missing from lookup are not written.
	Lookup map[int64]float64 `yaml:"lookup"`
	// MinInterval limits how often metric is updated from this field. Writes are skipped while metric is younger.
	MinInterval time.Duration `yaml:"min_interval"`

	// Prefix is prepended to string fields
	Prefix string `yaml:"prefix"`
}

// CommitPolicy defines when reassembled values are written to metrics.
type CommitPolicy string

const (
	// CommitImmediate writes values from each sub-frame as soon as sub-frame is decoded. Partial records are visible.
	CommitImmediate CommitPolicy = "immediate"
	// CommitComplete buffers values and writes them all when every expected sub-frame of the cycle has been received.
	CommitComplete CommitPolicy = "complete"
)

// Reassembly describes record that is split over multiple frames with same identifier. Each frame carries
// sub-index byte and fixed set of packed sub-values. Groups map sub-index ranges to vector metric elements.
type Reassembly struct {
	// IndexByte is payload byte holding sub-frame index
	IndexByte uint8 `yaml:"index_byte"`
	// Commit is commit policy. Defaults to CommitImmediate.
	Commit CommitPolicy `yaml:"commit"`
	// CycleTimeout abandons cycle that has not completed within given time since its first sub-frame. `0` uses
	// decoder default.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	// Values are sub-value positions, same for every sub-frame
	Values []SubValue `yaml:"values"`
	Groups []Group    `yaml:"groups"`
}

// SubValue is position of one packed sub-value in sub-frame payload.
type SubValue struct {
	BitOffset uint16 `yaml:"bit_offset"`
	BitLength uint16 `yaml:"bit_length"`
}

// Group maps sub-frame index range [First, Last] to metric elements. Group has one target for each sub-value.
type Group struct {
	First  uint8   `yaml:"first"`
	Last   uint8   `yaml:"last"`
	Signed bool    `yaml:"signed"`
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`

	Targets []Target `yaml:"targets"`
}

// Target places sub-value from sub-frame with index k into element `(k-First)*Stride + Offset` of vector metric.
type Target struct {
	Metric string `yaml:"metric"`
	Stride int    `yaml:"stride"`
	Offset int    `yaml:"offset"`
}

// TextAssembly describes string delivered in fixed size chunks. Chunk with sequence number k is written to offset
// k*ChunkSize. String is published when last chunk arrives and all previous chunks of that cycle were received.
type TextAssembly struct {
	Metric string `yaml:"metric"`
	// IndexByte is payload byte holding chunk sequence number. Chunk data follows right after index byte.
	IndexByte uint8 `yaml:"index_byte"`
	ChunkSize int   `yaml:"chunk_size"`
	// Length is total length of the string in bytes
	Length int `yaml:"length"`
	// CycleTimeout discards partial string when its chunks span more than given time. `0` uses decoder default.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
}

// LoadTable reads YAML table from filesystem.
func LoadTable(filesystem fs.FS, path string) (Table, error) {
	data, err := fs.ReadFile(filesystem, path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to read table file: %w", err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return Table{}, fmt.Errorf("failed to parse table file %v: %w", path, err)
	}
	return table, nil
}

// ParseTable parses YAML table. Unknown keys are treated as errors.
func ParseTable(data []byte) (Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	table := Table{}
	if err := dec.Decode(&table); err != nil {
		return Table{}, err
	}
	return table, nil
}
