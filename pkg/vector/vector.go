// Package vector defines the core data model: the Vector record and
// the CollectionConfig that governs a collection's dimension, distance
// metric, and index parameters.
package vector

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ID is a 128-bit unique vector identifier, stable across restart.
type ID = uuid.UUID

// NewID generates a fresh random ID.
func NewID() ID { return uuid.New() }

// ParseID parses a string-form ID.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// DistanceMetric selects how distance is computed between two vectors.
type DistanceMetric string

const (
	Cosine     DistanceMetric = "cosine"
	Euclidean  DistanceMetric = "euclidean"
	DotProduct DistanceMetric = "dot_product"
	Manhattan  DistanceMetric = "manhattan"
)

// VectorType is the element type the collection stores.
type VectorType string

const (
	Float32 VectorType = "float32"
	Float16 VectorType = "float16"
	Int8    VectorType = "int8"
)

// IndexConfig carries the HNSW construction/search parameters.
type IndexConfig struct {
	MaxConnections int `json:"max_connections" msgpack:"max_connections"`
	EfConstruction int `json:"ef_construction" msgpack:"ef_construction"`
	EfSearch       int `json:"ef_search" msgpack:"ef_search"`
	MaxLayer       int `json:"max_layer" msgpack:"max_layer"`
}

// DefaultIndexConfig mirrors common HNSW defaults (M=16).
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		MaxConnections: 16,
		EfConstruction: 200,
		EfSearch:       50,
		MaxLayer:       16,
	}
}

// QuantizationConfig optionally reduces the memory footprint of
// vectors held by the HNSW index.
type QuantizationConfig struct {
	Enabled bool   `json:"enabled" msgpack:"enabled"`
	Type    string `json:"type,omitempty" msgpack:"type,omitempty"` // only "scalar" is applied; other values leave the index unquantized
	Bits    int    `json:"bits,omitempty" msgpack:"bits,omitempty"`
}

// ShardingConfig is a descriptor only: the sharding control plane is
// out of the core's scope, but a collection may carry its intended
// shard count/key for an external router to read.
type ShardingConfig struct {
	Enabled  bool   `json:"enabled" msgpack:"enabled"`
	Shards   int    `json:"shards,omitempty" msgpack:"shards,omitempty"`
	ShardKey string `json:"shard_key,omitempty" msgpack:"shard_key,omitempty"`
}

// CollectionConfig is the metadata descriptor persisted as
// <data-dir>/<collection>/metadata.json. All fields except EfSearch
// are immutable once the collection is created.
type CollectionConfig struct {
	Name           string              `json:"name"`
	Dimension      int                 `json:"dimension"`
	DistanceMetric DistanceMetric      `json:"distance_metric"`
	VectorType     VectorType          `json:"vector_type"`
	IndexConfig    IndexConfig         `json:"index_config"`
	Quantization   *QuantizationConfig `json:"quantization,omitempty"`
	Sharding       *ShardingConfig     `json:"sharding,omitempty"`

	// Extra preserves unrecognised top-level keys found in an
	// on-disk metadata.json so round-tripping never drops data a
	// newer or older version of the engine wrote.
	Extra map[string]json.RawMessage `json:"-"`
}

// Validate checks the invariants that must hold for a config used to
// create a collection.
func (c CollectionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name must not be empty")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	switch c.DistanceMetric {
	case Cosine, Euclidean, DotProduct, Manhattan:
	default:
		return fmt.Errorf("unknown distance metric %q", c.DistanceMetric)
	}
	switch c.VectorType {
	case Float32, Float16, Int8:
	default:
		return fmt.Errorf("unknown vector type %q", c.VectorType)
	}
	if c.IndexConfig.MaxConnections <= 0 || c.IndexConfig.EfConstruction <= 0 {
		return fmt.Errorf("invalid index_config: %+v", c.IndexConfig)
	}
	return nil
}

// MarshalJSON flattens the known fields and Extra into a single
// object, so unknown keys discovered on load round-trip on save.
func (c CollectionConfig) MarshalJSON() ([]byte, error) {
	type known struct {
		Name           string              `json:"name"`
		Dimension      int                 `json:"dimension"`
		DistanceMetric DistanceMetric      `json:"distance_metric"`
		VectorType     VectorType          `json:"vector_type"`
		IndexConfig    IndexConfig         `json:"index_config"`
		Quantization   *QuantizationConfig `json:"quantization,omitempty"`
		Sharding       *ShardingConfig     `json:"sharding,omitempty"`
	}
	base, err := json.Marshal(known{
		Name: c.Name, Dimension: c.Dimension, DistanceMetric: c.DistanceMetric,
		VectorType: c.VectorType, IndexConfig: c.IndexConfig,
		Quantization: c.Quantization, Sharding: c.Sharding,
	})
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON recognises the known keys and stashes the rest in
// Extra, per the metadata descriptor's "unknown keys tolerated and
// preserved" invariant.
func (c *CollectionConfig) UnmarshalJSON(data []byte) error {
	type known struct {
		Name           string              `json:"name"`
		Dimension      int                 `json:"dimension"`
		DistanceMetric DistanceMetric      `json:"distance_metric"`
		VectorType     VectorType          `json:"vector_type"`
		IndexConfig    IndexConfig         `json:"index_config"`
		Quantization   *QuantizationConfig `json:"quantization,omitempty"`
		Sharding       *ShardingConfig     `json:"sharding,omitempty"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, known := range []string{"name", "dimension", "distance_metric", "vector_type", "index_config", "quantization", "sharding"} {
		delete(raw, known)
	}

	c.Name = k.Name
	c.Dimension = k.Dimension
	c.DistanceMetric = k.DistanceMetric
	c.VectorType = k.VectorType
	c.IndexConfig = k.IndexConfig
	c.Quantization = k.Quantization
	c.Sharding = k.Sharding
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// Vector is a stored embedding: a fixed-length numeric array plus an
// arbitrary JSON-like payload.
type Vector struct {
	ID       ID             `msgpack:"id"`
	Data     []float32      `msgpack:"data"`
	Metadata map[string]any `msgpack:"metadata,omitempty"`
}

// Validate checks len(Data) == dim and that every element is finite.
func (v Vector) Validate(dim int) error {
	if len(v.Data) != dim {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", dim, len(v.Data))
	}
	if len(v.Data) == 0 {
		return fmt.Errorf("vector data must not be empty")
	}
	for _, f := range v.Data {
		if f != f || f > maxFinite || f < -maxFinite { // NaN and overflow guard
			return fmt.Errorf("vector contains a non-finite value")
		}
	}
	return nil
}

const maxFinite = 3.4e38 // just under math.MaxFloat32, guards +/-Inf

// Encode produces the canonical msgpack serialisation of a Vector,
// used both for vectors.bin payloads and WAL insert/upsert payloads.
func Encode(v Vector) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode parses the canonical msgpack serialisation of a Vector.
func Decode(b []byte) (Vector, error) {
	var v Vector
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return Vector{}, err
	}
	return v, nil
}
