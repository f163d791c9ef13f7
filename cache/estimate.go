package cache

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// SizeEstimator approximates the resident byte cost of a value. Estimates
// drive the memory budget; they are deliberately approximate, never exact.
type SizeEstimator func(val any) int64

const (
	// scalarSize is the flat estimate for bools, numbers and other
	// values with no measurable payload.
	scalarSize = 64
	// fallbackObjectSize is the estimate for composite values that
	// cannot be serialized for measurement.
	fallbackObjectSize = 1024
)

// EstimateSize is the default SizeEstimator. Strings cost twice their
// length, byte slices their length, scalars a flat 64 bytes. Composite
// values cost twice their msgpack-encoded length, falling back to 1024
// bytes when encoding fails, so estimation never fails a Set.
func EstimateSize(val any) int64 {
	switch v := val.(type) {
	case nil:
		return scalarSize
	case string:
		return 2 * int64(len(v))
	case []byte:
		return int64(len(v))
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return scalarSize
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return fallbackObjectSize
	}
	return 2 * int64(len(data))
}
