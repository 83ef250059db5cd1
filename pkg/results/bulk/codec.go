package bulk

import (
	"bytes"
	"fmt"
	"math"
	"reflect"

	"github.com/dukex/entropy/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
)

// Encode converts value into a payload, trying the native path, then generic
// object serialization and finally the printable representation.
func Encode(value any) ([]byte, models.DataType) {
	if isNative(reflect.ValueOf(value)) {
		data, err := msgpack.Marshal(value)
		if err == nil {
			return data, models.DataTypeNative
		}
	}

	var buf bytes.Buffer

	encoder := msgpack.NewEncoder(&buf)
	encoder.SetCustomStructTag("json")

	err := encoder.Encode(value)
	if err == nil {
		return buf.Bytes(), models.DataTypeSerialized
	}

	return []byte(fmt.Sprintf("%#v", value)), models.DataTypeRepr
}

// Decode reverses Encode. Repr payloads come back as their string form.
func Decode(data []byte, dataType models.DataType) (any, error) {
	if dataType == models.DataTypeRepr {
		return string(data), nil
	}

	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	decoder.SetCustomStructTag("json")

	value, err := decoder.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", dataType, err)
	}

	return normalize(value), nil
}

// isNative reports whether v holds scalars, strings, byte slices or slices
// and string-keyed maps of those.
func isNative(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}

	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Interface:
		return isNative(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return true
		}

		for i := range v.Len() {
			if !isNative(v.Index(i)) {
				return false
			}
		}

		return true
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}

		iter := v.MapRange()
		for iter.Next() {
			if !isNative(iter.Value()) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// normalize widens decoded integers so values compare the same regardless of
// the compact encoding msgpack picked.
func normalize(value any) any {
	switch typed := value.(type) {
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint64:
		if typed <= math.MaxInt64 {
			return int64(typed)
		}

		return typed
	case float32:
		return float64(typed)
	case []any:
		for i, item := range typed {
			typed[i] = normalize(item)
		}

		return typed
	case map[string]any:
		for key, item := range typed {
			typed[key] = normalize(item)
		}

		return typed
	default:
		return value
	}
}
