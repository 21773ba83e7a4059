package pi

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NamedValuesMap map names to values of one of the types string, int64, []int64, float32 or bool.
// It is used for the attributes of platforms and devices.
type NamedValuesMap map[string]any

// Validate returns an error if any of the values is of an unsupported type.
func (m NamedValuesMap) Validate() error {
	for key, anyValue := range m {
		switch anyValue.(type) {
		case string, int64, []int64, float32, bool:
		default:
			return errors.Errorf("named value %q was set to unsupported type %T (value=%v). "+
				"Only values of type string, int64, []int64, float32 and bool are supported.",
				key, anyValue, anyValue)
		}
	}
	return nil
}

// Int64 returns the value of the given key if it is an int64.
func (m NamedValuesMap) Int64(key string) (int64, bool) {
	v, ok := m[key].(int64)
	return v, ok
}

// String returns the key=value pairs, sorted by key.
func (m NamedValuesMap) String() string {
	var sb strings.Builder
	for ii, key := range sortedNames(m) {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s=%v", key, m[key])
	}
	return sb.String()
}

// namedValuesFromAttributes converts attributes reported by a driver, normalizing Go ints to
// int64 and dropping values of unsupported types.
func namedValuesFromAttributes(attributes map[string]any) NamedValuesMap {
	m := make(NamedValuesMap, len(attributes))
	for key, anyValue := range attributes {
		switch value := anyValue.(type) {
		case int:
			m[key] = int64(value)
		case []int:
			values := make([]int64, len(value))
			for ii, v := range value {
				values[ii] = int64(v)
			}
			m[key] = values
		case float64:
			m[key] = float32(value)
		case string, int64, []int64, float32, bool:
			m[key] = value
		default:
			m[key] = fmt.Sprintf("unknown_type_%T", value)
		}
	}
	return m
}
