// Package nilable classifies result types and values that can hold nil.
// The collapser uses it to map an explicit gap in a positional batch
// result (a nil slot) to a per-item failure, while leaving value types,
// which cannot express a gap, untouched.
package nilable

import "reflect"

// Type reports whether values of t can be nil.
func Type(t reflect.Type) bool {
	if t == nil {
		return false
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return true
	default:
		return false
	}
}

// IsNil reports whether v holds a nil value. An untyped nil and a typed
// nil of any nilable kind both count; non-nilable values never do.
func IsNil(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	return Type(rv.Type()) && rv.IsNil()
}
