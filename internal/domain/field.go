package domain

import (
	"bytes"
	"encoding/json"
)

// FieldState distinguishes an omitted upstream value from an explicit null.
type FieldState uint8

const (
	// FieldAbsent means the key was not sent at all.
	FieldAbsent FieldState = iota
	// FieldNull means the key was sent with a JSON null.
	FieldNull
	// FieldPresent means the key carried a concrete value.
	FieldPresent
)

// Field wraps an upstream value that may be absent, null, or present. The zero value is absent,
// so a struct decoded from JSON keeps Absent for keys that never appeared.
type Field[T any] struct {
	State FieldState
	Value T
}

// Present wraps a concrete value.
func Present[T any](value T) Field[T] {
	return Field[T]{State: FieldPresent, Value: value}
}

// Null returns an explicit-null field.
func Null[T any]() Field[T] {
	return Field[T]{State: FieldNull}
}

// IsPresent reports whether the field carries a value.
func (f Field[T]) IsPresent() bool { return f.State == FieldPresent }

// IsNull reports whether the field was sent as null.
func (f Field[T]) IsNull() bool { return f.State == FieldNull }

// IsAbsent reports whether the field was omitted.
func (f Field[T]) IsAbsent() bool { return f.State == FieldAbsent }

// Get returns the value and whether it is present.
func (f Field[T]) Get() (T, bool) {
	if f.State != FieldPresent {
		var zero T
		return zero, false
	}
	return f.Value, true
}

// OrElse returns the value when present, otherwise fallback.
func (f Field[T]) OrElse(fallback T) T {
	if f.State == FieldPresent {
		return f.Value
	}
	return fallback
}

// Ptr returns a pointer to a copy of the value, or nil when not present.
func (f Field[T]) Ptr() *T {
	if f.State != FieldPresent {
		return nil
	}
	value := f.Value
	return &value
}

// UnmarshalJSON implements json.Unmarshaler. It is only invoked for keys that exist in the payload.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Null[T]()
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*f = Present(value)
	return nil
}

// MarshalJSON implements json.Marshaler. Absent and null both encode as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.State != FieldPresent {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}
