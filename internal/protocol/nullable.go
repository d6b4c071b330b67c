package protocol

import "encoding/json"

// Nullable distinguishes an absent field from an explicit null. entityModified
// relies on it: presence alone triggers a rebuild, and null clears the value.
type Nullable[T any] struct {
	Set   bool
	Valid bool
	V     T
}

func Value[T any](v T) Nullable[T] { return Nullable[T]{Set: true, Valid: true, V: v} }

func Null[T any]() Nullable[T] { return Nullable[T]{Set: true} }

func (n Nullable[T]) IsZero() bool { return !n.Set }

// Get returns the value and whether it is non-null.
func (n Nullable[T]) Get() (T, bool) { return n.V, n.Set && n.Valid }

func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.V)
}

func (n *Nullable[T]) UnmarshalJSON(b []byte) error {
	n.Set = true
	if string(b) == "null" {
		var zero T
		n.Valid = false
		n.V = zero
		return nil
	}
	n.Valid = true
	return json.Unmarshal(b, &n.V)
}
