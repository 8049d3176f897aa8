package fingerprint

import (
	"bytes"
	"encoding/json"
)

// Optional holds the result of a probe that may not be available in every
// environment (WebGL, canvas, Do-Not-Track, device memory).
type Optional[T comparable] struct {
	value T
	ok    bool
}

func Available[T comparable](v T) Optional[T] { return Optional[T]{value: v, ok: true} }

func Unavailable[T comparable]() Optional[T] { return Optional[T]{} }

// Get returns the value and whether the probe produced one.
func (o Optional[T]) Get() (T, bool) { return o.value, o.ok }

func (o Optional[T]) IsAvailable() bool { return o.ok }

// OrZero returns the value, or the zero value when unavailable.
func (o Optional[T]) OrZero() T { return o.value }

// Matches reports whether both sides are available and equal.
// Two unavailable values never match.
func (o Optional[T]) Matches(other Optional[T]) bool {
	return o.ok && other.ok && o.value == other.value
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Available(v)
	return nil
}
