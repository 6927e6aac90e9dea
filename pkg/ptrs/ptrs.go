// Package ptrs provides helpers for pointers to literals.
package ptrs

// Ptr returns a pointer to its argument.
func Ptr[T any](v T) *T {
	return &v
}
