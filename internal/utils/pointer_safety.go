package utils

// Value dereferences v, returning the zero value of T for nil.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

// Ptr returns a pointer to a copy of v. Used to detach times and amounts from
// the struct they were read from.
func Ptr[T any](v T) *T {
	return &v
}
