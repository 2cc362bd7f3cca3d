package channel

// Filter forwards the items of in for which fn returns true.
// The returned channel is closed once in is closed.
func Filter[T any](in <-chan T, fn func(T) bool) chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for item := range in {
			if fn(item) {
				out <- item
			}
		}
	}()
	return out
}
