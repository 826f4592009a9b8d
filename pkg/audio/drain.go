package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to unblock a producer whose output is no longer wanted, e.g. a
// microphone track that is being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
