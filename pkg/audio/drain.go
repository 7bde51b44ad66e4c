package audio

// DrainPending discards every value currently buffered in ch without
// waiting for more and reports how many were discarded. It never blocks and
// works on channels that are never closed.
func DrainPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
