// Package eventstream couples an ordered event sequence with a one-shot result.
//
// Invariants:
// - Events are delivered exactly once, in push order.
// - The result resolves once, either by a terminal event or by End.
// - Pushes after completion are dropped.
//
// Usage:
//
//	s := eventstream.New[string, int](func(e string) (int, bool) { return len(e), e == "end" })
//	s.Push("start")
//	s.Push("end")
//	for e := range s.All(ctx) {
//		fmt.Println(e)
//	}
//	n, _ := s.Result(ctx)
package eventstream
