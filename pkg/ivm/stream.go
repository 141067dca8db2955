package ivm

// Stream is a lazy, single-pass, finite sequence of nodes. A consumer reads nodes with Next
// until it returns false and calls Close when it is done, whether or not the stream was
// exhausted. Close is idempotent.
type Stream interface {
	Next() (Node, bool)
	Close()
}

type funcStream struct {
	next   func() (Node, bool)
	close  func()
	done   bool
	closed bool
}

// NewStream builds a stream from a next and an optional close function. The close function runs
// at most once, either on exhaustion or on the first call to Close.
func NewStream(next func() (Node, bool), close func()) Stream {
	return &funcStream{next: next, close: close}
}

func (s *funcStream) Next() (Node, bool) {
	if s.done {
		return Node{}, false
	}
	n, ok := s.next()
	if !ok {
		s.done = true
		s.Close()
	}
	return n, ok
}

func (s *funcStream) Close() {
	if s.closed {
		return
	}
	s.done, s.closed = true, true
	if s.close != nil {
		s.close()
	}
}

// EmptyStream returns a stream with no nodes.
func EmptyStream() Stream {
	return NewStream(func() (Node, bool) { return Node{}, false }, nil)
}

// StreamOf returns a stream over the given nodes.
func StreamOf(nodes ...Node) Stream {
	i := 0
	return NewStream(func() (Node, bool) {
		if i >= len(nodes) {
			return Node{}, false
		}
		i++
		return nodes[i-1], true
	}, nil)
}

// Collect drains and closes a stream.
func Collect(s Stream) []Node {
	defer s.Close()
	ret := []Node{}
	for n, ok := s.Next(); ok; n, ok = s.Next() {
		ret = append(ret, n)
	}
	return ret
}

// CollectRows drains and closes a stream, returning the rows only.
func CollectRows(s Stream) []Row {
	defer s.Close()
	ret := []Row{}
	for n, ok := s.Next(); ok; n, ok = s.Next() {
		ret = append(ret, n.Row)
	}
	return ret
}

// First returns the first node of a stream and closes it.
func First(s Stream) (Node, bool) {
	defer s.Close()
	return s.Next()
}

// Count drains and closes a stream, returning the number of nodes seen.
func Count(s Stream) int {
	defer s.Close()
	n := 0
	for _, ok := s.Next(); ok; _, ok = s.Next() {
		n++
	}
	return n
}

func filterStream(s Stream, pred func(Node) bool) Stream {
	return NewStream(func() (Node, bool) {
		for n, ok := s.Next(); ok; n, ok = s.Next() {
			if pred(n) {
				return n, true
			}
		}
		return Node{}, false
	}, s.Close)
}

func mapStream(s Stream, fn func(Node) Node) Stream {
	return NewStream(func() (Node, bool) {
		n, ok := s.Next()
		if !ok {
			return Node{}, false
		}
		return fn(n), true
	}, s.Close)
}

// takeWhile ends the stream at the first node that fails the predicate.
func takeWhile(s Stream, pred func(Node) bool) Stream {
	return NewStream(func() (Node, bool) {
		n, ok := s.Next()
		if !ok || !pred(n) {
			return Node{}, false
		}
		return n, true
	}, s.Close)
}

func limitStream(s Stream, limit int) Stream {
	i := 0
	return NewStream(func() (Node, bool) {
		if i >= limit {
			return Node{}, false
		}
		n, ok := s.Next()
		if ok {
			i++
		}
		return n, ok
	}, s.Close)
}
