package room

// chunkQueue is one participant's jitter queue: a FIFO of equal-length PCM
// chunks written by the connection's receive loop and drained only by the
// mixing cycle. Depth is capped; pushing past the cap evicts the oldest
// chunk so a producer running ahead of the mix cannot grow memory or latency
// without bound. Not safe for concurrent use, the owning Room locks around it.
type chunkQueue struct {
	chunks [][]byte
	max    int
}

func newChunkQueue(max int) *chunkQueue {
	return &chunkQueue{max: max}
}

func (q *chunkQueue) depth() int {
	return len(q.chunks)
}

// push appends one chunk, evicting the oldest when full. Reports whether a
// chunk was dropped.
func (q *chunkQueue) push(chunk []byte) bool {
	var dropped bool
	if len(q.chunks) >= q.max {
		q.chunks = q.chunks[1:]
		dropped = true
	}
	q.chunks = append(q.chunks, chunk)
	return dropped
}

// popBatch removes exactly n chunks and returns them concatenated into one
// flat buffer. Returns nil without consuming anything if fewer than n chunks
// are queued.
func (q *chunkQueue) popBatch(n int) []byte {
	if len(q.chunks) < n {
		return nil
	}
	var size int
	for _, c := range q.chunks[:n] {
		size += len(c)
	}
	flat := make([]byte, 0, size)
	for _, c := range q.chunks[:n] {
		flat = append(flat, c...)
	}
	q.chunks = q.chunks[n:]
	return flat
}

// clear drops everything queued and returns how many chunks were discarded.
func (q *chunkQueue) clear() int {
	n := len(q.chunks)
	q.chunks = nil
	return n
}
