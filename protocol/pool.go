package protocol

import "sync"

// Frame writes assemble header and payload into one buffer so a frame
// reaches the socket in a single Write. The buffers are recycled.
var bytesPool = sync.Pool{
	New: func() any {
		buf := new([]byte) // Attempt to force allocation on heap.
		*buf = make([]byte, 0, 1<<10)
		return buf
	},
}

func getBytes() *[]byte {
	return bytesPool.Get().(*[]byte)
}

func putBytes(b *[]byte) {
	*b = (*b)[:0]
	bytesPool.Put(b)
}
