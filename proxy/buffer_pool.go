package proxy

import "sync"

// ReadChunkSize is the transport read size. It also bounds the size of a
// single captured frame; the protocol's real message boundaries are unknown,
// so frames are whatever the kernel delivers per read.
const ReadChunkSize = 8192

// readBufferPool reuses per-direction read buffers to reduce allocations
var readBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ReadChunkSize)
		return &buf
	},
}

// getReadBuffer retrieves a read buffer from the pool.
func getReadBuffer() *[]byte {
	return readBufferPool.Get().(*[]byte)
}

// putReadBuffer returns a read buffer to the pool.
func putReadBuffer(buf *[]byte) {
	if buf == nil {
		return
	}
	readBufferPool.Put(buf)
}
