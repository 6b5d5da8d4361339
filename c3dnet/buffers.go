package c3d

import "sync"

// colPool holds the im2col scratch buffers, keyed by length.
var colPool = struct {
	sync.Mutex
	m map[int]*sync.Pool
}{m: make(map[int]*sync.Pool)}

func borrowCols(n int) []float32 {
	colPool.Lock()
	p, ok := colPool.m[n]
	colPool.Unlock()
	if ok {
		return p.Get().([]float32)
	}
	return make([]float32, n)
}

func returnCols(buf []float32) {
	n := len(buf)
	colPool.Lock()
	p, ok := colPool.m[n]
	if !ok {
		p = &sync.Pool{
			New: func() interface{} { return make([]float32, n) },
		}
		colPool.m[n] = p
	}
	colPool.Unlock()
	p.Put(buf)
}
