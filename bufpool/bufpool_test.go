package bufpool_test

import (
	"sync"
	"testing"

	"github.com/rdcsync/rdcsync/bufpool"
	"github.com/stretchr/testify/assert"
)

func Test_GetPut(t *testing.T) {
	p := bufpool.New(1024)
	b := p.Get()
	assert.Len(t, b.B, 1024)
	assert.EqualValues(t, 1, p.Outstanding())

	p.Put(b)
	assert.EqualValues(t, 0, p.Outstanding())
	assert.Nil(t, b.B)
}

func Test_DoublePut(t *testing.T) {
	p := bufpool.New(16)
	b := p.Get()
	p.Put(b)
	assert.Panics(t, func() { p.Put(b) })
	assert.EqualValues(t, 0, p.Outstanding())
}

func Test_WrongPool(t *testing.T) {
	p1 := bufpool.New(16)
	p2 := bufpool.New(16)
	b := p1.Get()
	assert.Panics(t, func() { p2.Put(b) })
	p1.Put(b)
}

func Test_Concurrent(t *testing.T) {
	p := bufpool.New(64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := p.Get()
				b.B[0] = byte(j)
				p.Put(b)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, p.Outstanding())
}
