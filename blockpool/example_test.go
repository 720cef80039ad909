package blockpool

import (
	"fmt"

	"github.com/cloudwego/memarena/heap"
)

func Example() {
	backing := heap.New(0)
	defer backing.Close()

	p, _ := New(backing, 4, 64) // 4 cells of 64 bytes
	defer p.Close()

	a := p.Alloc()
	b := p.Alloc()
	fmt.Println(p.Avail())

	p.Free(a)
	p.Free(b)
	fmt.Println(p.Avail())

	// Output:
	// 2
	// 4
}
