// Package workload provides the demo split-mergable tasks driven by the
// monitor and bench binaries.
package workload

import (
	"context"

	"github.com/quillframe/quillexec/pkg/parallel"
)

// FibTask computes the n-th Fibonacci number as a split-mergable task:
// fib(n) splits off fib(n-2) while the local side continues with fib(n-1),
// and Merge adds the halves back together. Below MinSeqN the remainder runs
// sequentially.
type FibTask struct {
	N       int
	MinSeqN int
	Result  uint64
}

var _ parallel.SplitMergable = (*FibTask)(nil)

// NewFibTask creates a FibTask for fib(n) with the given sequential cutoff.
func NewFibTask(n, minSeqN int) *FibTask {
	if minSeqN < 2 {
		minSeqN = 2
	}
	return &FibTask{N: n, MinSeqN: minSeqN}
}

func (t *FibTask) WorthToSplit() bool {
	return t.N > t.MinSeqN
}

func (t *FibTask) Split() parallel.Splittable {
	right := &FibTask{N: t.N - 2, MinSeqN: t.MinSeqN}
	t.N--
	return right
}

func (t *FibTask) Run(ctx context.Context) {
	t.Result = SequentialFib(t.N)
}

func (t *FibTask) Merge(left, right parallel.SplitMergable) {
	t.Result = left.(*FibTask).Result + right.(*FibTask).Result
}

// SequentialFib computes fib(n) iteratively.
func SequentialFib(n int) uint64 {
	if n <= 0 {
		return 0
	}
	var a, b uint64 = 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}

// RangeSumTask sums the integers in [Lo, Hi) by halving the range until it
// drops below Grain.
type RangeSumTask struct {
	Lo, Hi int64
	Grain  int64
	Sum    int64
}

var _ parallel.SplitMergable = (*RangeSumTask)(nil)

// NewRangeSumTask creates a RangeSumTask over [lo, hi).
func NewRangeSumTask(lo, hi, grain int64) *RangeSumTask {
	if grain < 1 {
		grain = 1
	}
	return &RangeSumTask{Lo: lo, Hi: hi, Grain: grain}
}

func (t *RangeSumTask) WorthToSplit() bool {
	return t.Hi-t.Lo > t.Grain
}

func (t *RangeSumTask) Split() parallel.Splittable {
	mid := t.Lo + (t.Hi-t.Lo)/2
	right := &RangeSumTask{Lo: mid, Hi: t.Hi, Grain: t.Grain}
	t.Hi = mid
	return right
}

func (t *RangeSumTask) Run(ctx context.Context) {
	var sum int64
	for i := t.Lo; i < t.Hi; i++ {
		sum += i
	}
	t.Sum = sum
}

func (t *RangeSumTask) Merge(left, right parallel.SplitMergable) {
	t.Sum = left.(*RangeSumTask).Sum + right.(*RangeSumTask).Sum
}
