package register

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

const (
	// points sampled to choose a split dimension
	forestSampleSize = 100
	// split dimension is drawn from this many highest-variance dimensions
	forestRandDims = 5
	forestSeed     = 1
)

// kdForest is a set of randomized k-d trees searched together with a shared
// priority queue and a bounded number of leaf checks. The search is
// approximate: it stops once the check budget is spent and k results exist.
type kdForest struct {
	data   [][]float32
	dim    int
	trees  []*kdNode
	checks int
}

type kdNode struct {
	point       int // leaf point index, -1 for inner nodes
	dim         int
	split       float32
	left, right *kdNode
}

// neighbor is a search hit; dist is Euclidean.
type neighbor struct {
	index int
	dist  float64
}

func newKDForest(data [][]float32, trees, checks int) *kdForest {
	f := &kdForest{data: data, checks: checks}
	if len(data) == 0 {
		return f
	}
	f.dim = len(data[0])
	rng := rand.New(rand.NewSource(forestSeed))
	for t := 0; t < trees; t++ {
		ind := rng.Perm(len(data))
		f.trees = append(f.trees, f.divide(ind, rng))
	}
	return f
}

func (f *kdForest) divide(ind []int, rng *rand.Rand) *kdNode {
	if len(ind) == 1 {
		return &kdNode{point: ind[0]}
	}
	dim, split := f.chooseSplit(ind, rng)

	lo, hi := 0, len(ind)-1
	for lo <= hi {
		if f.data[ind[lo]][dim] < split {
			lo++
			continue
		}
		ind[lo], ind[hi] = ind[hi], ind[lo]
		hi--
	}
	// all points on one side: split by position so the tree still shrinks
	if lo == 0 || lo == len(ind) {
		lo = len(ind) / 2
	}
	return &kdNode{
		point: -1,
		dim:   dim,
		split: split,
		left:  f.divide(ind[:lo], rng),
		right: f.divide(ind[lo:], rng),
	}
}

// chooseSplit picks a random dimension among the highest-variance ones of a
// sample and splits at its mean.
func (f *kdForest) chooseSplit(ind []int, rng *rand.Rand) (int, float32) {
	n := min(len(ind), forestSampleSize)
	mean := make([]float64, f.dim)
	for _, i := range ind[:n] {
		for d, v := range f.data[i] {
			mean[d] += float64(v)
		}
	}
	for d := range mean {
		mean[d] /= float64(n)
	}
	variance := make([]float64, f.dim)
	for _, i := range ind[:n] {
		for d, v := range f.data[i] {
			diff := float64(v) - mean[d]
			variance[d] += diff * diff
		}
	}

	dims := make([]int, f.dim)
	for d := range dims {
		dims[d] = d
	}
	sort.SliceStable(dims, func(a, b int) bool { return variance[dims[a]] > variance[dims[b]] })
	top := min(forestRandDims, len(dims))
	dim := dims[rng.Intn(top)]
	return dim, float32(mean[dim])
}

// knn returns up to k nearest neighbours of q, closest first.
func (f *kdForest) knn(q []float32, k int) []neighbor {
	if len(f.trees) == 0 || k < 1 {
		return nil
	}
	s := &forestSearch{
		f:       f,
		q:       q,
		res:     knnSet{k: k},
		visited: make([]bool, len(f.data)),
	}
	for _, root := range f.trees {
		s.descend(root, 0, make([]float64, f.dim))
	}
	for s.queue.Len() > 0 && (s.checked < f.checks || !s.res.full()) {
		b := heap.Pop(&s.queue).(branch)
		s.descend(b.node, b.mindist, b.offsets)
	}

	out := make([]neighbor, len(s.res.items))
	for i, it := range s.res.items {
		out[i] = neighbor{index: it.index, dist: math.Sqrt(it.dist)}
	}
	return out
}

type forestSearch struct {
	f       *kdForest
	q       []float32
	res     knnSet
	queue   branchQueue
	visited []bool
	checked int
}

// descend walks to the leaf nearest q. offsets holds, per dimension, the
// squared distance from q to the current cell along that axis; mindist is
// their sum and never exceeds the distance to any point in the cell.
func (s *forestSearch) descend(node *kdNode, mindist float64, offsets []float64) {
	if s.res.full() && mindist > s.res.worst() {
		return
	}
	for node.point < 0 {
		diff := float64(s.q[node.dim] - node.split)
		near, far := node.left, node.right
		if diff >= 0 {
			near, far = node.right, node.left
		}
		// a repeated split dimension replaces its offset rather than adding to it
		old := offsets[node.dim]
		cut := max(old, diff*diff)
		farDist := mindist - old + cut
		if !s.res.full() || farDist < s.res.worst() {
			farOffsets := make([]float64, len(offsets))
			copy(farOffsets, offsets)
			farOffsets[node.dim] = cut
			heap.Push(&s.queue, branch{node: far, mindist: farDist, offsets: farOffsets})
		}
		node = near
	}

	idx := node.point
	if s.visited[idx] || (s.checked >= s.f.checks && s.res.full()) {
		return
	}
	s.visited[idx] = true
	s.checked++
	s.res.add(idx, sqDist(s.q, s.f.data[idx]))
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

type knnItem struct {
	index int
	dist  float64 // squared
}

// knnSet keeps the k smallest distances in ascending order.
type knnSet struct {
	k     int
	items []knnItem
}

func (r *knnSet) full() bool { return len(r.items) >= r.k }

func (r *knnSet) worst() float64 {
	if len(r.items) == 0 {
		return math.Inf(1)
	}
	return r.items[len(r.items)-1].dist
}

func (r *knnSet) add(index int, dist float64) {
	if r.full() && dist >= r.worst() {
		return
	}
	pos := sort.Search(len(r.items), func(i int) bool { return r.items[i].dist > dist })
	r.items = append(r.items, knnItem{})
	copy(r.items[pos+1:], r.items[pos:])
	r.items[pos] = knnItem{index: index, dist: dist}
	if len(r.items) > r.k {
		r.items = r.items[:r.k]
	}
}

type branch struct {
	node    *kdNode
	mindist float64
	offsets []float64
}

type branchQueue []branch

func (q branchQueue) Len() int            { return len(q) }
func (q branchQueue) Less(i, j int) bool  { return q[i].mindist < q[j].mindist }
func (q branchQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *branchQueue) Push(x interface{}) { *q = append(*q, x.(branch)) }
func (q *branchQueue) Pop() interface{} {
	old := *q
	n := len(old)
	b := old[n-1]
	*q = old[:n-1]
	return b
}
