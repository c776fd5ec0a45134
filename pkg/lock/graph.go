package lock

import (
	"sort"
	"sync"

	"storagecore/pkg/txn"
)

// Edge is one wait-for relationship: waiter is blocked on a resource
// holder currently holds.
type Edge struct {
	Waiter txn.ID
	Holder txn.ID
}

// graph is the wait-for graph consulted by the background deadlock
// detector. It is rebuilt from scratch on every detection pass, so
// AddEdge/RemoveEdge just mutate the adjacency list the detector is
// about to walk.
type graph struct {
	mu    sync.Mutex
	edges map[txn.ID]map[txn.ID]bool
}

func newGraph() *graph {
	return &graph{edges: make(map[txn.ID]map[txn.ID]bool)}
}

// AddEdge records that waiter waits for holder.
func (g *graph) AddEdge(waiter, holder txn.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[txn.ID]bool)
	}
	g.edges[waiter][holder] = true
}

// RemoveEdge removes a single waiter->holder edge, if present.
func (g *graph) RemoveEdge(waiter, holder txn.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holders, ok := g.edges[waiter]; ok {
		delete(holders, holder)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// Clear empties the graph, used before each detection pass rebuilds it.
func (g *graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[txn.ID]map[txn.ID]bool)
}

// RemoveTransaction prunes id out of the graph entirely, as both waiter
// and holder, so a just-aborted victim can't be picked again on the same
// detection pass.
func (g *graph) RemoveTransaction(id txn.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, id)
	for waiter, holders := range g.edges {
		delete(holders, id)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// GetEdgeList returns every edge currently in the graph, sorted for
// deterministic output.
func (g *graph) GetEdgeList() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Edge
	for waiter, holders := range g.edges {
		for holder := range holders {
			out = append(out, Edge{Waiter: waiter, Holder: holder})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Waiter != out[j].Waiter {
			return out[i].Waiter < out[j].Waiter
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

// HasCycle runs DFS from the smallest unvisited source: adjacency lists
// are walked in ascending txn-id order so that,
// within whatever cycle is found first, the search naturally surfaces a
// deterministic path; HasCycle returns the largest id on that path as
// the victim (the newest transaction, since ids are monotonic).
func (g *graph) HasCycle() (txn.ID, bool) {
	g.mu.Lock()
	nodes := make(map[txn.ID]bool)
	adjacency := make(map[txn.ID][]txn.ID, len(g.edges))
	for waiter, holders := range g.edges {
		nodes[waiter] = true
		var list []txn.ID
		for holder := range holders {
			list = append(list, holder)
			nodes[holder] = true
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		adjacency[waiter] = list
	}
	g.mu.Unlock()

	var sources []txn.ID
	for n := range nodes {
		sources = append(sources, n)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	visited := make(map[txn.ID]bool)
	for _, src := range sources {
		if visited[src] {
			continue
		}
		if path, ok := findCycle(src, adjacency, visited, nil, make(map[txn.ID]int)); ok {
			victim := path[0]
			for _, n := range path {
				if n > victim {
					victim = n
				}
			}
			return victim, true
		}
	}
	return 0, false
}

// findCycle performs DFS with an explicit recursion stack, returning the
// nodes on the cycle (if any) found from this branch.
func findCycle(node txn.ID, adjacency map[txn.ID][]txn.ID, visited map[txn.ID]bool, path []txn.ID, onStack map[txn.ID]int) ([]txn.ID, bool) {
	visited[node] = true
	onStack[node] = len(path)
	path = append(path, node)

	for _, next := range adjacency[node] {
		if idx, onPath := onStack[next]; onPath {
			return append([]txn.ID{}, path[idx:]...), true
		}
		if visited[next] {
			continue
		}
		if cycle, ok := findCycle(next, adjacency, visited, path, onStack); ok {
			return cycle, true
		}
	}

	delete(onStack, node)
	return nil, false
}
