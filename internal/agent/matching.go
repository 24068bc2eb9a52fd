package agent

import "math"

// nilVertex stands in for the "no vertex" marker the reference algorithm
// uses (None), since Go maps need a real key. No real U or V vertex name
// used by the caller in this package collides with it.
const nilVertex = "\x00nil"

const infinity = math.MaxInt32

// findMatching solves maximum bipartite cardinality matching with the
// Hopcroft-Karp algorithm. graph maps each vertex of one side (U) to the
// vertices of the other side (V) it has an edge to. The result maps every
// matched U vertex to its matched V vertex; a U vertex absent from the
// result has no edge in the maximum matching.
func findMatching(graph map[string][]string) map[string]string {
	matchU := map[string]string{} // U -> V
	matchV := map[string]string{} // V -> U
	layer := map[string]int{}

	// breadthFirstSearch finds the shortest augmenting paths, saving each
	// U vertex's BFS layer to guide the depth-first search below.
	breadthFirstSearch := func() bool {
		var queue []string
		for u := range graph {
			if _, matched := matchU[u]; matched {
				layer[u] = infinity
			} else {
				layer[u] = 0
				queue = append(queue, u)
			}
		}
		layer[nilVertex] = infinity

		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			if layer[u] >= layer[nilVertex] {
				continue
			}
			for _, v := range graph[u] {
				nextU, matched := matchV[v]
				if !matched {
					nextU = nilVertex
				}
				if layer[nextU] == infinity {
					layer[nextU] = layer[u] + 1
					if nextU != nilVertex {
						queue = append(queue, nextU)
					}
				}
			}
		}
		return layer[nilVertex] != infinity
	}

	// depthFirstSearch walks one shortest augmenting path starting at u,
	// flipping matched/unmatched edges along the way.
	var depthFirstSearch func(u string) bool
	depthFirstSearch = func(u string) bool {
		for _, v := range graph[u] {
			nextU, matched := matchV[v]
			if !matched {
				nextU = nilVertex
			}
			if layer[nextU] == layer[u]+1 {
				if nextU == nilVertex || depthFirstSearch(nextU) {
					matchU[u] = v
					matchV[v] = u
					return true
				}
			}
		}
		layer[u] = infinity
		return false
	}

	for breadthFirstSearch() {
		for u := range graph {
			if _, matched := matchU[u]; !matched {
				depthFirstSearch(u)
			}
		}
	}

	return matchU
}
