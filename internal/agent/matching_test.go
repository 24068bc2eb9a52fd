package agent

import "testing"

func TestFindMatchingSimpleGraph(t *testing.T) {
	graph := map[string][]string{
		"U0": {"V0", "V1"},
		"U1": {"V0"},
	}

	m := findMatching(graph)

	if len(m) != 2 {
		t.Fatalf("expected a perfect matching of size 2, got %v", m)
	}
	seen := map[string]bool{}
	for u, v := range m {
		if seen[v] {
			t.Fatalf("vertex %q matched twice", v)
		}
		seen[v] = true
		if len(graph[u]) == 0 {
			t.Fatalf("matched %q which has no edges", u)
		}
	}
}

func TestFindMatchingMaximumCardinality(t *testing.T) {
	graph := map[string][]string{
		"U0": {"V0", "V1"},
		"U1": {"V0", "V4"},
		"U2": {"V2", "V3"},
		"U3": {"V0", "V4"},
		"U4": {"V1", "V3"},
	}

	m := findMatching(graph)

	if len(m) != len(graph) {
		t.Fatalf("expected a perfect matching covering all 5 vertices, got %d: %v", len(m), m)
	}
	seen := map[string]bool{}
	for u, v := range m {
		var ok bool
		for _, candidate := range graph[u] {
			if candidate == v {
				ok = true
			}
		}
		if !ok {
			t.Fatalf("matched edge %s-%s is not in the graph", u, v)
		}
		if seen[v] {
			t.Fatalf("vertex %q matched twice", v)
		}
		seen[v] = true
	}
}

func TestFindMatchingNoEdgesLeavesVertexUnmatched(t *testing.T) {
	graph := map[string][]string{
		"U0": {"V0"},
		"U1": {},
	}

	m := findMatching(graph)

	if _, ok := m["U1"]; ok {
		t.Fatalf("U1 has no edges and must not appear in the matching")
	}
	if v, ok := m["U0"]; !ok || v != "V0" {
		t.Fatalf("expected U0 -> V0, got %v", m)
	}
}
