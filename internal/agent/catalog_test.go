package agent

import (
	"testing"

	"github.com/holesch/not-my-board/internal/config"
)

func TestMatchPlaceSingleCandidate(t *testing.T) {
	place := Place{
		ID: 1,
		Parts: []PlacePart{
			{Compatible: []string{"raspberrypi4"}, USB: map[string]PlaceUSBPort{"main": {UsbID: "1-2"}}},
		},
	}
	parts := map[string]config.ImportedPartConfig{
		"dut": {Compatible: []string{"raspberrypi4"}, USB: map[string]int{"main": 0}},
	}

	assignment, ok := matchPlace(place, parts)
	if !ok {
		t.Fatal("expected a match")
	}
	if assignment["dut"] != 0 {
		t.Fatalf("expected dut matched to part 0, got %v", assignment)
	}
}

func TestMatchPlaceNoMatch(t *testing.T) {
	place := Place{
		ID:    1,
		Parts: []PlacePart{{Compatible: []string{"stm32"}}},
	}
	parts := map[string]config.ImportedPartConfig{
		"dut": {Compatible: []string{"raspberrypi4"}},
	}

	if _, ok := matchPlace(place, parts); ok {
		t.Fatal("expected no match")
	}
}

func TestMatchPlaceRequiresBipartiteMatching(t *testing.T) {
	// Imported part a is compatible with both place parts, b only with the
	// second: since a has two candidates, this forces the maximum-matching
	// path, which must leave the second place part to b.
	place := Place{
		ID: 1,
		Parts: []PlacePart{
			{Compatible: []string{"generic"}},
			{Compatible: []string{"generic", "special"}},
		},
	}
	parts := map[string]config.ImportedPartConfig{
		"a": {Compatible: []string{"generic"}},
		"b": {Compatible: []string{"generic", "special"}},
	}

	assignment, ok := matchPlace(place, parts)
	if !ok {
		t.Fatal("expected a match covering both imported parts")
	}
	if assignment["b"] != 1 {
		t.Fatalf("expected b matched to the only part offering 'special', got %v", assignment)
	}
	if assignment["a"] == assignment["b"] {
		t.Fatalf("a and b must not share a place part: %v", assignment)
	}
}

func TestCandidatePlacesFiltersNonMatching(t *testing.T) {
	places := []Place{
		{ID: 1, Parts: []PlacePart{{Compatible: []string{"stm32"}}}},
		{ID: 2, Parts: []PlacePart{{Compatible: []string{"raspberrypi4"}}}},
	}
	desc := &config.ImportDescription{
		Parts: map[string]config.ImportedPartConfig{
			"dut": {Compatible: []string{"raspberrypi4"}},
		},
	}

	ids := candidatePlaces(places, desc)
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected only place 2 to match, got %v", ids)
	}
}
