package agent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/httpclient"
)

// Place mirrors the hub's GET /api/v1/places entry. It's a separate type
// from hub.Place rather than a shared one, the same way a real importer
// and a real exporter would only ever agree on the wire shape, not share
// a package.
type Place struct {
	ID    int         `json:"id"`
	Host  string      `json:"host"`
	Port  int         `json:"port"`
	Parts []PlacePart `json:"parts"`
}

// PlacePart is one board's worth of interfaces within a Place.
type PlacePart struct {
	Compatible []string                `json:"compatible"`
	USB        map[string]PlaceUSBPort `json:"usb"`
	TCP        map[string]PlaceTCPPort `json:"tcp"`
}

// PlaceUSBPort names the busid a part's usb interface is exported under.
type PlaceUSBPort struct {
	UsbID string `json:"usbid"`
}

// PlaceTCPPort names the host:port a part's tcp interface is exported
// under.
type PlaceTCPPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// fetchPlaces retrieves the live catalog from the hub.
func fetchPlaces(ctx context.Context, client *httpclient.Client, hubURL string) ([]Place, error) {
	var resp struct {
		Places []Place `json:"places"`
	}
	if err := client.GetJSON(ctx, hubURL+"/api/v1/places", &resp, nil); err != nil {
		return nil, fmt.Errorf("fetching place catalog: %w", err)
	}
	return resp.Places, nil
}

// featureSet builds the {"compatible:X", "usb:Y", "tcp:Z"} set spec.md's
// matching rule describes for one imported or exported part, shared
// between both sides since the set's vocabulary (not its static type)
// is what needs to agree.
func featureSet(compatible []string, usbNames, tcpNames []string) map[string]bool {
	set := make(map[string]bool, len(compatible)+len(usbNames)+len(tcpNames))
	for _, c := range compatible {
		set["compatible:"+c] = true
	}
	for _, n := range usbNames {
		set["usb:"+n] = true
	}
	for _, n := range tcpNames {
		set["tcp:"+n] = true
	}
	return set
}

func importPartFeatures(p config.ImportedPartConfig) map[string]bool {
	return featureSet(p.Compatible, keysOfIntMap(p.USB), keysOfIntMap(p.TCP))
}

func placePartFeatures(p PlacePart) map[string]bool {
	return featureSet(p.Compatible, keysOfUSBMap(p.USB), keysOfTCPMap(p.TCP))
}

func keysOfIntMap(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func keysOfUSBMap(m map[string]PlaceUSBPort) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func keysOfTCPMap(m map[string]PlaceTCPPort) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func isSuperset(set, sub map[string]bool) bool {
	for k := range sub {
		if !set[k] {
			return false
		}
	}
	return true
}

// matchPlace implements spec.md §4.6's matching rule against one place:
// for every imported part, list the place parts whose feature set is a
// superset of the imported part's. If every imported part has exactly
// one candidate, that assignment is taken directly; otherwise a bipartite
// maximum matching decides it, and the place is a candidate only if the
// matching covers every imported part.
func matchPlace(place Place, parts map[string]config.ImportedPartConfig) (map[string]int, bool) {
	graph := make(map[string][]string, len(parts))
	for name, part := range parts {
		impFeatures := importPartFeatures(part)
		var edges []string
		for i, pp := range place.Parts {
			if isSuperset(placePartFeatures(pp), impFeatures) {
				edges = append(edges, strconv.Itoa(i))
			}
		}
		graph[name] = edges
	}

	allSingle := true
	for _, edges := range graph {
		if len(edges) != 1 {
			allSingle = false
			break
		}
	}

	var matching map[string]string
	if allSingle {
		matching = make(map[string]string, len(graph))
		for name, edges := range graph {
			matching[name] = edges[0]
		}
	} else {
		matching = findMatching(graph)
	}

	if len(matching) != len(parts) {
		return nil, false
	}

	result := make(map[string]int, len(matching))
	for name, idxStr := range matching {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, false
		}
		result[name] = idx
	}
	return result, true
}

// candidatePlaces returns the ids of every place in places that matches
// every part of desc.
func candidatePlaces(places []Place, desc *config.ImportDescription) []int {
	var ids []int
	for _, p := range places {
		if _, ok := matchPlace(p, desc.Parts); ok {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
