package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TileTracks maps a tile code, with its leading "T", to the relative orbit
// numbers whose acquisitions are valid over that tile.
type TileTracks map[string][]int

// Valid reports whether orbit is whitelisted for tile. The tile key carries
// a leading "T" in the files while raw inputs store the bare code.
func (tt TileTracks) Valid(tile string, orbit int) bool {
	for _, o := range tt["T"+tile] {
		if o == orbit {
			return true
		}
	}
	return false
}

// parseTileTracks normalizes the track-file value forms. A value may be a
// bare integer (`T26WPS: 16`), a space-separated string (`T26WPS: 016 155`)
// or a YAML sequence; leading zeroes are insignificant.
func parseTileTracks(raw map[string]yaml.Node) (TileTracks, error) {
	out := make(TileTracks, len(raw))
	for tile, node := range raw {
		var orbits []int
		switch node.Kind {
		case yaml.SequenceNode:
			for _, item := range node.Content {
				n, err := parseOrbit(item.Value)
				if err != nil {
					return nil, fmt.Errorf("tile %s: %w", tile, err)
				}
				orbits = append(orbits, n)
			}
		case yaml.ScalarNode:
			for _, field := range strings.Fields(node.Value) {
				n, err := parseOrbit(field)
				if err != nil {
					return nil, fmt.Errorf("tile %s: %w", tile, err)
				}
				orbits = append(orbits, n)
			}
		default:
			return nil, fmt.Errorf("tile %s: unexpected YAML node kind %d", tile, node.Kind)
		}
		out[tile] = orbits
	}
	return out, nil
}

func parseOrbit(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("orbit number %q: %w", s, err)
	}
	return n, nil
}
