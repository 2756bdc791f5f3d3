package rescache

import (
	"path"
	"strings"
)

// Transport weights by file kind. Collision and map placement data gate
// everything else, so it is fetched first; high-detail variants last.
const (
	weightPlacement = 255
	weightModel     = 128
	weightTexture   = 64
	weightDefault   = 32
	weightHiDetail  = 16
)

// weightFor returns the scheduling weight for a file name.
func weightFor(name string) int {
	switch strings.ToLower(path.Ext(name)) {
	case ".ybn", ".ymap", ".ytyp":
		return weightPlacement
	case ".ydd", ".ydr":
		return weightModel
	case ".ytd", ".rpf", ".gfx":
		return weightTexture
	}
	if strings.Contains(name, "+hi") || strings.Contains(name, "_hi") {
		return weightHiDetail
	}
	return weightDefault
}
