package jobspec

import (
	"fmt"
	"path"
	"strings"
)

// sigma0Name is the decomposition of a Backscatter_10m product name, such as
// SIG0_20211227T052658_20211227T052723_04E503_009_T28WET_10m_S1AIWGRDH_ENVEO.tif.
type sigma0Name struct {
	mission string // S1A
	date    string // 20211227
	time    string // 052658
	orbit   string // 009
}

func parseSigma0Name(name, tile, ymd string) (sigma0Name, error) {
	parts := strings.Split(name, "_")
	if len(parts) < 7 {
		return sigma0Name{}, fmt.Errorf("malformed backscatter name %q", name)
	}
	var n sigma0Name
	n.mission = parts[len(parts)-2]
	if len(n.mission) >= 3 {
		n.mission = n.mission[:3]
	}
	n.date, n.time, _ = strings.Cut(parts[1], "T")
	n.orbit = parts[4]

	switch {
	case n.date != ymd:
		return n, fmt.Errorf("backscatter %q is not of measurement day %s", name, ymd)
	case n.mission != "S1A" && n.mission != "S1B" && n.mission != "S1C":
		return n, fmt.Errorf("backscatter %q has unknown mission %q", name, n.mission)
	case strings.TrimPrefix(parts[5], "T") != tile:
		return n, fmt.Errorf("backscatter %q is not on tile %s", name, tile)
	}
	return n, nil
}

// majaName is the decomposition of a MAJA L2A product name, such as
// SENTINEL2B_20201215-103755-817_L2A_T32TMS_C_V1-0.
type majaName struct {
	mission   string // S2B
	date      string // 20201215
	time      string // 103755
	tileWithT string // T32TMS
}

func parseMAJAName(name, tile, ymd string) (majaName, error) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return majaName{}, fmt.Errorf("malformed L2A name %q", name)
	}
	var n majaName
	long := parts[0]
	if long != "SENTINEL2A" && long != "SENTINEL2B" && long != "SENTINEL2C" {
		return n, fmt.Errorf("L2A %q has unknown mission %q", name, long)
	}
	n.mission = "S2" + long[len(long)-1:]

	stamp := strings.SplitN(parts[1], "-", 3)
	if len(stamp) < 2 {
		return n, fmt.Errorf("malformed L2A stamp in %q", name)
	}
	n.date, n.time = stamp[0], stamp[1]
	n.tileWithT = parts[3]

	switch {
	case ymd != "" && n.date != ymd:
		return n, fmt.Errorf("L2A %q is not of measurement day %s", name, ymd)
	case strings.TrimPrefix(n.tileWithT, "T") != tile:
		return n, fmt.Errorf("L2A %q is not on tile %s", name, tile)
	}
	return n, nil
}

// grdName is the decomposition of a GRD scene name, such as
// S1A_IW_GRDH_1SDV_20211227T052658_20211227T052723_041190_04E503_C194.SAFE.
type grdName struct {
	mission     string // S1A
	date        string // 20211227
	startTime   string // 052658
	stopTime    string // 052723
	acquisition string // 04E503
}

func parseGRDName(name, ymd string) (grdName, error) {
	parts := strings.Split(name, "_")
	if len(parts) < 8 {
		return grdName{}, fmt.Errorf("malformed GRD name %q", name)
	}
	var n grdName
	n.mission = parts[0]
	n.date, n.startTime, _ = strings.Cut(parts[4], "T")
	_, n.stopTime, _ = strings.Cut(parts[5], "T")
	n.acquisition = parts[7]

	switch {
	case n.date != ymd:
		return n, fmt.Errorf("GRD %q is not of measurement day %s", name, ymd)
	case n.mission != "S1A" && n.mission != "S1B" && n.mission != "S1C":
		return n, fmt.Errorf("GRD %q has unknown mission %q", name, n.mission)
	}
	return n, nil
}

// baseName is path.Base with the convention that a trailing slash still
// yields the last path element.
func baseName(p string) string {
	return path.Base(strings.TrimSuffix(p, "/"))
}
