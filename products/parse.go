package products

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parsed holds the raw-input fields recovered from a product identifier when
// a finished product is fed back into the input catalogue.
type Parsed struct {
	Tile           string
	MeasurementDay int
	StartDate      time.Time
	RelativeOrbit  *int
}

// ParseIdentifier extracts tile, measurement day and sensing start from a
// product identifier of the given type. Layouts, by type:
//
//	S2_MAJA_L2A   SENTINEL2B_20210202-124336-333_L2A_T28WET_C_V1-0_FRE_B11
//	S1_NRB_L2A    SIG0_20210102T074131_20210102T074200_043635_009_T28WET_10m_S1AIWGRDH_ENVEO
//	layer-2B      CLMS_WSI_FSC_020m_T31TCH_20210212T104021_S2B_V102_FSCOG
//	COMB_WICS1S2  CLMS_WSI_WIC_020m_T31TCH_20210212T104021S1S2_COMB_V102_WIC
//	GFSC_L2C      CLMS_WSI_GFSC_060m_T28WET_202008017D_COMB_V102_GF-QA
//
// The leading "T" of tile fields is dropped.
func ParseIdentifier(id string, typ Type) (Parsed, error) {
	parts := strings.Split(id, "_")
	fail := func(err error) (Parsed, error) {
		return Parsed{}, fmt.Errorf("parsing %s identifier %q: %w", typ, id, err)
	}
	field := func(i int) (string, error) {
		if i >= len(parts) {
			return "", fmt.Errorf("expected at least %d fields, got %d", i+1, len(parts))
		}
		return parts[i], nil
	}

	var p Parsed
	switch typ {
	case S2MAJAL2A:
		tile, err := field(3)
		if err != nil {
			return fail(err)
		}
		stamp, err := field(1)
		if err != nil {
			return fail(err)
		}
		p.Tile = strings.TrimPrefix(tile, "T")
		p.StartDate, err = parseMAJAStamp(stamp)
		if err != nil {
			return fail(err)
		}
		p.MeasurementDay, err = dayOfStamp(stamp)
		if err != nil {
			return fail(err)
		}

	case S1NRBL2A:
		tile, err := field(5)
		if err != nil {
			return fail(err)
		}
		stamp, err := field(1)
		if err != nil {
			return fail(err)
		}
		orbit, err := field(4)
		if err != nil {
			return fail(err)
		}
		p.Tile = strings.TrimPrefix(tile, "T")
		p.StartDate, err = time.Parse("20060102T150405", stamp)
		if err != nil {
			return fail(err)
		}
		p.MeasurementDay, err = dayOfStamp(stamp)
		if err != nil {
			return fail(err)
		}
		n, err := strconv.Atoi(orbit)
		if err != nil {
			return fail(fmt.Errorf("relative orbit %q: %w", orbit, err))
		}
		p.RelativeOrbit = &n

	case S2WICS2L2B, S2FSCL2B, S1WDSL2B, S1SWSL2B, S1WICS1L2B, S2CCL2B:
		tile, err := field(4)
		if err != nil {
			return fail(err)
		}
		stamp, err := field(5)
		if err != nil {
			return fail(err)
		}
		p.Tile = strings.TrimPrefix(tile, "T")
		p.StartDate, err = time.Parse("20060102T150405", stamp)
		if err != nil {
			return fail(err)
		}
		p.MeasurementDay, err = dayOfStamp(stamp)
		if err != nil {
			return fail(err)
		}

	case CombWICS1S2:
		tile, err := field(4)
		if err != nil {
			return fail(err)
		}
		stamp, err := field(5)
		if err != nil {
			return fail(err)
		}
		// A platform suffix such as "S1S2" trails the timestamp.
		if len(stamp) < 4 {
			return fail(fmt.Errorf("timestamp field %q too short", stamp))
		}
		stamp = stamp[:len(stamp)-4]
		p.Tile = strings.TrimPrefix(tile, "T")
		p.StartDate, err = time.Parse("20060102T150405", stamp)
		if err != nil {
			return fail(err)
		}
		p.MeasurementDay, err = dayOfStamp(stamp)
		if err != nil {
			return fail(err)
		}

	case GFSCL2C:
		tile, err := field(4)
		if err != nil {
			return fail(err)
		}
		stamp, err := field(5)
		if err != nil {
			return fail(err)
		}
		// The date field carries an aggregation-window suffix, e.g. "7D".
		if len(stamp) < 8 {
			return fail(fmt.Errorf("date field %q too short", stamp))
		}
		p.Tile = strings.TrimPrefix(tile, "T")
		p.StartDate, err = time.Parse("20060102", stamp[:8])
		if err != nil {
			return fail(err)
		}
		p.MeasurementDay, err = dayOfStamp(stamp)
		if err != nil {
			return fail(err)
		}

	default:
		return fail(fmt.Errorf("no identifier layout for this type"))
	}
	return p, nil
}

// GRDHWindow extracts the sensing start and stop instants from an
// IW_GRDH_1S scene name, whose fourth and fifth fields are
// <start>T<HHMMSS> and <stop>T<HHMMSS>. Two scenes of the same track are
// adjacent when one's stop equals the other's start.
func GRDHWindow(name string) (start, stop time.Time, err error) {
	parts := strings.Split(name, "_")
	if len(parts) < 6 {
		return start, stop, fmt.Errorf("parsing GRDH scene name %q: expected at least 6 fields, got %d", name, len(parts))
	}
	start, err = time.Parse("20060102T150405", parts[4])
	if err != nil {
		return start, stop, fmt.Errorf("parsing GRDH scene name %q: start: %w", name, err)
	}
	stop, err = time.Parse("20060102T150405", parts[5])
	if err != nil {
		return start, stop, fmt.Errorf("parsing GRDH scene name %q: stop: %w", name, err)
	}
	return start, stop, nil
}

// parseMAJAStamp handles the MAJA timestamp form YYYYMMDD-HHMMSS-mmm,
// where the trailing field is milliseconds.
func parseMAJAStamp(stamp string) (time.Time, error) {
	if len(stamp) != 19 {
		return time.Time{}, fmt.Errorf("timestamp %q: want YYYYMMDD-HHMMSS-mmm", stamp)
	}
	t, err := time.Parse("20060102-150405", stamp[:15])
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.Atoi(stamp[16:])
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: milliseconds: %w", stamp, err)
	}
	return t.Add(time.Duration(ms) * time.Millisecond), nil
}

func dayOfStamp(stamp string) (int, error) {
	if len(stamp) < 8 {
		return 0, fmt.Errorf("timestamp %q too short for a YYYYMMDD day", stamp)
	}
	day, err := strconv.Atoi(stamp[:8])
	if err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", stamp, err)
	}
	return day, nil
}
