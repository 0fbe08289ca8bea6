// Package products defines the product families handled by the HRWSI
// production system, together with the processing statuses, worker flavours
// and run modes shared by every service.
package products

import "strings"

// Type is a product-type code as recorded in raw_inputs and referenced by
// processing routines.
type Type string

const (
	IWGRDH1S    Type = "IW_GRDH_1S"
	S2MSI1C     Type = "S2MSI1C"
	S2MAJAL2A   Type = "S2_MAJA_L2A"
	S1NRBL2A    Type = "S1_NRB_L2A"
	S1SWSL2B    Type = "S1_SWS_L2B"
	S1WDSL2B    Type = "S1_WDS_L2B"
	S1WICS1L2B  Type = "S1_WICS1_L2B"
	S2CCL2B     Type = "S2_CC_L2B"
	S2FSCL2B    Type = "S2_FSC_L2B"
	S2WICS2L2B  Type = "S2_WICS2_L2B"
	CombWICS1S2 Type = "COMB_WICS1S2"
	GFSCL2C     Type = "GFSC_L2C"
)

// Eligible lists the downstream product types which feed back into
// raw_inputs through the product_insertion channel.
var Eligible = []Type{
	GFSCL2C, S1NRBL2A, S1SWSL2B, S1WDSL2B, S1WICS1L2B,
	S2CCL2B, S2FSCL2B, S2MAJAL2A, S2WICS2L2B, CombWICS1S2,
}

// NRTCapable lists the product types which may be classified as
// near-real-time at triggering time.
var NRTCapable = []Type{
	IWGRDH1S, S1NRBL2A, S1WDSL2B, S1SWSL2B, S1WICS1L2B,
	S2MSI1C, S2CCL2B, S2MAJAL2A, S2WICS2L2B, S2FSCL2B,
}

// Flavour is the resource class a processing routine is pinned to.
// One Launcher instance serves exactly one flavour.
type Flavour string

const (
	FlavourHMALarge Flavour = "hma.large"
	FlavourEO1Large Flavour = "eo1.large"
)

// Flavours enumerates the known resource classes.
var Flavours = []Flavour{FlavourHMALarge, FlavourEO1Large}

// ParseFlavour maps a command-line value to a Flavour, or returns false.
func ParseFlavour(s string) (Flavour, bool) {
	for _, f := range Flavours {
		if strings.EqualFold(string(f), s) {
			return f, true
		}
	}
	return "", false
}

// RunMode selects between fresh-data and back-fill harvesting.
type RunMode string

const (
	RunModeNRT     RunMode = "NRT"
	RunModeArchive RunMode = "ARCHIVE"
)

// ParseRunMode maps an environment value to a RunMode, or returns false.
func ParseRunMode(s string) (RunMode, bool) {
	switch strings.ToUpper(s) {
	case string(RunModeNRT):
		return RunModeNRT, true
	case string(RunModeArchive):
		return RunModeArchive, true
	}
	return "", false
}

// Status is a processing-status event name, appended to the status workflow
// of a dispatch.
type Status string

const (
	StatusStarted       Status = "started"
	StatusProcessed     Status = "processed"
	StatusPending       Status = "pending"
	StatusInternalError Status = "internal_error"
	StatusExternalError Status = "external_error"
	StatusTerminated    Status = "terminated"
)

// statusIDs mirrors the hrwsi.processing_status reference table.
var statusIDs = map[Status]int{
	StatusStarted:       1,
	StatusProcessed:     2,
	StatusPending:       3,
	StatusInternalError: 4,
	StatusExternalError: 5,
	StatusTerminated:    6,
}

// ID returns the reference-table identifier of the status, or zero when the
// status is unknown.
func (s Status) ID() int { return statusIDs[s] }

// Terminal reports whether the status ends the lifecycle of a dispatch:
// either the routine succeeded, or retries have been exhausted.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusTerminated
}

// StatusFromNomad maps a Nomad job status onto the internal status enum.
// Unknown values map onto internal_error so that the sweeper re-drives them.
func StatusFromNomad(nomadStatus string) Status {
	switch nomadStatus {
	case "running":
		return StatusStarted
	case "pending":
		return StatusPending
	case "complete":
		return StatusProcessed
	case "dead":
		return StatusInternalError
	}
	return StatusInternalError
}

// Routine names, as referenced by triggering conditions and the job-spec
// renderer dispatch table.
const (
	RoutineCC      = "CC"
	RoutineFSC     = "FSC"
	RoutineSWS     = "SWS"
	RoutineWDS     = "WDS"
	RoutineWICS1   = "WICS1"
	RoutineWICS2   = "WICS2"
	RoutineWICS1S2 = "WICS1S2"
	RoutineGFSC    = "GFSC"
	RoutineSIG0    = "SIG0"
)

// Triggering-condition names. Each condition references the routine that a
// validated bundle of raw inputs is processed by.
const (
	TCBackscatter = "Backscatter_10m_TC"
	TCCC          = "CC_TC"
	TCFSC         = "FSC_TC"
	TCSWS         = "SWS_TC"
	TCWDS         = "WDS_TC"
	TCWICS1       = "WICS1_TC"
	TCWICS2       = "WICS2_TC"
	TCWICS1S2     = "WICS1S2_TC"
	TCGFSC        = "GFSC_TC"
)
