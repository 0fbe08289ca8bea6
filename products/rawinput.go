package products

import "time"

// RawInput is one upstream catalogue item. Rows are append-only and unique
// on ID; re-discovering an item is a no-op at insert time.
type RawInput struct {
	ID             string
	ProductType    Type
	StartDate      time.Time
	PublishingDate time.Time
	Tile           string
	MeasurementDay Day
	RelativeOrbit  *int
	InputPath      string
	IsPartial      bool
	HarvestingDate time.Time
}

// FromParsed builds the raw-input row for a finished downstream product
// re-entering the input catalogue.
func FromParsed(id string, typ Type, p Parsed, path string, published, harvested time.Time) RawInput {
	return RawInput{
		ID:             id,
		ProductType:    typ,
		StartDate:      p.StartDate,
		PublishingDate: published,
		Tile:           p.Tile,
		MeasurementDay: Day(p.MeasurementDay),
		RelativeOrbit:  p.RelativeOrbit,
		InputPath:      path,
		HarvestingDate: harvested,
	}
}
