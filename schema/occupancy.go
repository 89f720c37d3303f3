package schema

// Occupancy is one bike point's occupancy snapshot.
//
// The parquet tags only name columns for the archive encoder; the XML and
// JSON mappings come from BikePoints.
type Occupancy struct {
	BikesCount         uint32 `parquet:"BikesCount"`
	EBikesCount        uint32 `parquet:"EBikesCount"`
	EmptyDocks         uint32 `parquet:"EmptyDocks"`
	Id                 string `parquet:"Id"`
	Name               string `parquet:"Name"`
	StandardBikesCount uint32 `parquet:"StandardBikesCount"`
	TotalDocks         uint32 `parquet:"TotalDocks"`
}

// BikePoints is the schema of an ArrayOfBikePointOccupancy document.
var BikePoints = MustNew("ArrayOfBikePointOccupancy", "BikePointOccupancy",
	UintField("BikesCount", func(o *Occupancy) *uint32 { return &o.BikesCount }),
	UintField("EBikesCount", func(o *Occupancy) *uint32 { return &o.EBikesCount }),
	UintField("EmptyDocks", func(o *Occupancy) *uint32 { return &o.EmptyDocks }),
	TextField("Id", func(o *Occupancy) *string { return &o.Id }),
	TextField("Name", func(o *Occupancy) *string { return &o.Name }),
	UintField("StandardBikesCount", func(o *Occupancy) *uint32 { return &o.StandardBikesCount }),
	UintField("TotalDocks", func(o *Occupancy) *uint32 { return &o.TotalDocks }),
)
