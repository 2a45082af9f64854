package provider

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/poiesic/curupira/core"
)

// DefaultOBISBaseURL is the public OBIS API.
const DefaultOBISBaseURL = "https://api.obis.org/v3"

const (
	obisMaxLimit = 10000
	kmPerDegree  = 111.32
)

// OBIS searches the Ocean Biodiversity Information System.
type OBIS struct {
	*baseClient
}

var _ Client = (*OBIS)(nil)

// NewOBIS creates an OBIS client.
func NewOBIS(opts ...Option) (*OBIS, error) {
	base, err := newBaseClient(core.SourceOBIS, DefaultOBISBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &OBIS{baseClient: base}, nil
}

// Name identifies the provider.
func (o *OBIS) Name() core.Source { return core.SourceOBIS }

type obisOccurrence struct {
	ID               string   `json:"id"`
	ScientificName   string   `json:"scientificName"`
	VernacularName   string   `json:"vernacularName"`
	Kingdom          string   `json:"kingdom"`
	Phylum           string   `json:"phylum"`
	Class            string   `json:"class"`
	Order            string   `json:"order"`
	Family           string   `json:"family"`
	Genus            string   `json:"genus"`
	Country          string   `json:"country"`
	Locality         string   `json:"locality"`
	DecimalLatitude  *float64 `json:"decimalLatitude"`
	DecimalLongitude *float64 `json:"decimalLongitude"`
	EventDate        string   `json:"eventDate"`
	IndividualCount  string   `json:"individualCount"`
	BasisOfRecord    string   `json:"basisOfRecord"`
	Depth            *float64 `json:"depth"`
	DatasetID        string   `json:"dataset_id"`
}

type obisPage struct {
	Total   int              `json:"total"`
	Results []obisOccurrence `json:"results"`
}

// Search queries marine occurrences.
func (o *OBIS) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	limit := limitOrDefault(q.Limit, 20, obisMaxLimit)

	params := url.Values{}
	params.Set("size", strconv.Itoa(limit))
	if q.Offset > 0 {
		params.Set("from", strconv.Itoa(q.Offset))
	}
	if q.ScientificName != "" {
		params.Set("scientificname", q.ScientificName)
	}
	if q.HasPoint() {
		params.Set("geometry", boundingBox(*q.Latitude, *q.Longitude, q.RadiusKm))
	}
	if !q.StartDate.IsZero() {
		params.Set("startdate", q.StartDate.Format("2006-01-02"))
	}
	if !q.EndDate.IsZero() {
		params.Set("enddate", q.EndDate.Format("2006-01-02"))
	}

	var page obisPage
	if err := o.getJSON(ctx, "/occurrence", params, nil, &page); err != nil {
		return nil, err
	}

	records := make([]core.RawRecord, 0, len(page.Results))
	for _, r := range page.Results {
		count, _ := strconv.Atoi(r.IndividualCount)
		extra := map[string]string{"basisOfRecord": r.BasisOfRecord, "datasetId": r.DatasetID}
		if r.Depth != nil {
			extra["depth"] = strconv.FormatFloat(*r.Depth, 'f', -1, 64)
		}
		records = append(records, core.RawRecord{
			Source:         core.SourceOBIS,
			ID:             r.ID,
			Type:           core.DocumentTypeOccurrence,
			ScientificName: r.ScientificName,
			CommonName:     r.VernacularName,
			Kingdom:        r.Kingdom,
			Phylum:         r.Phylum,
			Class:          r.Class,
			Order:          r.Order,
			Family:         r.Family,
			Genus:          r.Genus,
			Country:        r.Country,
			Locality:       r.Locality,
			Latitude:       r.DecimalLatitude,
			Longitude:      r.DecimalLongitude,
			EventDate:      parseDate(r.EventDate),
			Count:          count,
			Extra:          nonEmpty(extra),
		})
	}

	return &SearchResponse{
		Records:      records,
		Total:        page.Total,
		Offset:       q.Offset,
		Limit:        limit,
		EndOfRecords: q.Offset+len(records) >= page.Total,
	}, nil
}

// HealthCheck requests a single occurrence.
func (o *OBIS) HealthCheck(ctx context.Context) Health {
	return healthSearch(ctx, o, Query{})
}

// boundingBox renders a WKT polygon around a center point.
// Radius defaults to 10 km.
func boundingBox(lat, lon, radiusKm float64) string {
	if radiusKm <= 0 {
		radiusKm = 10
	}
	dLat := radiusKm / kmPerDegree
	dLon := dLat
	if c := math.Cos(lat * math.Pi / 180); c > 1e-6 {
		dLon = radiusKm / (kmPerDegree * c)
	}
	minLat, maxLat := math.Max(lat-dLat, -90), math.Min(lat+dLat, 90)
	minLon, maxLon := math.Max(lon-dLon, -180), math.Min(lon+dLon, 180)
	return fmt.Sprintf("POLYGON((%.4f %.4f,%.4f %.4f,%.4f %.4f,%.4f %.4f,%.4f %.4f))",
		minLon, minLat, maxLon, minLat, maxLon, maxLat, minLon, maxLat, minLon, minLat)
}
