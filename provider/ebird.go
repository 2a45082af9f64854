package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/poiesic/curupira/core"
)

// DefaultEBirdBaseURL is the public eBird API.
const DefaultEBirdBaseURL = "https://api.ebird.org/v2"

const (
	ebirdMaxLimit  = 10000
	ebirdMaxDistKm = 50
	ebirdTokenHdr  = "X-eBirdApiToken"
)

// EBird searches recent bird observations. It requires an API token.
type EBird struct {
	*baseClient
}

var _ Client = (*EBird)(nil)

// NewEBird creates an eBird client. Use WithAPIKey to supply the token.
func NewEBird(opts ...Option) (*EBird, error) {
	base, err := newBaseClient(core.SourceEBird, DefaultEBirdBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &EBird{baseClient: base}, nil
}

// Name identifies the provider.
func (e *EBird) Name() core.Source { return core.SourceEBird }

type ebirdObservation struct {
	SpeciesCode string   `json:"speciesCode"`
	ComName     string   `json:"comName"`
	SciName     string   `json:"sciName"`
	LocID       string   `json:"locId"`
	LocName     string   `json:"locName"`
	ObsDt       string   `json:"obsDt"`
	HowMany     int      `json:"howMany"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	SubID       string   `json:"subId"`
}

// Search queries recent observations around a point or within a country.
// eBird has no server-side paging or name filter, so both are applied to the
// returned observations.
func (e *EBird) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	if e.apiKey == "" {
		return nil, e.serviceError(http.StatusUnauthorized, "API token not configured", nil)
	}

	limit := limitOrDefault(q.Limit, 20, ebirdMaxLimit)
	params := url.Values{}
	// Fetch enough to cover the requested page after local filtering.
	params.Set("maxResults", strconv.Itoa(min(q.Offset+limit, ebirdMaxLimit)))

	var path string
	switch {
	case q.HasPoint():
		path = "/data/obs/geo/recent"
		params.Set("lat", strconv.FormatFloat(*q.Latitude, 'f', 4, 64))
		params.Set("lng", strconv.FormatFloat(*q.Longitude, 'f', 4, 64))
		if q.RadiusKm > 0 {
			params.Set("dist", strconv.Itoa(int(min(q.RadiusKm, ebirdMaxDistKm))))
		}
	case q.Country != "":
		path = "/data/obs/" + url.PathEscape(strings.ToUpper(q.Country)) + "/recent"
	default:
		return nil, &core.ValidationError{
			Field:   "location",
			Message: "ebird requires a location or country",
			Err:     core.ErrInvalidParameters,
		}
	}

	header := http.Header{}
	header.Set(ebirdTokenHdr, e.apiKey)

	var observations []ebirdObservation
	if err := e.getJSON(ctx, path, params, header, &observations); err != nil {
		return nil, err
	}

	var records []core.RawRecord
	for _, o := range observations {
		if q.ScientificName != "" && !strings.EqualFold(o.SciName, q.ScientificName) {
			continue
		}
		id := o.SubID + ":" + o.SpeciesCode
		records = append(records, core.RawRecord{
			Source:         core.SourceEBird,
			ID:             id,
			Type:           core.DocumentTypeObservation,
			ScientificName: o.SciName,
			CommonName:     o.ComName,
			Kingdom:        "Animalia",
			Class:          "Aves",
			Country:        strings.ToUpper(q.Country),
			Locality:       o.LocName,
			Latitude:       o.Lat,
			Longitude:      o.Lng,
			EventDate:      parseDate(o.ObsDt),
			Count:          o.HowMany,
			Extra:          nonEmpty(map[string]string{"speciesCode": o.SpeciesCode, "locationId": o.LocID}),
		})
	}

	total := len(records)
	start := min(q.Offset, total)
	end := min(start+limit, total)

	return &SearchResponse{
		Records:      records[start:end],
		Total:        total,
		Offset:       q.Offset,
		Limit:        limit,
		EndOfRecords: end >= total,
	}, nil
}

// HealthCheck requests a single recent observation in the United States.
func (e *EBird) HealthCheck(ctx context.Context) Health {
	return healthSearch(ctx, e, Query{Country: "US"})
}
