package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/poiesic/curupira/core"
)

// DefaultGBIFBaseURL is the public GBIF API.
const DefaultGBIFBaseURL = "https://api.gbif.org/v1"

// gbifMaxLimit is the largest page GBIF serves.
const gbifMaxLimit = 300

// GBIF searches the Global Biodiversity Information Facility.
type GBIF struct {
	*baseClient
}

var _ Client = (*GBIF)(nil)

// NewGBIF creates a GBIF client.
func NewGBIF(opts ...Option) (*GBIF, error) {
	base, err := newBaseClient(core.SourceGBIF, DefaultGBIFBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &GBIF{baseClient: base}, nil
}

// Name identifies the provider.
func (g *GBIF) Name() core.Source { return core.SourceGBIF }

type gbifOccurrence struct {
	Key                 int64    `json:"key"`
	ScientificName      string   `json:"scientificName"`
	VernacularName      string   `json:"vernacularName"`
	Kingdom             string   `json:"kingdom"`
	Phylum              string   `json:"phylum"`
	Class               string   `json:"class"`
	Order               string   `json:"order"`
	Family              string   `json:"family"`
	Genus               string   `json:"genus"`
	CountryCode         string   `json:"countryCode"`
	Locality            string   `json:"locality"`
	DecimalLatitude     *float64 `json:"decimalLatitude"`
	DecimalLongitude    *float64 `json:"decimalLongitude"`
	EventDate           string   `json:"eventDate"`
	IndividualCount     int      `json:"individualCount"`
	BasisOfRecord       string   `json:"basisOfRecord"`
	IUCNRedListCategory string   `json:"iucnRedListCategory"`
	DatasetKey          string   `json:"datasetKey"`
}

type gbifSpecies struct {
	Key             int64  `json:"key"`
	ScientificName  string `json:"scientificName"`
	CanonicalName   string `json:"canonicalName"`
	Kingdom         string `json:"kingdom"`
	Phylum          string `json:"phylum"`
	Class           string `json:"class"`
	Order           string `json:"order"`
	Family          string `json:"family"`
	Genus           string `json:"genus"`
	Rank            string `json:"rank"`
	TaxonomicStatus string `json:"taxonomicStatus"`
	VernacularNames []struct {
		VernacularName string `json:"vernacularName"`
		Language       string `json:"language"`
	} `json:"vernacularNames"`
}

type gbifPage[T any] struct {
	Offset       int  `json:"offset"`
	Limit        int  `json:"limit"`
	EndOfRecords bool `json:"endOfRecords"`
	Count        int  `json:"count"`
	Results      []T  `json:"results"`
}

// Search queries occurrences, or the species backbone when RecordType is "species".
func (g *GBIF) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	if strings.EqualFold(q.RecordType, string(core.DocumentTypeSpecies)) {
		return g.searchSpecies(ctx, q)
	}
	return g.searchOccurrences(ctx, q)
}

func (g *GBIF) searchOccurrences(ctx context.Context, q Query) (*SearchResponse, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limitOrDefault(q.Limit, 20, gbifMaxLimit)))
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("hasCoordinate", "true")
	if q.ScientificName != "" {
		params.Set("scientificName", q.ScientificName)
	}
	if q.Country != "" {
		params.Set("country", strings.ToUpper(q.Country))
	}
	if q.HasPoint() {
		radius := q.RadiusKm
		if radius <= 0 {
			radius = 10
		}
		params.Set("geoDistance", fmt.Sprintf("%g,%g,%gkm", *q.Latitude, *q.Longitude, radius))
	}
	if r := dateRange(q.StartDate, q.EndDate); r != "" {
		params.Set("eventDate", r)
	}

	var page gbifPage[gbifOccurrence]
	if err := g.getJSON(ctx, "/occurrence/search", params, nil, &page); err != nil {
		return nil, err
	}

	records := make([]core.RawRecord, 0, len(page.Results))
	for _, o := range page.Results {
		records = append(records, core.RawRecord{
			Source:         core.SourceGBIF,
			ID:             strconv.FormatInt(o.Key, 10),
			Type:           core.DocumentTypeOccurrence,
			ScientificName: o.ScientificName,
			CommonName:     o.VernacularName,
			Kingdom:        o.Kingdom,
			Phylum:         o.Phylum,
			Class:          o.Class,
			Order:          o.Order,
			Family:         o.Family,
			Genus:          o.Genus,
			Country:        o.CountryCode,
			Locality:       o.Locality,
			Latitude:       o.DecimalLatitude,
			Longitude:      o.DecimalLongitude,
			EventDate:      parseDate(o.EventDate),
			Category:       o.IUCNRedListCategory,
			Count:          o.IndividualCount,
			Extra:          nonEmpty(map[string]string{"basisOfRecord": o.BasisOfRecord, "datasetKey": o.DatasetKey}),
		})
	}

	return &SearchResponse{
		Records:      records,
		Total:        page.Count,
		Offset:       page.Offset,
		Limit:        page.Limit,
		EndOfRecords: page.EndOfRecords,
	}, nil
}

func (g *GBIF) searchSpecies(ctx context.Context, q Query) (*SearchResponse, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limitOrDefault(q.Limit, 20, gbifMaxLimit)))
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.ScientificName != "" {
		params.Set("q", q.ScientificName)
	}

	var page gbifPage[gbifSpecies]
	if err := g.getJSON(ctx, "/species/search", params, nil, &page); err != nil {
		return nil, err
	}

	records := make([]core.RawRecord, 0, len(page.Results))
	for _, s := range page.Results {
		name := s.CanonicalName
		if name == "" {
			name = s.ScientificName
		}
		var common string
		for _, v := range s.VernacularNames {
			if v.Language == "eng" || common == "" {
				common = v.VernacularName
			}
			if v.Language == "eng" {
				break
			}
		}
		records = append(records, core.RawRecord{
			Source:         core.SourceGBIF,
			ID:             strconv.FormatInt(s.Key, 10),
			Type:           core.DocumentTypeSpecies,
			ScientificName: name,
			CommonName:     common,
			Kingdom:        s.Kingdom,
			Phylum:         s.Phylum,
			Class:          s.Class,
			Order:          s.Order,
			Family:         s.Family,
			Genus:          s.Genus,
			Extra:          nonEmpty(map[string]string{"rank": s.Rank, "taxonomicStatus": s.TaxonomicStatus}),
		})
	}

	return &SearchResponse{
		Records:      records,
		Total:        page.Count,
		Offset:       page.Offset,
		Limit:        page.Limit,
		EndOfRecords: page.EndOfRecords,
	}, nil
}

// HealthCheck requests a single occurrence.
func (g *GBIF) HealthCheck(ctx context.Context) Health {
	return healthSearch(ctx, g, Query{})
}

// nonEmpty drops blank values; it returns nil when nothing is left.
func nonEmpty(m map[string]string) map[string]string {
	for k, v := range m {
		if strings.TrimSpace(v) == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
