package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/poiesic/curupira/core"
)

// DefaultIUCNBaseURL is the IUCN Red List API.
const DefaultIUCNBaseURL = "https://apiv3.iucnredlist.org/api/v3"

// IUCN looks up Red List conservation assessments. It requires an API key.
type IUCN struct {
	*baseClient
}

var _ Client = (*IUCN)(nil)

// NewIUCN creates an IUCN client. Use WithAPIKey to supply the key.
func NewIUCN(opts ...Option) (*IUCN, error) {
	base, err := newBaseClient(core.SourceIUCN, DefaultIUCNBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &IUCN{baseClient: base}, nil
}

// Name identifies the provider.
func (i *IUCN) Name() core.Source { return core.SourceIUCN }

type iucnAssessment struct {
	TaxonID         int64  `json:"taxonid"`
	ScientificName  string `json:"scientific_name"`
	Kingdom         string `json:"kingdom"`
	Phylum          string `json:"phylum"`
	Class           string `json:"class"`
	Order           string `json:"order"`
	Family          string `json:"family"`
	Genus           string `json:"genus"`
	MainCommonName  string `json:"main_common_name"`
	Category        string `json:"category"`
	PopulationTrend string `json:"population_trend"`
	AssessmentDate  string `json:"assessment_date"`
}

type iucnResponse struct {
	Count   int              `json:"count"`
	Country string           `json:"country"`
	Result  []iucnAssessment `json:"result"`
}

// Search looks up a species by name, or lists species assessed in a country.
// Paging is applied to the returned assessments.
func (i *IUCN) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	if i.apiKey == "" {
		return nil, i.serviceError(http.StatusUnauthorized, "API key not configured", nil)
	}

	var path string
	switch {
	case q.ScientificName != "":
		path = "/species/" + url.PathEscape(strings.ToLower(q.ScientificName))
	case q.Country != "":
		path = "/country/getspecies/" + url.PathEscape(strings.ToUpper(q.Country))
	default:
		return nil, &core.ValidationError{
			Field:   "species",
			Message: "iucn requires a species or country",
			Err:     core.ErrInvalidParameters,
		}
	}

	params := url.Values{}
	params.Set("token", i.apiKey)

	var resp iucnResponse
	if err := i.getJSON(ctx, path, params, nil, &resp); err != nil {
		return nil, err
	}

	records := make([]core.RawRecord, 0, len(resp.Result))
	for _, a := range resp.Result {
		records = append(records, core.RawRecord{
			Source:         core.SourceIUCN,
			ID:             strconv.FormatInt(a.TaxonID, 10),
			Type:           core.DocumentTypeAssessment,
			ScientificName: a.ScientificName,
			CommonName:     a.MainCommonName,
			Kingdom:        titleCase(a.Kingdom),
			Phylum:         titleCase(a.Phylum),
			Class:          titleCase(a.Class),
			Order:          titleCase(a.Order),
			Family:         titleCase(a.Family),
			Genus:          a.Genus,
			Country:        strings.ToUpper(q.Country),
			EventDate:      parseDate(a.AssessmentDate),
			Category:       a.Category,
			Extra:          nonEmpty(map[string]string{"populationTrend": a.PopulationTrend}),
		})
	}

	total := len(records)
	limit := limitOrDefault(q.Limit, total, max(total, 1))
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

// HealthCheck looks up a single well-known assessment.
func (i *IUCN) HealthCheck(ctx context.Context) Health {
	return healthSearch(ctx, i, Query{ScientificName: "Panthera onca"})
}

// titleCase turns the Red List's upper-case ranks ("MAMMALIA") into "Mammalia".
func titleCase(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
