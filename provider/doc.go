// Package provider adapts the external biodiversity REST APIs to one interface.
//
// Each Client translates a normalized Query into its provider's native
// request and returns a uniform SearchResponse of core.RawRecords. Four
// clients are available:
//
//   - GBIF: global occurrence and species search (unauthenticated)
//   - OBIS: marine occurrences (unauthenticated)
//   - eBird: recent bird observations (API token)
//   - IUCN: Red List conservation assessments (API key)
//
// Every request carries its own timeout. Failed calls surface as
// *core.ExternalServiceError tagged with the provider. HealthCheck never
// returns an error; failures are reported as an unhealthy Health value.
package provider
