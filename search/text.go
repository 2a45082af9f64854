package search

import "strings"

// Stop words ignored when matching query terms against hit text
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "at": true, "this": true, "by": true, "from": true, "where": true,
	"what": true, "which": true, "there": true, "any": true, "near": true,
	"de": true, "da": true, "do": true, "em": true, "e": true, "o": true,
}

// tokenizeAndFilter splits text into lowercase words without punctuation or stop words.
func tokenizeAndFilter(text string) []string {
	words := strings.Fields(text)
	filtered := make([]string, 0, len(words))

	for _, word := range words {
		cleaned := strings.ToLower(strings.Trim(word, ".,!?;:'\"-()[]{}"))
		if cleaned != "" && !stopWords[cleaned] {
			filtered = append(filtered, cleaned)
		}
	}
	return filtered
}

// matchedTerms lists the distinct query terms that occur verbatim in document,
// in query order.
func matchedTerms(document, query string) []string {
	queryWords := tokenizeAndFilter(query)
	if len(queryWords) == 0 {
		return nil
	}

	docWords := make(map[string]bool)
	for _, word := range tokenizeAndFilter(document) {
		docWords[word] = true
	}

	var matched []string
	seen := make(map[string]bool, len(queryWords))
	for _, word := range queryWords {
		if docWords[word] && !seen[word] {
			matched = append(matched, word)
			seen[word] = true
		}
	}
	return matched
}
