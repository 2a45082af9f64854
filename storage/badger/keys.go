package badger

import (
	"encoding/binary"
	"time"

	"github.com/poiesic/curupira/core"
)

// Key prefixes for different data types
const (
	documentPrefix         = "doc:"
	documentSourcePrefix   = "docsrc:"
	documentTypePrefix     = "doctyp:"
	documentIDSeq          = "docseq"
	embeddingPrefix        = "emb:"
	embeddingSourcePrefix  = "embsrc:"
	embeddingTypePrefix    = "embtyp:"
	embeddingNamePrefix    = "embsci:"
	embeddingCountryPrefix = "embctr:"
	embeddingIDSeq         = "embseq"
	jobPrefix              = "job:"
	jobDatePrefix          = "jobd:"
)

// indexSeparator terminates the label segment of an index key so that
// "Panthera" never matches keys written for "Panthera onca".
const indexSeparator = 0x00

// makeIDKey generates a primary key. IDs are written BigEndian so that
// iteration follows insertion order.
func makeIDKey(prefix string, id core.ID) []byte {
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makeDocumentKey generates a key for a document by ID.
func makeDocumentKey(id core.ID) []byte {
	return makeIDKey(documentPrefix, id)
}

// makeEmbeddingKey generates a key for an embedding by ID.
func makeEmbeddingKey(id core.ID) []byte {
	return makeIDKey(embeddingPrefix, id)
}

// makeIndexKey generates a composite key for a secondary index.
// Format: prefix + label + 0x00 + id
func makeIndexKey(prefix, label string, id core.ID) []byte {
	partial := makePartialIndexKey(prefix, label)
	buf := make([]byte, len(partial)+8)
	offset := copy(buf, partial)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makePartialIndexKey generates the prefix shared by every entry for label.
// Format: prefix + label + 0x00
func makePartialIndexKey(prefix, label string) []byte {
	buf := make([]byte, len(prefix)+len(label)+1)
	offset := copy(buf, prefix)
	offset += copy(buf[offset:], label)
	buf[offset] = indexSeparator
	return buf
}

// idFromKey extracts the trailing BigEndian ID of a primary or index key.
func idFromKey(key []byte) core.ID {
	if len(key) < 8 {
		return 0
	}
	return core.ID(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// makeJobKey generates a key for a job by ID.
func makeJobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// makeJobDateKey generates a composite key for the job creation index.
// Format: prefix + timestamp + id
func makeJobDateKey(createdAt time.Time, id string) []byte {
	buf := make([]byte, len(jobDatePrefix)+8+len(id))
	offset := copy(buf, jobDatePrefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(createdAt.UnixMicro()))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// jobIDFromDateKey extracts the job ID from a creation index key.
func jobIDFromDateKey(key []byte) string {
	if len(key) < len(jobDatePrefix)+8 {
		return ""
	}
	return string(key[len(jobDatePrefix)+8:])
}

// embeddingIndexEntries lists the secondary index keys for an embedding.
// Empty labels are not indexed.
func embeddingIndexEntries(id core.ID, meta *core.DocumentMetadata) [][]byte {
	var keys [][]byte
	add := func(prefix, label string) {
		if label != "" {
			keys = append(keys, makeIndexKey(prefix, label, id))
		}
	}
	add(embeddingSourcePrefix, string(meta.Source))
	add(embeddingTypePrefix, string(meta.Type))
	add(embeddingNamePrefix, meta.ScientificName)
	add(embeddingCountryPrefix, meta.Country())
	return keys
}

// documentIndexEntries lists the secondary index keys for a document.
func documentIndexEntries(id core.ID, meta *core.DocumentMetadata) [][]byte {
	var keys [][]byte
	if meta.Source != "" {
		keys = append(keys, makeIndexKey(documentSourcePrefix, string(meta.Source), id))
	}
	if meta.Type != "" {
		keys = append(keys, makeIndexKey(documentTypePrefix, string(meta.Type), id))
	}
	return keys
}
