package core

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// Serializers for persisted records. Fields are written positionally in
// declaration order, so any layout change requires re-ingesting the store.

// musWriter appends values to a preallocated buffer.
type musWriter struct {
	bs []byte
	n  int
}

func (w *musWriter) uint64(v uint64)  { w.n += varint.Uint64.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) int64(v int64)    { w.n += varint.Int64.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) int(v int)        { w.n += varint.Int.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) string(v string)  { w.n += ord.String.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) bool(v bool)      { w.n += ord.Bool.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) time(v time.Time) { w.int64(timeToMicro(v)) }

func (w *musWriter) float64(v float64) {
	w.uint64(math.Float64bits(v))
}

func (w *musWriter) vector(v []float32) {
	w.int(len(v))
	for _, x := range v {
		binary.LittleEndian.PutUint32(w.bs[w.n:], math.Float32bits(x))
		w.n += 4
	}
}

func (w *musWriter) strings(v []string) {
	w.int(len(v))
	for _, s := range v {
		w.string(s)
	}
}

// musReader consumes values from a buffer. The first error sticks and
// every later read returns a zero value.
type musReader struct {
	bs  []byte
	n   int
	err error
}

func (r *musReader) uint64() (v uint64) {
	if r.err != nil {
		return
	}
	var n int
	v, n, r.err = varint.Uint64.Unmarshal(r.bs[r.n:])
	r.n += n
	return
}

func (r *musReader) int64() (v int64) {
	if r.err != nil {
		return
	}
	var n int
	v, n, r.err = varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	return
}

func (r *musReader) int() (v int) {
	if r.err != nil {
		return
	}
	var n int
	v, n, r.err = varint.Int.Unmarshal(r.bs[r.n:])
	r.n += n
	return
}

func (r *musReader) string() (v string) {
	if r.err != nil {
		return
	}
	var n int
	v, n, r.err = ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	return
}

func (r *musReader) bool() (v bool) {
	if r.err != nil {
		return
	}
	var n int
	v, n, r.err = ord.Bool.Unmarshal(r.bs[r.n:])
	r.n += n
	return
}

func (r *musReader) time() time.Time { return microToTime(r.int64()) }

func (r *musReader) float64() float64 { return math.Float64frombits(r.uint64()) }

func (r *musReader) vector() []float32 {
	l := r.int()
	if r.err != nil {
		return nil
	}
	if l < 0 || len(r.bs)-r.n < l*4 {
		r.err = ErrTruncatedRecord
		return nil
	}
	v := make([]float32, l)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.bs[r.n:]))
		r.n += 4
	}
	return v
}

func (r *musReader) strings() []string {
	l := r.int()
	if r.err != nil || l == 0 {
		return nil
	}
	if l < 0 || l > len(r.bs)-r.n {
		r.err = ErrTruncatedRecord
		return nil
	}
	v := make([]string, l)
	for i := range v {
		v[i] = r.string()
	}
	return v
}

func timeToMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func microToTime(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func sizeTime(t time.Time) int   { return varint.Int64.Size(timeToMicro(t)) }
func sizeFloat64(f float64) int  { return varint.Uint64.Size(math.Float64bits(f)) }
func sizeVector(v []float32) int { return varint.Int.Size(len(v)) + 4*len(v) }
func sizeStrings(v []string) (s int) {
	s = varint.Int.Size(len(v))
	for _, str := range v {
		s += ord.String.Size(str)
	}
	return
}

// IDMUS serializes an ID.
var IDMUS = idMUS{}

type idMUS struct{}

func (idMUS) Size(v ID) int               { return varint.Uint64.Size(uint64(v)) }
func (idMUS) Marshal(v ID, bs []byte) int { return varint.Uint64.Marshal(uint64(v), bs) }
func (idMUS) Unmarshal(bs []byte) (ID, int, error) {
	v, n, err := varint.Uint64.Unmarshal(bs)
	return ID(v), n, err
}

// DocumentMetadataMUS serializes DocumentMetadata.
var DocumentMetadataMUS = documentMetadataMUS{}

type documentMetadataMUS struct{}

func (documentMetadataMUS) Size(v DocumentMetadata) (size int) {
	size = ord.String.Size(string(v.Source)) +
		ord.String.Size(string(v.Type)) +
		ord.String.Size(v.ScientificName) +
		ord.Bool.Size(v.Location != nil)
	if v.Location != nil {
		size += ord.String.Size(v.Location.Country) +
			sizeFloat64(v.Location.Latitude) +
			sizeFloat64(v.Location.Longitude)
	}
	size += sizeTime(v.IngestedAt) +
		ord.String.Size(v.OriginalID) +
		ord.String.Size(v.JobID) +
		varint.Int.Size(v.ChunkIndex) +
		varint.Int.Size(v.TotalChunks)
	return
}

func (documentMetadataMUS) Marshal(v DocumentMetadata, bs []byte) int {
	w := &musWriter{bs: bs}
	marshalMetadata(w, v)
	return w.n
}

func (documentMetadataMUS) Unmarshal(bs []byte) (DocumentMetadata, int, error) {
	r := &musReader{bs: bs}
	v := unmarshalMetadata(r)
	return v, r.n, r.err
}

func marshalMetadata(w *musWriter, v DocumentMetadata) {
	w.string(string(v.Source))
	w.string(string(v.Type))
	w.string(v.ScientificName)
	w.bool(v.Location != nil)
	if v.Location != nil {
		w.string(v.Location.Country)
		w.float64(v.Location.Latitude)
		w.float64(v.Location.Longitude)
	}
	w.time(v.IngestedAt)
	w.string(v.OriginalID)
	w.string(v.JobID)
	w.int(v.ChunkIndex)
	w.int(v.TotalChunks)
}

func unmarshalMetadata(r *musReader) (v DocumentMetadata) {
	v.Source = Source(r.string())
	v.Type = DocumentType(r.string())
	v.ScientificName = r.string()
	if r.bool() {
		v.Location = &Location{
			Country:   r.string(),
			Latitude:  r.float64(),
			Longitude: r.float64(),
		}
	}
	v.IngestedAt = r.time()
	v.OriginalID = r.string()
	v.JobID = r.string()
	v.ChunkIndex = r.int()
	v.TotalChunks = r.int()
	return
}

// DocumentMUS serializes a Document.
var DocumentMUS = documentMUS{}

type documentMUS struct{}

func (documentMUS) Size(v Document) int {
	return IDMUS.Size(v.ID) +
		ord.String.Size(v.Content) +
		DocumentMetadataMUS.Size(v.Metadata) +
		sizeTime(v.CreatedAt)
}

func (documentMUS) Marshal(v Document, bs []byte) int {
	w := &musWriter{bs: bs}
	w.uint64(uint64(v.ID))
	w.string(v.Content)
	marshalMetadata(w, v.Metadata)
	w.time(v.CreatedAt)
	return w.n
}

func (documentMUS) Unmarshal(bs []byte) (v Document, n int, err error) {
	r := &musReader{bs: bs}
	v.ID = ID(r.uint64())
	v.Content = r.string()
	v.Metadata = unmarshalMetadata(r)
	v.CreatedAt = r.time()
	return v, r.n, r.err
}

// StoredEmbeddingMUS serializes a StoredEmbedding.
var StoredEmbeddingMUS = storedEmbeddingMUS{}

type storedEmbeddingMUS struct{}

func (storedEmbeddingMUS) Size(v StoredEmbedding) int {
	return IDMUS.Size(v.ID) +
		IDMUS.Size(v.DocumentID) +
		sizeVector(v.Vector) +
		ord.String.Size(v.Text) +
		DocumentMetadataMUS.Size(v.Metadata) +
		ord.String.Size(v.Model) +
		sizeTime(v.CreatedAt)
}

func (storedEmbeddingMUS) Marshal(v StoredEmbedding, bs []byte) int {
	w := &musWriter{bs: bs}
	w.uint64(uint64(v.ID))
	w.uint64(uint64(v.DocumentID))
	w.vector(v.Vector)
	w.string(v.Text)
	marshalMetadata(w, v.Metadata)
	w.string(v.Model)
	w.time(v.CreatedAt)
	return w.n
}

func (storedEmbeddingMUS) Unmarshal(bs []byte) (v StoredEmbedding, n int, err error) {
	r := &musReader{bs: bs}
	v.ID = ID(r.uint64())
	v.DocumentID = ID(r.uint64())
	v.Vector = r.vector()
	v.Text = r.string()
	v.Metadata = unmarshalMetadata(r)
	v.Model = r.string()
	v.CreatedAt = r.time()
	return v, r.n, r.err
}

// IngestionJobMUS serializes an IngestionJob.
var IngestionJobMUS = ingestionJobMUS{}

type ingestionJobMUS struct{}

func (ingestionJobMUS) Size(v IngestionJob) (size int) {
	size = ord.String.Size(v.ID) +
		ord.String.Size(string(v.Source)) +
		ord.String.Size(string(v.Status)) +
		ord.String.Size(string(v.Phase)) +
		varint.Int.Size(v.Progress.Processed) +
		varint.Int.Size(v.Progress.Total) +
		sizeFloat64(v.Progress.Percentage) +
		sizeJobParameters(v.Parameters) +
		varint.Int.Size(v.Results.DocumentsIngested) +
		varint.Int.Size(v.Results.EmbeddingsCreated) +
		varint.Int.Size(v.Results.Errors) +
		sizeStrings(v.Results.ErrorMessages) +
		sizeTime(v.CreatedAt) +
		sizeTime(v.StartedAt) +
		sizeTime(v.CompletedAt) +
		ord.String.Size(v.Error)
	return
}

func (ingestionJobMUS) Marshal(v IngestionJob, bs []byte) int {
	w := &musWriter{bs: bs}
	w.string(v.ID)
	w.string(string(v.Source))
	w.string(string(v.Status))
	w.string(string(v.Phase))
	w.int(v.Progress.Processed)
	w.int(v.Progress.Total)
	w.float64(v.Progress.Percentage)
	marshalJobParameters(w, v.Parameters)
	w.int(v.Results.DocumentsIngested)
	w.int(v.Results.EmbeddingsCreated)
	w.int(v.Results.Errors)
	w.strings(v.Results.ErrorMessages)
	w.time(v.CreatedAt)
	w.time(v.StartedAt)
	w.time(v.CompletedAt)
	w.string(v.Error)
	return w.n
}

func (ingestionJobMUS) Unmarshal(bs []byte) (v IngestionJob, n int, err error) {
	r := &musReader{bs: bs}
	v.ID = r.string()
	v.Source = Source(r.string())
	v.Status = JobStatus(r.string())
	v.Phase = Phase(r.string())
	v.Progress.Processed = r.int()
	v.Progress.Total = r.int()
	v.Progress.Percentage = r.float64()
	v.Parameters = unmarshalJobParameters(r)
	v.Results.DocumentsIngested = r.int()
	v.Results.EmbeddingsCreated = r.int()
	v.Results.Errors = r.int()
	v.Results.ErrorMessages = r.strings()
	v.CreatedAt = r.time()
	v.StartedAt = r.time()
	v.CompletedAt = r.time()
	v.Error = r.string()
	return v, r.n, r.err
}

func sizeOptionalFloat(f *float64) int {
	if f == nil {
		return ord.Bool.Size(false)
	}
	return ord.Bool.Size(true) + sizeFloat64(*f)
}

func sizeJobParameters(p JobParameters) (size int) {
	size = ord.String.Size(p.Species) + ord.Bool.Size(p.Location != nil)
	if p.Location != nil {
		size += sizeOptionalFloat(p.Location.Latitude) +
			sizeOptionalFloat(p.Location.Longitude) +
			sizeFloat64(p.Location.RadiusKm) +
			ord.String.Size(p.Location.Country)
	}
	size += ord.Bool.Size(p.DateRange != nil)
	if p.DateRange != nil {
		size += sizeTime(p.DateRange.Start) + sizeTime(p.DateRange.End)
	}
	size += ord.String.Size(p.RecordType) +
		varint.Int.Size(p.Limit) +
		varint.Int.Size(p.Offset) +
		ord.Bool.Size(p.Options.DisableEmbedding) +
		varint.Int.Size(p.Options.BatchSize)
	return
}

func marshalOptionalFloat(w *musWriter, f *float64) {
	w.bool(f != nil)
	if f != nil {
		w.float64(*f)
	}
}

func unmarshalOptionalFloat(r *musReader) *float64 {
	if !r.bool() {
		return nil
	}
	f := r.float64()
	return &f
}

func marshalJobParameters(w *musWriter, p JobParameters) {
	w.string(p.Species)
	w.bool(p.Location != nil)
	if p.Location != nil {
		marshalOptionalFloat(w, p.Location.Latitude)
		marshalOptionalFloat(w, p.Location.Longitude)
		w.float64(p.Location.RadiusKm)
		w.string(p.Location.Country)
	}
	w.bool(p.DateRange != nil)
	if p.DateRange != nil {
		w.time(p.DateRange.Start)
		w.time(p.DateRange.End)
	}
	w.string(p.RecordType)
	w.int(p.Limit)
	w.int(p.Offset)
	w.bool(p.Options.DisableEmbedding)
	w.int(p.Options.BatchSize)
}

func unmarshalJobParameters(r *musReader) (p JobParameters) {
	p.Species = r.string()
	if r.bool() {
		p.Location = &GeoLocation{
			Latitude:  unmarshalOptionalFloat(r),
			Longitude: unmarshalOptionalFloat(r),
			RadiusKm:  r.float64(),
			Country:   r.string(),
		}
	}
	if r.bool() {
		p.DateRange = &DateRange{Start: r.time(), End: r.time()}
	}
	p.RecordType = r.string()
	p.Limit = r.int()
	p.Offset = r.int()
	p.Options.DisableEmbedding = r.bool()
	p.Options.BatchSize = r.int()
	return
}
