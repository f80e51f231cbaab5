package vectorstore

// IndexMatch is one hit from the external vector index. Distance is the
// index's native metric, typically 1 - cosine; callers convert with
// similarity = 1 - distance.
type IndexMatch struct {
	Key      string
	Distance float64
}

// ExternalIndex is an optional approximate-nearest-neighbor cache in front of
// the sqlite vectors. It is a cache only; every vector it holds also lives in
// sqlite, and correctness is preserved when it is absent.
type ExternalIndex interface {
	Upsert(key string, vector []float32, metadata map[string]string) error
	DeletePrefix(prefix string) error
	Query(vector []float32, topK int, filter map[string]string) ([]IndexMatch, error)
}
