package conduit

import "context"

// nopStore satisfies the Store interface with no-ops. Embed this in
// test-specific store structs to avoid implementing every method.
type nopStore struct{}

func (nopStore) StoreDocument(_ context.Context, _ Document, _ []Chunk) error { return nil }
func (nopStore) SearchChunks(_ context.Context, _ []float32, _ int, _ ...ChunkFilter) ([]ScoredChunk, error) {
	return nil, nil
}
func (nopStore) SearchChunksKeyword(_ context.Context, _ string, _ int, _ ...ChunkFilter) ([]ScoredChunk, error) {
	return nil, nil
}
func (nopStore) GetChunksByIDs(_ context.Context, _ []string) ([]Chunk, error) { return nil, nil }
func (nopStore) DeleteDocument(_ context.Context, _ string) error              { return nil }
func (nopStore) GetConfig(_ context.Context, _ string) (string, error)        { return "", nil }
func (nopStore) SetConfig(_ context.Context, _, _ string) error               { return nil }
func (nopStore) Init(_ context.Context) error                                 { return nil }
func (nopStore) Close() error                                                 { return nil }
