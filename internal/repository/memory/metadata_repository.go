package memory

import (
	"time"

	"ai-docchat-client/internal/protocol"

	"github.com/patrickmn/go-cache"
)

// MetadataRepository caches document metadata per document id so reconnects do
// not have to wait on the server before chunks are known.
type MetadataRepository struct {
	cache *cache.Cache
}

func NewMetadataRepository(ttl time.Duration) *MetadataRepository {
	// purge expired items at twice the ttl
	return &MetadataRepository{
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *MetadataRepository) Save(meta *protocol.DocumentMetadata) {
	r.cache.Set(meta.DocumentID, meta, cache.DefaultExpiration)
}

func (r *MetadataRepository) Get(documentID string) (*protocol.DocumentMetadata, bool) {
	if x, found := r.cache.Get(documentID); found {
		return x.(*protocol.DocumentMetadata), true
	}
	return nil, false
}

func (r *MetadataRepository) Delete(documentID string) {
	r.cache.Delete(documentID)
}
