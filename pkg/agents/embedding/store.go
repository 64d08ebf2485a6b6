package embedding

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/master-control/mcp/pkg/models"
)

// SourceVectorStore marks documents that came out of the knowledge
// collection.
const SourceVectorStore = "vector_store"

const (
	defaultCollection = "knowledge"
	defaultTopK       = 5
)

// StoreConfig tunes the vector store.
type StoreConfig struct {
	// PersistPath keeps the collection on disk when set; empty stays in
	// memory.
	PersistPath string

	// Collection names the chromem collection. Empty means "knowledge".
	Collection string

	// TopK bounds how many hits one lookup returns. Zero means 5.
	TopK int

	// MinSimilarity drops hits below this cosine similarity. Zero keeps
	// everything.
	MinSimilarity float32

	// Embedding overrides the embedding function. Nil uses the hash
	// embedder.
	Embedding chromem.EmbeddingFunc
}

// Store wraps a chromem collection behind the orchestrator's document model.
type Store struct {
	collection *chromem.Collection
	topK       int
	minSim     float32
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	embed := cfg.Embedding
	if embed == nil {
		embed = HashEmbedding(defaultDimensions)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", cfg.Collection, err)
	}
	return &Store{collection: collection, topK: cfg.TopK, minSim: cfg.MinSimilarity}, nil
}

// Seed loads documents into the collection. IDs are required because result
// deduplication downstream keys on them.
func (s *Store) Seed(ctx context.Context, docs []models.Document) error {
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document with empty id (title %q)", doc.Title)
		}
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:      doc.ID,
			Content: doc.Content,
			Metadata: map[string]string{
				"title":  doc.Title,
				"source": doc.Source,
			},
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Count returns the number of stored documents.
func (s *Store) Count() int { return s.collection.Count() }

// Search returns the closest documents, best match first, with cosine
// similarity mapped onto Score. A limit of zero uses the configured TopK;
// either way the limit is clamped to the collection size because chromem
// rejects asking for more results than it holds.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	if limit <= 0 || limit > s.topK {
		limit = s.topK
	}
	if n := s.collection.Count(); n < limit {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	docs := make([]models.Document, 0, len(results))
	for _, r := range results {
		if r.Similarity < s.minSim {
			continue
		}
		source := r.Metadata["source"]
		if source == "" {
			source = SourceVectorStore
		}
		docs = append(docs, models.Document{
			ID:      r.ID,
			Title:   r.Metadata["title"],
			Content: r.Content,
			Score:   float64(r.Similarity),
			Source:  source,
		})
	}
	return docs, nil
}
