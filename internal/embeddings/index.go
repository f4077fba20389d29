package embeddings

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/strandlabs/strand/pkg/models"
)

// Index maintains one vector per tool, keyed by the canonical text
// "name: description", with an on-disk cache that survives restarts. The
// cache is invalidated wholesale when the provider or model tag changes.
type Index struct {
	provider  Provider
	cachePath string
	logger    *slog.Logger

	mu          sync.RWMutex
	initialized bool
	vectors     map[string][]float32 // tool name -> vector
	texts       map[string]string    // tool name -> canonical text
}

// NewIndex creates an index persisting its cache at cachePath.
func NewIndex(provider Provider, cachePath string) *Index {
	return &Index{
		provider:  provider,
		cachePath: cachePath,
		logger:    slog.Default().With("component", "embeddings"),
	}
}

// cacheFile is the on-disk cache format: entries map canonical text to
// base64-encoded little-endian float32 vectors.
type cacheFile struct {
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Entries  map[string]string `json:"entries"`
}

// Initialized reports whether the index holds vectors for the current
// catalog. False after an embedding-service failure; downstream falls back to
// keyword matching.
func (ix *Index) Initialized() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.initialized
}

// Initialize builds vectors for the given catalog: cached texts are reused,
// the uncached remainder is embedded as one batch, and the merged cache is
// written back atomically. Fails soft: on embedding-service errors the index
// is marked uninitialized and the error returned.
func (ix *Index) Initialize(ctx context.Context, tools []models.ToolDescriptor) error {
	cached := ix.loadCache()

	vectors := make(map[string][]float32, len(tools))
	texts := make(map[string]string, len(tools))
	var missingNames []string
	var missingTexts []string

	for _, tool := range tools {
		text := tool.CanonicalText()
		texts[tool.Name] = text
		if vec, ok := cached[text]; ok {
			vectors[tool.Name] = vec
			continue
		}
		missingNames = append(missingNames, tool.Name)
		missingTexts = append(missingTexts, text)
	}

	if len(missingTexts) > 0 {
		embedded, err := ix.provider.EmbedBatch(ctx, missingTexts)
		if err != nil {
			ix.mu.Lock()
			ix.initialized = false
			ix.mu.Unlock()
			return fmt.Errorf("embed %d tools: %w", len(missingTexts), err)
		}
		for i, name := range missingNames {
			vectors[name] = embedded[i]
			cached[missingTexts[i]] = embedded[i]
		}
		if err := ix.writeCache(cached); err != nil {
			// Cache write failure is not fatal; vectors are in memory.
			ix.logger.Warn("embedding cache write failed", "error", err)
		}
	}

	ix.mu.Lock()
	ix.vectors = vectors
	ix.texts = texts
	ix.initialized = true
	ix.mu.Unlock()

	ix.logger.Debug("embedding index initialized",
		"tools", len(tools), "embedded", len(missingTexts), "cached", len(tools)-len(missingTexts))
	return nil
}

// ScoreMessage embeds the input text and returns its cosine similarity
// against each named tool. The input embedding is not cached. Tools absent
// from the index score 0.
func (ix *Index) ScoreMessage(ctx context.Context, text string, names []string) (map[string]float64, error) {
	ix.mu.RLock()
	if !ix.initialized {
		ix.mu.RUnlock()
		return nil, fmt.Errorf("embedding index not initialized")
	}
	ix.mu.RUnlock()

	query, err := ix.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed message: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	scores := make(map[string]float64, len(names))
	for _, name := range names {
		scores[name] = Cosine(query, ix.vectors[name])
	}
	return scores, nil
}

// loadCache reads the cache file, discarding it entirely when the
// provider/model tag mismatches. A missing or corrupt file yields an empty
// cache.
func (ix *Index) loadCache() map[string][]float32 {
	out := make(map[string][]float32)
	data, err := os.ReadFile(ix.cachePath)
	if err != nil {
		return out
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		ix.logger.Warn("embedding cache unreadable, discarding", "error", err)
		return out
	}
	if file.Provider != ix.provider.Name() || file.Model != ix.provider.Model() {
		ix.logger.Info("embedding cache tag mismatch, discarding",
			"cached", file.Provider+"/"+file.Model,
			"configured", ix.provider.Name()+"/"+ix.provider.Model())
		return out
	}
	for text, encoded := range file.Entries {
		vec, err := decodeVector(encoded)
		if err != nil {
			continue
		}
		out[text] = vec
	}
	return out
}

// writeCache persists the cache via temp file + rename so the file is never
// observed partially written.
func (ix *Index) writeCache(entries map[string][]float32) error {
	file := cacheFile{
		Provider: ix.provider.Name(),
		Model:    ix.provider.Model(),
		Entries:  make(map[string]string, len(entries)),
	}
	for text, vec := range entries {
		file.Entries[text] = encodeVector(vec)
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	dir := filepath.Dir(ix.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".embeddings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, ix.cachePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(encoded string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector length %d not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
