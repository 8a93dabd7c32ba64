package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// QdrantConfig configures the Qdrant Store implementation.
//
// Notes:
// - Qdrant point IDs are UUIDs; a stable UUID is derived from the memory ID.
// - Collections are created lazily on first write, one per memory type.
type QdrantConfig struct {
	Host    string        `json:"host" yaml:"host"`
	Port    int           `json:"port" yaml:"port"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Dimensions int    `json:"dimensions" yaml:"dimensions"`
	Distance   string `json:"distance,omitempty" yaml:"distance,omitempty"` // Cosine (default), Dot, Euclid
	Wait       *bool  `json:"wait,omitempty" yaml:"wait,omitempty"`         // Wait for operation completion (default true)
}

// QdrantStore implements Store using Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool // collections confirmed to exist
}

// NewQdrantStore creates a Qdrant-backed Store.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.Wait == nil {
		wait := true
		cfg.Wait = &wait
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
		ensured: make(map[string]bool),
	}
}

var qdrantNamespace = uuid.MustParse("30c7e1cc-9d5e-4c8a-ae26-1f3b67a2b0d7")

func qdrantPointID(memoryID string) string {
	// Stable UUID derived from memory ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(memoryID)).String()
}

// ensureCollection 惰性创建集合（每个集合只尝试一次）。
func (s *QdrantStore) ensureCollection(ctx context.Context, collection string) error {
	if strings.TrimSpace(collection) == "" {
		return types.NewError(types.ErrInvalidRequest, "collection is required")
	}
	if s.cfg.Dimensions <= 0 {
		return types.NewError(types.ErrDimensionMismatch, "qdrant dimensions must be > 0")
	}

	s.mu.Lock()
	done := s.ensured[collection]
	s.mu.Unlock()
	if done {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.Dimensions,
			"distance": s.cfg.Distance,
		},
	}

	endpoint := fmt.Sprintf("/collections/%s", url.PathEscape(collection))
	err := s.doJSON(ctx, http.MethodPut, endpoint, body, nil)
	// Qdrant returns 409 if collection exists.
	if err != nil && !isConflict(err) {
		return err
	}

	s.mu.Lock()
	s.ensured[collection] = true
	s.mu.Unlock()
	return nil
}

func isConflict(err error) bool {
	e, ok := err.(*types.Error)
	return ok && e.HTTPStatus == http.StatusConflict
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrVectorStoreFailed, err.Error()).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return types.NewError(types.ErrVectorStoreFailed,
			fmt.Sprintf("qdrant request failed: method=%s path=%s body=%s", method, path, string(raw))).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func (s *QdrantStore) waitSuffix() string {
	if s.cfg.Wait == nil || *s.cfg.Wait {
		return "?wait=true"
	}
	return ""
}

// Upsert 幂等写入向量。
func (s *QdrantStore) Upsert(ctx context.Context, collection, id string, vector []float64, payload Payload) error {
	if len(vector) != s.cfg.Dimensions {
		return types.NewError(types.ErrDimensionMismatch,
			fmt.Sprintf("collection %s expects dimension %d, got %d", collection, s.cfg.Dimensions, len(vector)))
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	req := struct {
		Points []point `json:"points"`
	}{
		Points: []point{{
			ID:      qdrantPointID(id),
			Vector:  vector,
			Payload: payloadToMap(id, payload),
		}},
	}

	path := fmt.Sprintf("/collections/%s/points%s", url.PathEscape(collection), s.waitSuffix())
	var resp any
	if err := s.doJSON(ctx, http.MethodPut, path, req, &resp); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed",
		zap.String("collection", collection),
		zap.String("memory_id", id))
	return nil
}

// Search 相似度搜索，带负载过滤。
func (s *QdrantStore) Search(ctx context.Context, collection string, queryVector []float64, limit int, scoreThreshold float64, filter Filter) ([]SearchResult, error) {
	if limit <= 0 {
		return []SearchResult{}, nil
	}
	if len(queryVector) != s.cfg.Dimensions {
		return nil, types.NewError(types.ErrDimensionMismatch,
			fmt.Sprintf("query vector dimension %d, expected %d", len(queryVector), s.cfg.Dimensions))
	}

	req := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if scoreThreshold > 0 {
		req["score_threshold"] = scoreThreshold
	}
	if qf := buildQdrantFilter(filter); qf != nil {
		req["filter"] = qf
	}

	type qdrantResult struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantResult `json:"result"`
		Status string         `json:"status"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		payload := payloadFromMap(r.Payload)
		id := payload.MemoryID
		if id == "" {
			// Fallback to point ID if payload does not include memory_id.
			id = fmt.Sprint(r.ID)
		}
		out = append(out, SearchResult{ID: id, Score: r.Score, Payload: payload})
	}

	// Qdrant 返回分数降序；并列场景补充确定性排序
	sortResults(out)
	return out, nil
}

// Delete 幂等删除向量。
func (s *QdrantStore) Delete(ctx context.Context, collection, id string) error {
	req := struct {
		Points []string `json:"points"`
	}{
		Points: []string{qdrantPointID(id)},
	}

	path := fmt.Sprintf("/collections/%s/points/delete%s", url.PathEscape(collection), s.waitSuffix())
	var resp any
	return s.doJSON(ctx, http.MethodPost, path, req, &resp)
}

// Count 返回集合中的向量数。
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	req := struct {
		Exact bool `json:"exact"`
	}{
		Exact: true,
	}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, err
	}

	return resp.Result.Count, nil
}

// ListIDs 通过 scroll API 分页列出 memory_id。
func (s *QdrantStore) ListIDs(ctx context.Context, collection string, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	req := map[string]any{
		"limit":        limit + offset,
		"with_payload": []string{"memory_id"},
		"with_vector":  false,
	}

	var resp struct {
		Result struct {
			Points []struct {
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Result.Points))
	for i, p := range resp.Result.Points {
		if i < offset {
			continue
		}
		if v, ok := p.Payload["memory_id"].(string); ok {
			ids = append(ids, v)
		}
	}
	return ids, nil
}

// Optimize 触发集合索引优化（降低 indexing_threshold 促使 Qdrant 重建 HNSW 段）。
func (s *QdrantStore) Optimize(ctx context.Context, collection string) error {
	req := map[string]any{
		"optimizers_config": map[string]any{
			"indexing_threshold": 10000,
		},
	}
	path := fmt.Sprintf("/collections/%s", url.PathEscape(collection))
	return s.doJSON(ctx, http.MethodPatch, path, req, nil)
}

func payloadToMap(memoryID string, p Payload) map[string]any {
	m := map[string]any{
		"memory_id":   memoryID,
		"owner_id":    p.OwnerID,
		"memory_type": p.MemoryType,
		"is_archived": p.IsArchived,
	}
	if p.ProjectID != "" {
		m["project_id"] = p.ProjectID
	}
	if p.Summary != "" {
		m["summary"] = p.Summary
	}
	if p.Importance > 0 {
		m["importance"] = p.Importance
	}
	if p.LastAccessed != nil {
		m["last_accessed"] = p.LastAccessed.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func payloadFromMap(m map[string]any) Payload {
	var p Payload
	if m == nil {
		return p
	}
	if v, ok := m["memory_id"].(string); ok {
		p.MemoryID = v
	}
	if v, ok := m["owner_id"].(string); ok {
		p.OwnerID = v
	}
	if v, ok := m["project_id"].(string); ok {
		p.ProjectID = v
	}
	if v, ok := m["memory_type"].(string); ok {
		p.MemoryType = v
	}
	if v, ok := m["summary"].(string); ok {
		p.Summary = v
	}
	if v, ok := m["importance"].(float64); ok {
		p.Importance = int(v)
	}
	if v, ok := m["is_archived"].(bool); ok {
		p.IsArchived = v
	}
	if v, ok := m["last_accessed"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastAccessed = &t
		}
	}
	return p
}

// buildQdrantFilter 将 Filter 转换为 Qdrant 过滤表达式；空条件返回 nil。
func buildQdrantFilter(f Filter) map[string]any {
	var must []map[string]any
	var mustNot []map[string]any

	if f.OwnerID != "" {
		must = append(must, matchCond("owner_id", f.OwnerID))
	}
	if f.ProjectID != "" {
		must = append(must, matchCond("project_id", f.ProjectID))
	}
	if !f.IncludeArchived {
		mustNot = append(mustNot, matchCond("is_archived", true))
	}
	if f.ExcludeID != "" {
		mustNot = append(mustNot, matchCond("memory_id", f.ExcludeID))
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	out := make(map[string]any)
	if len(must) > 0 {
		out["must"] = must
	}
	if len(mustNot) > 0 {
		out["must_not"] = mustNot
	}
	return out
}

func matchCond(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}
