package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
)

// indexMapping fixes the field types the queries depend on: full text on
// title/description, numerics for filters and sorting.
const indexMapping = `{
	"mappings": {
		"properties": {
			"id":             {"type": "long"},
			"author_id":      {"type": "long"},
			"author_name":    {"type": "keyword"},
			"title":          {"type": "text"},
			"description":    {"type": "text"},
			"status":         {"type": "keyword"},
			"publish_time":   {"type": "long"},
			"view_count":     {"type": "long"},
			"favorite_count": {"type": "long"},
			"comment_count":  {"type": "long"},
			"hot_score":      {"type": "double"},
			"duration":       {"type": "long"},
			"created_at":     {"type": "date"},
			"updated_at":     {"type": "date"}
		}
	}
}`

// ElasticIndex implements Index backed by Elasticsearch.
type ElasticIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticIndex creates an Elasticsearch-backed index client.
func NewElasticIndex(cfg *config.SearchConfig) (*ElasticIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}
	return &ElasticIndex{client: client, index: cfg.Index}, nil
}

// EnsureIndex creates the index with its mapping if it does not exist.
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	drain(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = e.client.Indices.Create(
		e.index,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(bytes.NewReader([]byte(indexMapping))),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("failed to create index: %s", res.String())
	}
	log.Info().Str("index", e.index).Msg("Search index created")
	return nil
}

// Upsert writes the full document keyed by video id. The index operation is
// a complete replace, so re-applying the same input yields the same
// document.
func (e *ElasticIndex) Upsert(ctx context.Context, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := e.client.Index(
		e.index,
		bytes.NewReader(body),
		e.client.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
		e.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %d: %w", doc.ID, err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("failed to upsert document %d: %s", doc.ID, res.String())
	}
	return nil
}

// Remove deletes the document for a video id. A missing document counts as
// success so that delete is idempotent.
func (e *ElasticIndex) Remove(ctx context.Context, videoID int64) error {
	res, err := e.client.Delete(
		e.index,
		strconv.FormatInt(videoID, 10),
		e.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to remove document %d: %w", videoID, err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("failed to remove document %d: %s", videoID, res.String())
	}
	return nil
}

// BulkUpsert indexes many documents in one request and reads the per-item
// statuses out of the response, so one bad document does not sink the batch.
func (e *ElasticIndex) BulkUpsert(ctx context.Context, docs []*Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		action := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, e.index, strconv.FormatInt(doc.ID, 10))
		buf.WriteString(action)
		buf.WriteByte('\n')
		body, err := json.Marshal(doc)
		if err != nil {
			return BulkResult{Failed: len(docs)}, fmt.Errorf("failed to marshal document %d: %w", doc.ID, err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := e.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		e.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return BulkResult{Failed: len(docs)}, fmt.Errorf("bulk upsert failed: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return BulkResult{Failed: len(docs)}, fmt.Errorf("bulk upsert failed: %s", res.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int    `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return BulkResult{Failed: len(docs)}, fmt.Errorf("failed to decode bulk response: %w", err)
	}

	if !bulkResp.Errors {
		return BulkResult{Succeeded: len(docs)}, nil
	}

	var result BulkResult
	for _, item := range bulkResp.Items {
		for _, op := range item {
			if op.Status >= 200 && op.Status < 300 {
				result.Succeeded++
			} else {
				result.Failed++
				if op.Error != nil {
					log.Warn().Str("reason", op.Error.Reason).Msg("Bulk upsert item failed")
				}
			}
		}
	}
	return result, nil
}

// UpdateHotScore partially updates one document, touching only hot_score
// and updated_at.
func (e *ElasticIndex) UpdateHotScore(ctx context.Context, videoID int64, score float64) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc": map[string]interface{}{
			"hot_score":  score,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal hot score update: %w", err)
	}

	res, err := e.client.Update(
		e.index,
		strconv.FormatInt(videoID, 10),
		bytes.NewReader(body),
		e.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to update hot score for %d: %w", videoID, err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("failed to update hot score for %d: %s", videoID, res.String())
	}
	return nil
}

// Query runs the ranked search: weighted full text over title/description,
// exact-match filters, publish-time range, and the requested sort.
func (e *ElasticIndex) Query(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(buildQuery(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(bytes.NewReader(body)),
		e.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return nil, fmt.Errorf("search query failed: %s", res.String())
	}

	var searchResp struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source struct {
					ID int64 `json:"id"`
				} `json:"_source"`
				Highlight map[string][]string `json:"highlight"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	result := &Result{Total: searchResp.Hits.Total.Value}
	for _, hit := range searchResp.Hits.Hits {
		result.Hits = append(result.Hits, Hit{
			ID:        hit.Source.ID,
			Highlight: hit.Highlight,
		})
	}
	return result, nil
}

// buildQuery translates a Request into the Elasticsearch query DSL. Only
// published documents are searchable.
func buildQuery(req *Request) map[string]interface{} {
	filters := []map[string]interface{}{
		{"term": map[string]interface{}{"status": string(model.StatusPublished)}},
	}
	if req.AuthorID > 0 {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"author_id": req.AuthorID},
		})
	}
	if req.VideoID > 0 {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"id": req.VideoID},
		})
	}
	if req.StartTime > 0 || req.EndTime > 0 {
		timeRange := map[string]interface{}{}
		if req.StartTime > 0 {
			timeRange["gte"] = req.StartTime
		}
		if req.EndTime > 0 {
			timeRange["lte"] = req.EndTime
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"publish_time": timeRange},
		})
	}

	boolQuery := map[string]interface{}{"filter": filters}

	if req.Term != "" {
		match := map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":    req.Term,
				"fields":   []string{"title^3", "description"},
				"type":     "best_fields",
				"operator": "or",
			},
		}
		// Very short terms match too strictly as a must clause; relax them
		// to should, the way short CJK queries behave in practice.
		if utf8.RuneCountInString(req.Term) <= 2 {
			boolQuery["should"] = []map[string]interface{}{match}
			boolQuery["minimum_should_match"] = 1
		} else {
			match["multi_match"].(map[string]interface{})["minimum_should_match"] = "50%"
			boolQuery["must"] = []map[string]interface{}{match}
		}
	}

	var sort []map[string]interface{}
	switch req.Sort {
	case SortHot:
		sort = append(sort, map[string]interface{}{"hot_score": map[string]interface{}{"order": "desc"}})
	case SortTime:
		sort = append(sort, map[string]interface{}{"publish_time": map[string]interface{}{"order": "desc"}})
	default:
		sort = append(sort,
			map[string]interface{}{"_score": map[string]interface{}{"order": "desc"}},
			map[string]interface{}{"publish_time": map[string]interface{}{"order": "desc"}},
		)
	}

	query := map[string]interface{}{
		"query":   map[string]interface{}{"bool": boolQuery},
		"_source": []string{"id"},
		"from":    (req.Page - 1) * req.PageSize,
		"size":    req.PageSize,
		"sort":    sort,
	}

	if req.Term != "" {
		query["highlight"] = map[string]interface{}{
			"fields": map[string]interface{}{
				"title":       map[string]interface{}{},
				"description": map[string]interface{}{},
			},
			"pre_tags":  []string{"<em>"},
			"post_tags": []string{"</em>"},
		}
	}
	return query
}

// Ping checks index availability.
func (e *ElasticIndex) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search index unreachable: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("search index unhealthy: %s", res.Status())
	}
	return nil
}

// drain consumes and closes a response body so the transport can reuse the
// connection.
func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}
