package search

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/model"
	"github.com/user/shortvid-backend/internal/store"
)

// Storage is the slice of the system of record the query service needs:
// resolving ranked ids to live records and serving the degraded fallback.
type Storage interface {
	GetVideosByIDs(ctx context.Context, ids []int64) ([]*model.Video, error)
	AuthorNames(ctx context.Context, ids []int64) (map[int64]string, error)
	SearchFallback(ctx context.Context, q store.FallbackQuery) ([]*model.Video, int64, error)
	ListPublished(ctx context.Context, offset, limit int) ([]*model.Video, error)
}

// VideoResult is one search response item. Play and cover URLs always come
// from the system of record, never from the index. Highlight is present only
// on index-backed responses.
type VideoResult struct {
	ID            int64               `json:"id"`
	AuthorID      int64               `json:"author_id"`
	AuthorName    string              `json:"author_name"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	PlayURL       string              `json:"play_url"`
	CoverURL      string              `json:"cover_url"`
	ViewCount     int64               `json:"view_count"`
	FavoriteCount int64               `json:"favorite_count"`
	CommentCount  int64               `json:"comment_count"`
	PublishTime   int64               `json:"publish_time"`
	Highlight     map[string][]string `json:"highlight,omitempty"`
}

// Page is a search response page; the shape is identical whether it was
// served by the index or by the fallback.
type Page struct {
	Videos     []VideoResult `json:"videos"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`

	// Backend records which path served the page, "index" or "fallback".
	// Not part of the response body.
	Backend string `json:"-"`
}

// Service answers ranked video queries, preferring the index and falling
// back to the system of record when the index errors.
type Service struct {
	index   Index
	storage Storage
	batch   int
}

// NewService creates a search query service. batchSize bounds the resync
// page size.
func NewService(index Index, storage Storage, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Service{index: index, storage: storage, batch: batchSize}
}

// Search runs a query. Index errors degrade transparently to the fallback;
// the caller sees the same response shape either way.
func (s *Service) Search(ctx context.Context, req *Request) (*Page, error) {
	normalize(req)

	result, err := s.index.Query(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Search index unavailable, falling back to database")
		return s.fallback(ctx, req)
	}

	page := &Page{
		Videos:     []VideoResult{},
		Total:      result.Total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: totalPages(result.Total, req.PageSize),
		Backend:    "index",
	}
	if len(result.Hits) == 0 {
		return page, nil
	}

	ids := make([]int64, 0, len(result.Hits))
	highlights := make(map[int64]map[string][]string, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
		if hit.Highlight != nil {
			highlights[hit.ID] = hit.Highlight
		}
	}

	videos, err := s.storage.GetVideosByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names, err := s.authorNames(ctx, videos)
	if err != nil {
		return nil, err
	}

	// Re-apply the index ranking: the database returns rows in its own
	// order.
	byID := make(map[int64]*model.Video, len(videos))
	for _, v := range videos {
		byID[v.ID] = v
	}
	for _, id := range ids {
		video, ok := byID[id]
		if !ok {
			// Index document with no backing row; divergence is tolerated
			// and repaired by the next sync.
			continue
		}
		page.Videos = append(page.Videos, toResult(video, names[video.AuthorID], highlights[id]))
	}
	return page, nil
}

// fallback re-executes the query against the system of record. No
// highlighting, substring matching, and the hot sort uses the
// view_count + 2*favorite_count proxy.
func (s *Service) fallback(ctx context.Context, req *Request) (*Page, error) {
	videos, total, err := s.storage.SearchFallback(ctx, store.FallbackQuery{
		Term:      req.Term,
		AuthorID:  req.AuthorID,
		VideoID:   req.VideoID,
		Sort:      string(req.Sort),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Offset:    (req.Page - 1) * req.PageSize,
		Limit:     req.PageSize,
	})
	if err != nil {
		return nil, err
	}

	names, err := s.authorNames(ctx, videos)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Videos:     []VideoResult{},
		Total:      total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: totalPages(total, req.PageSize),
		Backend:    "fallback",
	}
	for _, video := range videos {
		page.Videos = append(page.Videos, toResult(video, names[video.AuthorID], nil))
	}
	return page, nil
}

// Resync pushes every published video back into the index in batches and
// reports per-document success/failure counts.
func (s *Service) Resync(ctx context.Context) (BulkResult, error) {
	var total BulkResult
	offset := 0
	for {
		videos, err := s.storage.ListPublished(ctx, offset, s.batch)
		if err != nil {
			return total, err
		}
		if len(videos) == 0 {
			return total, nil
		}

		names, err := s.authorNames(ctx, videos)
		if err != nil {
			return total, err
		}

		docs := make([]*Document, 0, len(videos))
		for _, video := range videos {
			docs = append(docs, NewDocument(video, names[video.AuthorID]))
		}

		result, err := s.index.BulkUpsert(ctx, docs)
		total.Succeeded += result.Succeeded
		total.Failed += result.Failed
		if err != nil {
			log.Error().Err(err).Int("offset", offset).Msg("Resync batch failed")
		}

		if len(videos) < s.batch {
			return total, nil
		}
		offset += s.batch
	}
}

func (s *Service) authorNames(ctx context.Context, videos []*model.Video) (map[int64]string, error) {
	seen := make(map[int64]bool, len(videos))
	ids := make([]int64, 0, len(videos))
	for _, v := range videos {
		if !seen[v.AuthorID] {
			seen[v.AuthorID] = true
			ids = append(ids, v.AuthorID)
		}
	}
	return s.storage.AuthorNames(ctx, ids)
}

func toResult(v *model.Video, authorName string, highlight map[string][]string) VideoResult {
	return VideoResult{
		ID:            v.ID,
		AuthorID:      v.AuthorID,
		AuthorName:    authorName,
		Title:         v.Title,
		Description:   v.Description,
		PlayURL:       v.PlayURL,
		CoverURL:      v.CoverURL,
		ViewCount:     v.ViewCount,
		FavoriteCount: v.FavoriteCount,
		CommentCount:  v.CommentCount,
		PublishTime:   v.PublishTime,
		Highlight:     highlight,
	}
}

func normalize(req *Request) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}
	if req.Sort == "" {
		req.Sort = SortRelevance
	}
}

func totalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
