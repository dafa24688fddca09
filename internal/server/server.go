package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/user/shortvid-backend/internal/ingest"
	"github.com/user/shortvid-backend/internal/model"
	"github.com/user/shortvid-backend/internal/search"
	"github.com/user/shortvid-backend/internal/store"
)

// Store is the slice of the system of record the HTTP layer needs directly.
type Store interface {
	CountVideos(ctx context.Context, status model.Status) (int64, error)
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Uptime   string `json:"uptime"`
}

// Server exposes the upload, playback, search and operations HTTP API.
type Server struct {
	ingest    *ingest.Service
	searchSvc *search.Service
	store     Store
	engine    *gin.Engine
	server    *http.Server
	startTime time.Time
}

// NewServer creates a new HTTP server on the given port.
func NewServer(ing *ingest.Service, searchSvc *search.Service, st Store, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		ingest:    ing,
		searchSvc: searchSvc,
		store:     st,
		engine:    engine,
		startTime: time.Now(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/videos/upload", s.handleUpload)
		v1.GET("/videos/feed", s.handleFeed)
		v1.GET("/videos/:id", s.handleGetVideo)
		v1.DELETE("/videos/:id", s.handleDeleteVideo)
		v1.GET("/users/:id/videos", s.handleAuthorVideos)
		v1.GET("/search/videos", s.handleSearch)
		v1.POST("/admin/search/resync", s.handleResync)
	}
}

// Start begins listening. It returns once the listener stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	code := http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Health check: database unreachable")
		resp.Status = "degraded"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	} else if count, err := s.store.CountVideos(c.Request.Context(), model.StatusPublished); err == nil {
		UpdateVideoCount(count)
	}

	c.JSON(code, resp)
}

func (s *Server) handleUpload(c *gin.Context) {
	authorID, err := strconv.ParseInt(c.PostForm("user_id"), 10, 64)
	if err != nil || authorID <= 0 {
		RecordUpload("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a positive integer"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		RecordUpload("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	body, err := file.Open()
	if err != nil {
		RecordUpload("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	defer body.Close()

	result, err := s.ingest.Upload(c.Request.Context(), &ingest.UploadRequest{
		AuthorID:    authorID,
		Filename:    file.Filename,
		Size:        file.Size,
		Body:        body,
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
	})
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			RecordUpload("rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		RecordUpload("error")
		RecordError("upload")
		log.Error().Err(err).Msg("Upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	RecordUpload("accepted")
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleFeed(c *gin.Context) {
	page, pageSize := pagination(c)
	videos, names, total, err := s.ingest.Feed(c.Request.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		RecordError("feed")
		log.Error().Err(err).Msg("Feed query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load feed"})
		return
	}
	c.JSON(http.StatusOK, videoPage(videos, names, total, page, pageSize))
}

func (s *Server) handleGetVideo(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	countView := c.Query("count_view") != "false"

	video, authorName, err := s.ingest.Get(c.Request.Context(), id, countView)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
			return
		}
		RecordError("get_video")
		log.Error().Err(err).Int64("videoID", id).Msg("Video lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load video"})
		return
	}
	if video.Status == model.StatusDeleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}

	resp := toVideoResult(video, authorName)
	c.JSON(http.StatusOK, gin.H{"video": resp, "status": string(video.Status)})
}

func (s *Server) handleDeleteVideo(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	authorID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || authorID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a positive integer"})
		return
	}

	if err := s.ingest.Delete(c.Request.Context(), id, authorID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		case errors.Is(err, store.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "video cannot be deleted in its current state"})
		default:
			RecordError("delete_video")
			log.Error().Err(err).Int64("videoID", id).Msg("Delete failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleAuthorVideos(c *gin.Context) {
	authorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || authorID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	page, pageSize := pagination(c)

	videos, names, total, err := s.ingest.ListByAuthor(c.Request.Context(), authorID, (page-1)*pageSize, pageSize)
	if err != nil {
		RecordError("author_videos")
		log.Error().Err(err).Int64("authorID", authorID).Msg("Author listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load videos"})
		return
	}
	c.JSON(http.StatusOK, videoPage(videos, names, total, page, pageSize))
}

func (s *Server) handleSearch(c *gin.Context) {
	page, pageSize := pagination(c)
	req := &search.Request{
		Term:     c.Query("keyword"),
		Sort:     search.ParseSortMode(c.Query("sort")),
		Page:     page,
		PageSize: pageSize,
	}
	if v := c.Query("author_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "author_id must be an integer"})
			return
		}
		req.AuthorID = id
	}
	if v := c.Query("video_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "video_id must be an integer"})
			return
		}
		req.VideoID = id
	}
	if v := c.Query("start_time"); v != "" {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be a unix timestamp"})
			return
		}
		req.StartTime = t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_time must be a unix timestamp"})
			return
		}
		req.EndTime = t
	}

	result, err := s.searchSvc.Search(c.Request.Context(), req)
	if err != nil {
		RecordError("search")
		log.Error().Err(err).Msg("Search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	RecordSearch(result.Backend)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleResync(c *gin.Context) {
	result, err := s.searchSvc.Resync(c.Request.Context())
	if err != nil {
		RecordError("resync")
		log.Error().Err(err).Msg("Search resync failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "resync failed",
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		})
		return
	}
	log.Info().Int("succeeded", result.Succeeded).Int("failed", result.Failed).Msg("Search resync completed")
	c.JSON(http.StatusOK, gin.H{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	})
}

func pagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func videoPage(videos []*model.Video, names map[int64]string, total int64, page, pageSize int) gin.H {
	items := make([]search.VideoResult, 0, len(videos))
	for _, v := range videos {
		items = append(items, toVideoResult(v, names[v.AuthorID]))
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return gin.H{
		"videos":      items,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	}
}

func toVideoResult(v *model.Video, authorName string) search.VideoResult {
	return search.VideoResult{
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
	}
}
