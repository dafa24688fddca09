package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
	"github.com/user/shortvid-backend/internal/search"
)

type fakeStore struct {
	nextID    int64
	created   []*model.Video
	createErr error

	deleted      []int64
	deleteErr    error
	viewIncs     []int64
	video        *model.Video
	feed         []*model.Video
}

func (f *fakeStore) CreateVideo(ctx context.Context, video *model.Video) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	video.ID = f.nextID
	f.created = append(f.created, video)
	return nil
}

func (f *fakeStore) GetVideo(ctx context.Context, id int64) (*model.Video, error) {
	if f.video == nil {
		return nil, errors.New("not found")
	}
	return f.video, nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, id int64, authorID int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) IncrementViewCount(ctx context.Context, id int64) error {
	f.viewIncs = append(f.viewIncs, id)
	return nil
}

func (f *fakeStore) ListFeed(ctx context.Context, offset, limit int) ([]*model.Video, int64, error) {
	return f.feed, int64(len(f.feed)), nil
}

func (f *fakeStore) ListByAuthor(ctx context.Context, authorID int64, status model.Status, offset, limit int) ([]*model.Video, int64, error) {
	return f.feed, int64(len(f.feed)), nil
}

func (f *fakeStore) AuthorNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		names[id] = "author"
	}
	return names, nil
}

type fakeObjects struct {
	putKeys       []string
	putErr        error
	removedRaw    []string
	removedPublic []string
	presignErr    error
}

func (f *fakeObjects) PutRaw(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.putKeys = append(f.putKeys, key)
	return nil
}

func (f *fakeObjects) RemoveRaw(ctx context.Context, key string) error {
	f.removedRaw = append(f.removedRaw, key)
	return nil
}

func (f *fakeObjects) PresignRaw(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "http://minio.example/presigned/" + key, nil
}

func (f *fakeObjects) RemovePublic(ctx context.Context, key string) error {
	f.removedPublic = append(f.removedPublic, key)
	return nil
}

type fakeProducer struct {
	jobs      []*model.TranscodeJob
	submitErr error
}

func (f *fakeProducer) Submit(ctx context.Context, job *model.TranscodeJob) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.jobs = append(f.jobs, job)
	return "task-abc", nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeIndex struct {
	upserts []*search.Document
	removes []int64
}

func (f *fakeIndex) Upsert(ctx context.Context, doc *search.Document) error {
	f.upserts = append(f.upserts, doc)
	return nil
}

func (f *fakeIndex) Remove(ctx context.Context, videoID int64) error {
	f.removes = append(f.removes, videoID)
	return nil
}

func uploadConfig() *config.UploadConfig {
	return &config.UploadConfig{
		MaxSize:        1 << 20,
		AllowedFormats: []string{"mp4", "mov"},
		URLExpiry:      time.Hour,
		Quality:        "medium",
		OutputFormat:   "mp4",
		GenerateCover:  true,
	}
}

func newTestService(st *fakeStore, objects *fakeObjects, producer *fakeProducer, index *fakeIndex) *Service {
	return NewService(st, objects, producer, index, uploadConfig())
}

func validRequest() *UploadRequest {
	return &UploadRequest{
		AuthorID: 7,
		Filename: "clip.mp4",
		Size:     1024,
		Body:     bytes.NewReader(make([]byte, 1024)),
		Title:    "my clip",
	}
}

func TestUpload_Accepted(t *testing.T) {
	st := &fakeStore{}
	objects := &fakeObjects{}
	producer := &fakeProducer{}
	index := &fakeIndex{}
	svc := newTestService(st, objects, producer, index)

	result, err := svc.Upload(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.VideoID)
	assert.Equal(t, "pending", result.Status)
	assert.Contains(t, result.ObjectName, "user_7/")
	assert.Contains(t, result.UploadURL, "presigned")

	require.Len(t, st.created, 1)
	assert.Equal(t, model.StatusPending, st.created[0].Status)
	assert.Equal(t, "my clip", st.created[0].Title)
	assert.Equal(t, result.ObjectName, st.created[0].RawObjectKey)

	require.Len(t, producer.jobs, 1)
	job := producer.jobs[0]
	assert.Equal(t, int64(1), job.VideoID)
	assert.Equal(t, result.ObjectName, job.RawFilePath)
	assert.Equal(t, "medium", job.Quality)
	assert.Equal(t, "mp4", job.Format)
	assert.True(t, job.GenerateCover)

	require.Len(t, index.upserts, 1, "pending video should be visible to search")
	assert.Equal(t, "pending", index.upserts[0].Status)
}

func TestUpload_TitleDefaultsToFilename(t *testing.T) {
	st := &fakeStore{}
	svc := newTestService(st, &fakeObjects{}, &fakeProducer{}, &fakeIndex{})

	req := validRequest()
	req.Title = ""
	req.Filename = "sunset_timelapse.mp4"

	_, err := svc.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sunset_timelapse", st.created[0].Title)
}

func TestUpload_Validation(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeObjects{}, &fakeProducer{}, &fakeIndex{})

	tests := []struct {
		name   string
		mutate func(r *UploadRequest)
		field  string
	}{
		{"missing author", func(r *UploadRequest) { r.AuthorID = 0 }, "author_id"},
		{"empty filename", func(r *UploadRequest) { r.Filename = "" }, "filename"},
		{"zero byte file", func(r *UploadRequest) { r.Size = 0 }, "file"},
		{"negative size", func(r *UploadRequest) { r.Size = -1 }, "file"},
		{"oversize file", func(r *UploadRequest) { r.Size = 2 << 20 }, "file"},
		{"disallowed container", func(r *UploadRequest) { r.Filename = "clip.exe" }, "filename"},
		{"no extension", func(r *UploadRequest) { r.Filename = "clip" }, "filename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			_, err := svc.Upload(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUpload_RejectedBeforeAnyState(t *testing.T) {
	st := &fakeStore{}
	objects := &fakeObjects{}
	producer := &fakeProducer{}
	svc := newTestService(st, objects, producer, &fakeIndex{})

	req := validRequest()
	req.Size = 0
	_, err := svc.Upload(context.Background(), req)
	require.Error(t, err)

	assert.Empty(t, objects.putKeys, "rejected upload must not hit the object store")
	assert.Empty(t, st.created, "rejected upload must not create a record")
	assert.Empty(t, producer.jobs)
}

func TestUpload_ExtensionIsCaseInsensitive(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeObjects{}, &fakeProducer{}, &fakeIndex{})
	req := validRequest()
	req.Filename = "CLIP.MP4"

	_, err := svc.Upload(context.Background(), req)
	require.NoError(t, err)
}

func TestUpload_EnqueueFailureLeavesVideoPending(t *testing.T) {
	st := &fakeStore{}
	producer := &fakeProducer{submitErr: errors.New("broker unreachable")}
	svc := newTestService(st, &fakeObjects{}, producer, &fakeIndex{})

	result, err := svc.Upload(context.Background(), validRequest())
	require.NoError(t, err, "a broker outage must not fail the upload")

	assert.Equal(t, "pending", result.Status)
	require.Len(t, st.created, 1, "the record survives for the reconciliation sweep")
}

func TestUpload_CreateFailureCleansUpRawObject(t *testing.T) {
	st := &fakeStore{createErr: errors.New("db down")}
	objects := &fakeObjects{}
	svc := newTestService(st, objects, &fakeProducer{}, &fakeIndex{})

	_, err := svc.Upload(context.Background(), validRequest())
	require.Error(t, err)
	assert.Len(t, objects.removedRaw, 1, "orphaned raw object should be removed")
}

func TestUpload_PresignFailureIsNotFatal(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeObjects{presignErr: errors.New("minio down")}, &fakeProducer{}, &fakeIndex{})

	result, err := svc.Upload(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Empty(t, result.UploadURL)
}

func TestGet_CountsViewOnPublished(t *testing.T) {
	st := &fakeStore{video: &model.Video{ID: 5, AuthorID: 7, Status: model.StatusPublished, ViewCount: 10}}
	svc := newTestService(st, &fakeObjects{}, &fakeProducer{}, &fakeIndex{})

	video, name, err := svc.Get(context.Background(), 5, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, st.viewIncs)
	assert.Equal(t, int64(11), video.ViewCount)
	assert.Equal(t, "author", name)
}

func TestGet_SkipsViewForUnpublished(t *testing.T) {
	st := &fakeStore{video: &model.Video{ID: 5, Status: model.StatusPending}}
	svc := newTestService(st, &fakeObjects{}, &fakeProducer{}, &fakeIndex{})

	_, _, err := svc.Get(context.Background(), 5, true)
	require.NoError(t, err)
	assert.Empty(t, st.viewIncs, "pending videos accumulate no views")
}

func TestDelete_CleansUpDerivedArtifacts(t *testing.T) {
	st := &fakeStore{video: &model.Video{
		ID:           5,
		AuthorID:     7,
		Status:       model.StatusPublished,
		FileFormat:   "mp4",
		RawObjectKey: "user_7/1700000000_abcd1234_clip.mp4",
	}}
	objects := &fakeObjects{}
	index := &fakeIndex{}
	svc := newTestService(st, objects, &fakeProducer{}, index)

	require.NoError(t, svc.Delete(context.Background(), 5, 7))

	assert.Equal(t, []int64{5}, st.deleted)
	assert.Equal(t, []int64{5}, index.removes)
	assert.ElementsMatch(t, []string{"video_5.mp4", "video_5.jpg"}, objects.removedPublic)
	assert.Equal(t, []string{"user_7/1700000000_abcd1234_clip.mp4"}, objects.removedRaw)
}

func TestDelete_StoreRejectionSkipsCleanup(t *testing.T) {
	st := &fakeStore{
		video:     &model.Video{ID: 5, AuthorID: 7, Status: model.StatusPublished},
		deleteErr: errors.New("wrong author"),
	}
	objects := &fakeObjects{}
	svc := newTestService(st, objects, &fakeProducer{}, &fakeIndex{})

	require.Error(t, svc.Delete(context.Background(), 5, 99))
	assert.Empty(t, objects.removedPublic, "rejected delete must not touch blobs")
}

func TestFeed_ResolvesAuthorNames(t *testing.T) {
	st := &fakeStore{feed: []*model.Video{
		{ID: 1, AuthorID: 7, Status: model.StatusPublished},
		{ID: 2, AuthorID: 8, Status: model.StatusPublished},
	}}
	svc := newTestService(st, &fakeObjects{}, &fakeProducer{}, &fakeIndex{})

	videos, names, total, err := svc.Feed(context.Background(), 0, 20)
	require.NoError(t, err)
	assert.Len(t, videos, 2)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "author", names[7])
	assert.Equal(t, "author", names[8])
}
