package model

import (
	"fmt"
)

// TranscodeJob is the message carried by the task queue from the upload path
// to the worker pool. It is serialized as JSON and keyed by video id.
type TranscodeJob struct {
	TaskID        string `json:"task_id"`
	VideoID       int64  `json:"video_id"`
	RawFilePath   string `json:"raw_file_path"`
	UserID        int64  `json:"user_id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Quality       string `json:"quality"`
	Format        string `json:"format"`
	GenerateCover bool   `json:"generate_cover"`
	CreatedAt     int64  `json:"created_at"`
	Priority      int    `json:"priority"`
	Status        string `json:"status"`
}

// Validate checks the fields a worker cannot proceed without.
func (j *TranscodeJob) Validate() error {
	if j.VideoID <= 0 {
		return fmt.Errorf("transcode job missing video_id")
	}
	if j.RawFilePath == "" {
		return fmt.Errorf("transcode job missing raw_file_path")
	}
	if j.UserID <= 0 {
		return fmt.Errorf("transcode job missing user_id")
	}
	if j.Format == "" {
		return fmt.Errorf("transcode job missing output format")
	}
	return nil
}
