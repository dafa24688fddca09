package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Processor drives the external ffmpeg/ffprobe binaries.
type Processor struct {
	ffmpeg  string
	ffprobe string
}

// NewProcessor creates a media processor using the given binary paths.
func NewProcessor(ffmpegPath, ffprobePath string) *Processor {
	return &Processor{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// ProbeResult carries the stream metadata extracted from a media file.
type ProbeResult struct {
	Duration int
	Width    int
	Height   int
	Format   string
}

// Transcode rescales and re-encodes input into output according to the
// tier's fixed parameter bundle. The command is bound to ctx so a job that
// exceeds its wall-clock budget kills the encoder.
func (p *Processor) Transcode(ctx context.Context, input, output string, tier QualityTier, format string) error {
	args, err := transcodeArgs(input, output, tier, format)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.ffmpeg, args...)
	cmd.Stderr = &stderr

	log.Debug().Str("input", input).Str("tier", string(tier)).Msg("Starting transcode")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg transcode failed: %w: %s", err, tail(stderr.String(), 512))
	}
	return nil
}

// ExtractCover grabs a single frame as the video cover. Callers treat
// failure as non-fatal.
func (p *Processor) ExtractCover(ctx context.Context, input, output string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.ffmpeg, coverArgs(input, output)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg cover extraction failed: %w: %s", err, tail(stderr.String(), 512))
	}
	return nil
}

// ffprobeOutput mirrors the subset of `ffprobe -print_format json` the
// pipeline reads.
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe reads duration, dimensions and container format from a media file.
func (p *Processor) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{Format: probe.Format.FormatName}
	if probe.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			result.Duration = int(seconds)
		}
	}
	for _, stream := range probe.Streams {
		if stream.CodecType == "video" {
			result.Width = stream.Width
			result.Height = stream.Height
			break
		}
	}
	return result, nil
}

// tail returns at most n trailing bytes of s, where ffmpeg puts the actual
// error.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
