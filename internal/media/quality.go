package media

import (
	"errors"
	"fmt"
)

// ErrUnknownQuality marks an unrecognized quality tier. This is a
// configuration error, not a retryable runtime condition.
var ErrUnknownQuality = errors.New("unknown quality tier")

// QualityTier is a closed enumeration of transcode presets.
type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
)

// tierParams is the fixed parameter bundle for one tier. Video codec is
// libx264 and audio aac@128k across all tiers; only the scale and bitrates
// vary.
type tierParams struct {
	scale        string
	videoBitrate string
	bufSize      string
}

var tiers = map[QualityTier]tierParams{
	QualityLow:    {scale: "scale=-2:480", videoBitrate: "1000k", bufSize: "2000k"},
	QualityMedium: {scale: "scale=-2:720", videoBitrate: "2500k", bufSize: "5000k"},
	QualityHigh:   {scale: "scale=-2:1080", videoBitrate: "5000k", bufSize: "10000k"},
}

// ParseQuality validates a tier name coming off the wire.
func ParseQuality(s string) (QualityTier, error) {
	tier := QualityTier(s)
	if _, ok := tiers[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQuality, s)
	}
	return tier, nil
}

// transcodeArgs builds the ffmpeg argument list for a tier.
func transcodeArgs(input, output string, tier QualityTier, format string) ([]string, error) {
	params, ok := tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuality, tier)
	}
	return []string{
		"-i", input,
		"-vf", params.scale,
		"-c:v", "libx264",
		"-b:v", params.videoBitrate,
		"-bufsize", params.bufSize,
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", format,
		"-y", // overwrite partial output from an abandoned attempt
		output,
	}, nil
}

// coverArgs builds the ffmpeg argument list for a single cover frame taken
// one second in, sized 1280x720.
func coverArgs(input, output string) []string {
	return []string{
		"-ss", "00:00:01.000",
		"-i", input,
		"-vframes", "1",
		"-s", "1280x720",
		"-y",
		output,
	}
}
