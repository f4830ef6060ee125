package models

import "errors"

// Sentinel errors forming the pipeline's error taxonomy. Stage errors are
// wrapped with %w so call sites can classify with errors.Is.
var (
	// Terminal, never redelivered
	ErrMalformedMessage = errors.New("malformed queue message")
	ErrAlreadyInFlight  = errors.New("video is already being processed or has been completed")
	ErrRetriesExhausted = errors.New("video has reached the maximum number of retries")

	// Stage failures, transient by default
	ErrDownloadFailed  = errors.New("failed to download raw video")
	ErrTranscodeFailed = errors.New("failed to transcode video")
	ErrThumbnailFailed = errors.New("failed to generate thumbnail")
	ErrUploadFailed    = errors.New("failed to upload processed files")
	ErrFFmpegFailed    = errors.New("ffmpeg execution failed")
	ErrContextCanceled = errors.New("context canceled")

	// Store failures
	ErrStateStore         = errors.New("job state store failure")
	ErrTransactionAborted = errors.New("job state transaction aborted")
)

// IsTerminalError reports whether err must be acknowledged to the queue
// rather than redelivered.
func IsTerminalError(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrAlreadyInFlight) ||
		errors.Is(err, ErrRetriesExhausted)
}
