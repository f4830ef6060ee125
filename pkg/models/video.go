package models

import (
	"path/filepath"
	"strings"
)

// VideoStatus represents the processing status of a video job.
type VideoStatus string

const (
	StatusProcessing        VideoStatus = "processing"
	StatusProcessed         VideoStatus = "processed"
	StatusFailed            VideoStatus = "failed"
	StatusPermanentlyFailed VideoStatus = "permanently_failed"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusProcessing, StatusProcessed, StatusFailed, StatusPermanentlyFailed:
		return true
	}
	return false
}

// IsTerminal returns true for states that end the job's lifecycle.
func (s VideoStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusPermanentlyFailed
}

// VideoStage represents the phase a job attempt is currently in.
type VideoStage string

const (
	StageInitializing        VideoStage = "initializing"
	StageDownloading         VideoStage = "downloading"
	StageTranscoding         VideoStage = "transcoding"
	StageGeneratingThumbnail VideoStage = "generating_thumbnail"
	StageUploading           VideoStage = "uploading"
	StageComplete            VideoStage = "complete"
)

// IsValid returns true if the stage is a valid VideoStage.
func (s VideoStage) IsValid() bool {
	switch s {
	case StageInitializing, StageDownloading, StageTranscoding,
		StageGeneratingThumbnail, StageUploading, StageComplete:
		return true
	}
	return false
}

// MaxRetries is the number of failed attempts after which a job becomes
// permanently failed and is never retried again.
const MaxRetries = 5

// JobRecord is the durable per-video processing state stored in DynamoDB.
// One record exists per job id for the lifetime of the video.
type JobRecord struct {
	// Keys
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`

	// Attributes
	VideoID             string      `dynamodbav:"video_id" json:"videoId"`
	OwnerID             string      `dynamodbav:"owner_id" json:"ownerId"`
	Status              VideoStatus `dynamodbav:"status" json:"status"`
	Stage               VideoStage  `dynamodbav:"stage" json:"stage"`
	TranscodingProgress int         `dynamodbav:"transcoding_progress" json:"transcodingProgress"`
	RetryCount          int         `dynamodbav:"retry_count" json:"retryCount"`
	ErrorMessage        string      `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
	DurationSeconds     float64     `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	Filename            string      `dynamodbav:"filename,omitempty" json:"filename,omitempty"`
	CreatedAt           string      `dynamodbav:"created_at,omitempty" json:"createdAt,omitempty"`
	UpdatedAt           string      `dynamodbav:"updated_at,omitempty" json:"updatedAt,omitempty"`

	// Version is incremented on every write and backs the optimistic
	// compare-and-set used by transactional updates.
	Version int64 `dynamodbav:"version" json:"-"`
}

// JobUpdate is a partial, merge-style update to a JobRecord. Nil fields are
// left untouched in the stored record.
type JobUpdate struct {
	Status              *VideoStatus
	Stage               *VideoStage
	TranscodingProgress *int
	RetryCount          *int
	ErrorMessage        *string
	DurationSeconds     *float64
	Filename            *string
	OwnerID             *string

	// SetCreatedAt writes created_at only if the record does not already
	// carry one, preserving the first-initialization timestamp across
	// retry attempts.
	SetCreatedAt bool
}

// JobRef identifies one uploaded raw asset and the job derived from it.
type JobRef struct {
	// AssetName is the object name of the uploaded raw video, following the
	// <ownerId>-<timestamp>.<ext> upload convention.
	AssetName string
	// VideoID is the asset name without its extension.
	VideoID string
	// OwnerID is the uploading principal parsed from the asset name.
	OwnerID string
}

// NewJobRef derives the job identity from a raw asset name.
func NewJobRef(assetName string) JobRef {
	videoID := strings.TrimSuffix(assetName, filepath.Ext(assetName))
	ownerID := videoID
	if idx := strings.Index(videoID, "-"); idx > 0 {
		ownerID = videoID[:idx]
	}
	return JobRef{
		AssetName: assetName,
		VideoID:   videoID,
		OwnerID:   ownerID,
	}
}

// Outcome tells the queue trigger what to do with the delivered message.
type Outcome int

const (
	// OutcomeAck acknowledges the message as terminally handled; the queue
	// must not redeliver it. Covers success, duplicate delivery, permanent
	// failure and malformed input.
	OutcomeAck Outcome = iota
	// OutcomeRetry signals a transient failure; the queue should redeliver.
	OutcomeRetry
)

// String returns a human-readable outcome name for logs.
func (o Outcome) String() string {
	if o == OutcomeRetry {
		return "retry"
	}
	return "ack"
}
