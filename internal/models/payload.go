package models

import (
	"strings"
	"time"

	"upload-dispatcher/internal/apperr"
)

// Kind tags the payload variant of a task.
type Kind string

const (
	KindUpload    Kind = "upload"
	KindUpdate    Kind = "update"
	KindComment   Kind = "comment"
	KindAnalytics Kind = "analytics"
)

// AllKinds lists the closed set of task kinds.
var AllKinds = []Kind{KindUpload, KindUpdate, KindComment, KindAnalytics}

func (k Kind) Valid() bool {
	switch k {
	case KindUpload, KindUpdate, KindComment, KindAnalytics:
		return true
	default:
		return false
	}
}

// UploadPayload publishes a new video.
type UploadPayload struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	VideoPath   string     `json:"video_path"`
	CoverPath   string     `json:"cover_path,omitempty"`
	Visibility  string     `json:"visibility,omitempty"`
	PublishAt   *time.Time `json:"publish_at,omitempty"`
}

// UpdatePayload edits metadata of a previously uploaded video.
type UpdatePayload struct {
	ExternalID  string   `json:"external_id"`
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CommentPayload posts a comment on a video.
type CommentPayload struct {
	ExternalID string `json:"external_id"`
	Text       string `json:"text"`
}

// AnalyticsPayload collects metrics for a set of videos.
type AnalyticsPayload struct {
	ExternalIDs []string `json:"external_ids"`
	Metrics     []string `json:"metrics,omitempty"`
}

// Payload holds exactly one variant, matching the task kind.
type Payload struct {
	Upload    *UploadPayload    `json:"upload,omitempty"`
	Update    *UpdatePayload    `json:"update,omitempty"`
	Comment   *CommentPayload   `json:"comment,omitempty"`
	Analytics *AnalyticsPayload `json:"analytics,omitempty"`
}

// Kind returns the tag of the populated variant.
func (p Payload) Kind() (Kind, error) {
	var kinds []Kind
	if p.Upload != nil {
		kinds = append(kinds, KindUpload)
	}
	if p.Update != nil {
		kinds = append(kinds, KindUpdate)
	}
	if p.Comment != nil {
		kinds = append(kinds, KindComment)
	}
	if p.Analytics != nil {
		kinds = append(kinds, KindAnalytics)
	}
	switch len(kinds) {
	case 0:
		return "", apperr.Validationf("payload is empty")
	case 1:
		return kinds[0], nil
	default:
		return "", apperr.Validationf("payload carries %d variants, want exactly one", len(kinds))
	}
}

// Validate checks that the payload variant matches kind and is well formed.
func (p Payload) Validate(kind Kind) error {
	if !kind.Valid() {
		return apperr.Validationf("unknown task kind %q", kind)
	}
	got, err := p.Kind()
	if err != nil {
		return err
	}
	if got != kind {
		return apperr.Validationf("payload variant %q does not match kind %q", got, kind)
	}
	switch kind {
	case KindUpload:
		if strings.TrimSpace(p.Upload.Title) == "" {
			return apperr.Validationf("upload.title is required")
		}
		if strings.TrimSpace(p.Upload.VideoPath) == "" {
			return apperr.Validationf("upload.video_path is required")
		}
	case KindUpdate:
		if p.Update.ExternalID == "" {
			return apperr.Validationf("update.external_id is required")
		}
		if p.Update.Title == nil && p.Update.Description == nil && p.Update.Tags == nil {
			return apperr.Validationf("update changes nothing")
		}
	case KindComment:
		if p.Comment.ExternalID == "" {
			return apperr.Validationf("comment.external_id is required")
		}
		if strings.TrimSpace(p.Comment.Text) == "" {
			return apperr.Validationf("comment.text is required")
		}
	case KindAnalytics:
		if len(p.Analytics.ExternalIDs) == 0 {
			return apperr.Validationf("analytics.external_ids is required")
		}
	}
	return nil
}

// Clone returns a deep copy so stored payloads cannot be mutated through a returned task.
func (p Payload) Clone() Payload {
	var out Payload
	if p.Upload != nil {
		u := *p.Upload
		u.Tags = append([]string(nil), p.Upload.Tags...)
		if p.Upload.PublishAt != nil {
			at := *p.Upload.PublishAt
			u.PublishAt = &at
		}
		out.Upload = &u
	}
	if p.Update != nil {
		u := *p.Update
		if p.Update.Title != nil {
			v := *p.Update.Title
			u.Title = &v
		}
		if p.Update.Description != nil {
			v := *p.Update.Description
			u.Description = &v
		}
		if p.Update.Tags != nil {
			u.Tags = append([]string{}, p.Update.Tags...)
		}
		out.Update = &u
	}
	if p.Comment != nil {
		c := *p.Comment
		out.Comment = &c
	}
	if p.Analytics != nil {
		a := *p.Analytics
		a.ExternalIDs = append([]string(nil), p.Analytics.ExternalIDs...)
		a.Metrics = append([]string(nil), p.Analytics.Metrics...)
		out.Analytics = &a
	}
	return out
}
