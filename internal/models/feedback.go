package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRating = errors.New("rating must be positive or negative")

type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

func ParseRating(s string) (Rating, error) {
	switch r := Rating(s); r {
	case RatingPositive, RatingNegative:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRating, s)
	}
}

// Feedback rates one assistant reply in the context it was produced.
type Feedback struct {
	ContentType      ContentType `json:"contentType"`
	Platform         Platform    `json:"platform"`
	UserMessage      string      `json:"userMessage"`
	AssistantMessage string      `json:"assistantMessage"`
	Rating           Rating      `json:"rating"`
	FeedbackNote     string      `json:"feedbackNote"`
}

// FeedbackStatus tracks journal rows through delivery.
type FeedbackStatus string

const (
	FeedbackQueued    FeedbackStatus = "queued"
	FeedbackDelivered FeedbackStatus = "delivered"
	FeedbackFailed    FeedbackStatus = "failed"
)

// FeedbackRecord is a journaled Feedback.
type FeedbackRecord struct {
	ID          string         `json:"id"`
	Feedback    Feedback       `json:"feedback"`
	Status      FeedbackStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}
