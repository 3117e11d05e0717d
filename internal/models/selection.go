package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownContentType = errors.New("unknown content type")
	ErrUnknownPlatform    = errors.New("unknown platform")
)

type ContentType string

const (
	ContentCaption    ContentType = "caption"
	ContentCarousel   ContentType = "carousel"
	ContentEDM        ContentType = "edm"
	ContentReelScript ContentType = "reel_script"
)

var contentTypeNames = map[ContentType]string{
	ContentCaption:    "Caption",
	ContentCarousel:   "Carousel Post",
	ContentEDM:        "EDM Copy",
	ContentReelScript: "Reel Script",
}

// ContentTypes lists the selectable content types in menu order.
func ContentTypes() []ContentType {
	return []ContentType{ContentCaption, ContentCarousel, ContentEDM, ContentReelScript}
}

// ParseContentType accepts the wire value; blank means the default.
func ParseContentType(s string) (ContentType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ContentCaption, nil
	}
	ct := ContentType(strings.ToLower(s))
	if _, ok := contentTypeNames[ct]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownContentType, s)
	}
	return ct, nil
}

func (c ContentType) DisplayName() string {
	if name, ok := contentTypeNames[c]; ok {
		return name
	}
	return string(c)
}

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

var platformNames = map[Platform]string{
	PlatformInstagram: "Instagram",
	PlatformTikTok:    "TikTok",
	PlatformYouTube:   "YouTube",
}

func Platforms() []Platform {
	return []Platform{PlatformInstagram, PlatformTikTok, PlatformYouTube}
}

// ParsePlatform accepts the wire value; blank means the default.
func ParsePlatform(s string) (Platform, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PlatformInstagram, nil
	}
	p := Platform(strings.ToLower(s))
	if _, ok := platformNames[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
	return p, nil
}

func (p Platform) DisplayName() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return string(p)
}

// Selection is the ambient configuration attached to every outgoing turn.
type Selection struct {
	ContentType ContentType `json:"contentType"`
	Platform    Platform    `json:"platform"`
}

func DefaultSelection() Selection {
	return Selection{ContentType: ContentCaption, Platform: PlatformInstagram}
}
