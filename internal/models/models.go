package models

import (
	"encoding/base64"
	"strings"
)

// Media is an opaque binary payload with its MIME type. Photos, portraits and
// animation clips all travel as Media.
type Media struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// Empty reports whether the payload carries no bytes.
func (m Media) Empty() bool {
	return len(m.Data) == 0
}

// DataURI renders the payload as data:<mime>;base64,<data>.
func (m Media) DataURI() string {
	if m.Empty() {
		return ""
	}
	mimeType := strings.TrimSpace(m.MIMEType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// Analysis is the output of the analyze stage.
type Analysis struct {
	Era             string `json:"era"`
	FaceDescription string `json:"face_description"`
}

// Portrait is the output of the portrait stage.
type Portrait struct {
	Image Media `json:"image"`
}

// PersonaDetails is the output of the persona stage.
type PersonaDetails struct {
	Name      string `json:"name"`
	Backstory string `json:"backstory"`
}

// Animation is the output of the animation stage.
type Animation struct {
	Video Media `json:"video"`
}

// PersonaBundle is the only artifact handed to the presentation layer. Video is
// nil when animation was not requested or degraded.
type PersonaBundle struct {
	Era       string `json:"era"`
	Portrait  Media  `json:"portrait"`
	Name      string `json:"name"`
	Backstory string `json:"backstory"`
	Video     *Media `json:"video,omitempty"`
}

// HasVideo reports whether the bundle carries an animation clip.
func (b *PersonaBundle) HasVideo() bool {
	return b != nil && b.Video != nil && !b.Video.Empty()
}
