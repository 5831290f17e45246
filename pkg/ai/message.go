package ai

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType distinguishes text parts from image parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ImageSource describes how the bytes of an image part are referenced.
type ImageSource string

const (
	ImageSourceURL     ImageSource = "url"
	ImageSourceDataURL ImageSource = "data_url"
	ImageSourceBase64  ImageSource = "base64"
	ImageSourceFileURI ImageSource = "file_uri"
	ImageSourceFileID  ImageSource = "file_id"
)

// Valid reports whether s is one of the known image source types.
func (s ImageSource) Valid() bool {
	switch s {
	case ImageSourceURL, ImageSourceDataURL, ImageSourceBase64, ImageSourceFileURI, ImageSourceFileID:
		return true
	}
	return false
}

// Part is a single piece of message content.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	// Image fields. Data holds the URL, data URL, base64 payload, file URI
	// or file id depending on SourceType.
	SourceType ImageSource `json:"source_type,omitempty"`
	Data       string      `json:"data,omitempty"`
	MIMEType   string      `json:"mime_type,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart returns an image part.
func ImagePart(source ImageSource, data, mimeType string) Part {
	return Part{Type: PartImage, SourceType: source, Data: data, MIMEType: mimeType}
}

// LocalMessage is the provider-neutral representation of a chat turn.
type LocalMessage struct {
	Role   Role           `json:"role"`
	Parts  []Part         `json:"parts"`
	TurnID string         `json:"turn_id,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Text joins all text parts of the message with newlines.
func (m LocalMessage) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the image parts of the message in order.
func (m LocalMessage) Images() []Part {
	var images []Part
	for _, p := range m.Parts {
		if p.Type == PartImage {
			images = append(images, p)
		}
	}
	return images
}

// HasImages reports whether the message carries at least one image part.
func (m LocalMessage) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) LocalMessage {
	return LocalMessage{Role: role, Parts: []Part{TextPart(text)}}
}

// NormalizeMessage validates and repairs a message. Empty text parts are
// dropped, image parts get a resolved source type and MIME type. The returned
// bool is false when nothing usable is left.
func NormalizeMessage(msg LocalMessage) (LocalMessage, bool, error) {
	role := Role(strings.ToLower(strings.TrimSpace(string(msg.Role))))
	out := LocalMessage{
		Role:   role,
		TurnID: msg.TurnID,
		Meta:   msg.Meta,
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case PartText, "":
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			out.Parts = append(out.Parts, TextPart(p.Text))
		case PartImage:
			img, err := normalizeImage(p)
			if err != nil {
				return LocalMessage{}, false, err
			}
			out.Parts = append(out.Parts, img)
		default:
			return LocalMessage{}, false, fmt.Errorf("unsupported part type: %s", p.Type)
		}
	}

	return out, len(out.Parts) > 0, nil
}

func normalizeImage(p Part) (Part, error) {
	data := strings.TrimSpace(p.Data)
	if data == "" {
		return Part{}, fmt.Errorf("image part has no data")
	}

	source := p.SourceType
	if source == "" {
		source = detectImageSource(data)
	}
	if !source.Valid() {
		return Part{}, fmt.Errorf("unsupported image source type: %q", source)
	}

	mimeType := strings.TrimSpace(p.MIMEType)
	switch source {
	case ImageSourceDataURL:
		parsedMIME, _, err := ParseDataURL(data)
		if err != nil {
			return Part{}, err
		}
		if mimeType == "" {
			mimeType = parsedMIME
		}
	case ImageSourceBase64:
		if mimeType == "" {
			mimeType = sniffBase64MIME(data)
		}
		if mimeType == "" {
			return Part{}, fmt.Errorf("base64 image requires a mime type")
		}
	case ImageSourceURL, ImageSourceFileURI:
		if mimeType == "" {
			mimeType = mimeFromPath(data)
		}
	}

	return ImagePart(source, data, mimeType), nil
}

func detectImageSource(data string) ImageSource {
	lower := strings.ToLower(data)
	switch {
	case strings.HasPrefix(lower, "data:"):
		return ImageSourceDataURL
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return ImageSourceURL
	case strings.HasPrefix(lower, "gs://"), strings.Contains(lower, "generativelanguage.googleapis.com/"):
		return ImageSourceFileURI
	case strings.HasPrefix(lower, "file-"):
		return ImageSourceFileID
	default:
		return ImageSourceBase64
	}
}

// ParseDataURL splits a base64 data URL into its MIME type and payload.
func ParseDataURL(dataURL string) (mimeType, payload string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return "", "", fmt.Errorf("invalid data url: missing data: prefix")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("invalid data url: missing payload")
	}
	header, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", "", fmt.Errorf("invalid data url: only base64 payloads are supported")
	}
	mimeType = strings.TrimSpace(header)
	if mimeType == "" {
		return "", "", fmt.Errorf("invalid data url: missing mime type")
	}
	return mimeType, payload, nil
}

// DataURL builds a base64 data URL.
func DataURL(mimeType, payload string) string {
	return "data:" + mimeType + ";base64," + payload
}

// ImageBase64 returns the MIME type and raw base64 payload of a data_url or
// base64 image part.
func ImageBase64(p Part) (string, string, error) {
	switch p.SourceType {
	case ImageSourceDataURL:
		mimeType, payload, err := ParseDataURL(p.Data)
		if err != nil {
			return "", "", err
		}
		if p.MIMEType != "" {
			mimeType = p.MIMEType
		}
		return mimeType, payload, nil
	case ImageSourceBase64:
		return p.MIMEType, p.Data, nil
	default:
		return "", "", fmt.Errorf("image source %s has no inline payload", p.SourceType)
	}
}

// ImageURLOrDataURL returns a URL suitable for vendors that accept either a
// remote URL or an inline data URL.
func ImageURLOrDataURL(p Part) (string, error) {
	switch p.SourceType {
	case ImageSourceURL, ImageSourceDataURL:
		return p.Data, nil
	case ImageSourceBase64:
		return DataURL(p.MIMEType, p.Data), nil
	default:
		return "", fmt.Errorf("image source %s cannot be expressed as a url", p.SourceType)
	}
}

var base64Signatures = []struct {
	prefix   string
	mimeType string
}{
	{"iVBORw0KGgo", "image/png"},
	{"/9j/", "image/jpeg"},
	{"R0lGOD", "image/gif"},
	{"UklGR", "image/webp"},
}

func sniffBase64MIME(data string) string {
	for _, sig := range base64Signatures {
		if strings.HasPrefix(data, sig.prefix) {
			return sig.mimeType
		}
	}
	return ""
}

func mimeFromPath(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}
