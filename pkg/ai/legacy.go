package ai

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseLegacyHistory decodes a stored conversation. It accepts a bare JSON
// array of messages or an object with a "messages" array. Each entry may use
// any of the shapes understood by ParseLegacyMessage.
func ParseLegacyHistory(raw []byte) ([]LocalMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("history is not valid json")
	}

	root := gjson.ParseBytes(raw)
	if root.IsObject() {
		root = root.Get("messages")
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("history must be a json array or an object with a messages array")
	}

	entries := root.Array()
	messages := make([]LocalMessage, 0, len(entries))
	for i, entry := range entries {
		msg, err := parseLegacyResult(entry)
		if err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ParseLegacyMessage decodes one message stored in an older or
// vendor-specific shape: plain string content, OpenAI content arrays,
// Anthropic image blocks, Gemini parts, or a loose "images" list.
func ParseLegacyMessage(raw []byte) (LocalMessage, error) {
	if !gjson.ValidBytes(raw) {
		return LocalMessage{}, fmt.Errorf("message is not valid json")
	}
	return parseLegacyResult(gjson.ParseBytes(raw))
}

func parseLegacyResult(entry gjson.Result) (LocalMessage, error) {
	if !entry.IsObject() {
		return LocalMessage{}, fmt.Errorf("message must be a json object")
	}

	msg := LocalMessage{
		Role:   legacyRole(entry.Get("role").String()),
		TurnID: firstString(entry, "turn_id", "turnId", "turnID"),
	}
	if meta, ok := entry.Get("meta").Value().(map[string]any); ok {
		msg.Meta = meta
	}

	content := entry.Get("content")
	switch {
	case content.Type == gjson.String:
		msg.Parts = append(msg.Parts, TextPart(content.String()))
	case content.IsArray():
		parts, err := parseLegacyParts(content)
		if err != nil {
			return LocalMessage{}, err
		}
		msg.Parts = append(msg.Parts, parts...)
	}

	if parts := entry.Get("parts"); parts.IsArray() {
		converted, err := parseLegacyParts(parts)
		if err != nil {
			return LocalMessage{}, err
		}
		msg.Parts = append(msg.Parts, converted...)
	}

	if text := entry.Get("text"); text.Type == gjson.String && len(msg.Parts) == 0 {
		msg.Parts = append(msg.Parts, TextPart(text.String()))
	}

	for _, img := range entry.Get("images").Array() {
		if img.Type != gjson.String {
			continue
		}
		msg.Parts = append(msg.Parts, Part{Type: PartImage, Data: img.String()})
	}

	return msg, nil
}

func parseLegacyParts(parts gjson.Result) ([]Part, error) {
	var out []Part
	for _, item := range parts.Array() {
		if item.Type == gjson.String {
			out = append(out, TextPart(item.String()))
			continue
		}
		part, ok, err := parseLegacyPart(item)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, part)
		}
	}
	return out, nil
}

func parseLegacyPart(item gjson.Result) (Part, bool, error) {
	kind := strings.ToLower(item.Get("type").String())
	switch kind {
	case "text", "input_text", "output_text":
		return TextPart(item.Get("text").String()), true, nil
	case "image_url":
		url := item.Get("image_url.url")
		if !url.Exists() {
			url = item.Get("image_url")
		}
		return Part{Type: PartImage, Data: url.String()}, true, nil
	case "input_image":
		if fileID := item.Get("file_id").String(); fileID != "" {
			return ImagePart(ImageSourceFileID, fileID, ""), true, nil
		}
		return Part{Type: PartImage, Data: item.Get("image_url").String()}, true, nil
	case "image":
		return parseLegacyImageBlock(item)
	case "thinking", "reasoning", "redacted_thinking":
		return Part{}, false, nil
	}

	if inline := firstResult(item, "inline_data", "inlineData"); inline.Exists() {
		mimeType := firstString(inline, "mime_type", "mimeType")
		return ImagePart(ImageSourceBase64, inline.Get("data").String(), mimeType), true, nil
	}
	if file := firstResult(item, "file_data", "fileData"); file.Exists() {
		mimeType := firstString(file, "mime_type", "mimeType")
		return ImagePart(ImageSourceFileURI, firstString(file, "file_uri", "fileUri"), mimeType), true, nil
	}
	if text := item.Get("text"); text.Exists() {
		if item.Get("thought").Bool() {
			return Part{}, false, nil
		}
		return TextPart(text.String()), true, nil
	}

	return Part{}, false, fmt.Errorf("unrecognized content part: %s", truncateForError(item.Raw))
}

func parseLegacyImageBlock(item gjson.Result) (Part, bool, error) {
	source := item.Get("source")
	if !source.Exists() {
		if url := item.Get("url").String(); url != "" {
			return ImagePart(ImageSourceURL, url, ""), true, nil
		}
		return Part{Type: PartImage, Data: item.Get("data").String(), MIMEType: item.Get("mime_type").String()}, true, nil
	}

	switch source.Get("type").String() {
	case "base64":
		return ImagePart(ImageSourceBase64, source.Get("data").String(), source.Get("media_type").String()), true, nil
	case "url":
		return ImagePart(ImageSourceURL, source.Get("url").String(), ""), true, nil
	case "file":
		return ImagePart(ImageSourceFileID, source.Get("file_id").String(), ""), true, nil
	default:
		return Part{}, false, fmt.Errorf("unsupported image block source: %q", source.Get("type").String())
	}
}

func legacyRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "model", "bot", "ai", "assistant":
		return RoleAssistant
	case "human", "user":
		return RoleUser
	default:
		return Role(strings.ToLower(strings.TrimSpace(role)))
	}
}

func firstResult(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, paths ...string) string {
	return firstResult(r, paths...).String()
}

func truncateForError(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
