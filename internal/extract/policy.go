// Package extract turns artifacts and URLs into plain text. A content-type
// driven policy picks one of three engines: document (PDF and office
// formats), web (URLs and HTML) and media (audio and video, which yield an
// audio track for transcription).
package extract

import (
	"mime"
	"path/filepath"
	"strings"
)

// Engine names an extraction engine.
type Engine string

const (
	EngineNone     Engine = ""
	EngineDocument Engine = "document"
	EngineWeb      Engine = "web"
	EngineMedia    Engine = "media"
)

const (
	TypePDF  = "application/pdf"
	TypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	TypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	TypeHTML = "text/html"
	TypeText = "text/plain"
)

var extensionTypes = map[string]string{
	".pdf":  TypePDF,
	".docx": TypeDOCX,
	".pptx": TypePPTX,
	".xlsx": TypeXLSX,
	".html": TypeHTML,
	".htm":  TypeHTML,
	".txt":  TypeText,
	".md":   "text/markdown",
	".rst":  TypeText,
	".csv":  "text/csv",
	".json": "application/json",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// ResolveContentType normalizes a content-type hint, falling back to the
// filename extension when the hint is empty or generic.
func ResolveContentType(hint, filename string) string {
	ct := ""
	if hint != "" {
		if mt, _, err := mime.ParseMediaType(hint); err == nil {
			ct = strings.ToLower(mt)
		}
	}
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return ct
}

// SelectEngine applies the engine selection policy. URLs always go to the
// web engine; otherwise the resolved content type decides. EngineNone
// means the type is unsupported.
func SelectEngine(contentType string, isURL bool) Engine {
	if isURL {
		return EngineWeb
	}
	switch {
	case strings.HasPrefix(contentType, "audio/"), strings.HasPrefix(contentType, "video/"):
		return EngineMedia
	case contentType == TypeHTML, contentType == "application/xhtml+xml":
		return EngineWeb
	case contentType == TypePDF, contentType == TypeDOCX, contentType == TypePPTX, contentType == TypeXLSX:
		return EngineDocument
	case strings.HasPrefix(contentType, "text/"), contentType == "application/json":
		return EngineDocument
	}
	return EngineNone
}

// IsMedia reports whether contentType is routed through transcription.
func IsMedia(contentType string) bool {
	return SelectEngine(contentType, false) == EngineMedia
}
