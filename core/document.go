package core

import "time"

// Document is an uploaded file whose text has already been extracted.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType,omitempty"`
	Content    string    `json:"content"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// DocumentHit is one chunk returned by a document search.
type DocumentHit struct {
	DocumentID string  `json:"documentId"`
	Name       string  `json:"name"`
	Chunk      string  `json:"chunk"`
	Score      float64 `json:"score"`
}
