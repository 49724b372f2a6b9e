package models

import (
	"net/http"
	"time"
)

// CacheVersion describes one named snapshot of the application shell.
type CacheVersion struct {
	Name      string
	CreatedAt time.Time
	Active    bool
	Entries   int64
	Size      int64
}

// CacheEntry is a stored response for a single manifest URL.
type CacheEntry struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
	Digest string
}
