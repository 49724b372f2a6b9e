package models

import "time"

// DailyLog is a single check-in entry as held in the local store.
type DailyLog struct {
	ID        int64
	Date      string
	Fields    map[string]string
	Synced    bool
	Timestamp time.Time
	ClientKey string
}

// Setting is a key-unique user preference.
type Setting struct {
	Key   string
	Value string
}
