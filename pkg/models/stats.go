package models

import "time"

// Stats represents local queue statistics
type Stats struct {
	TotalRecords   int64
	SyncedRecords  int64
	PendingRecords int64
	OldestPending  time.Time // zero when nothing is pending
}
