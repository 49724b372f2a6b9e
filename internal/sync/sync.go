// Package sync drains unsynced daily-log records to the remote endpoint.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/chmdznr/offline-daylog/pkg/models"
	"github.com/chmdznr/offline-daylog/pkg/utils"
)

// ErrSubmit marks a per-record submission failure.
var ErrSubmit = errors.New("submission failed")

// reservedFields are local bookkeeping and never leave the device.
var reservedFields = map[string]bool{
	"id":         true,
	"synced":     true,
	"timestamp":  true,
	"client_key": true,
}

// RecordStore is the part of the durable store the reconciler needs.
type RecordStore interface {
	GetUnsyncedRecords(ctx context.Context) ([]models.DailyLog, error)
	MarkSynced(ctx context.Context, id int64) error
}

// Submission is the outbound form for one record.
type Submission struct {
	Date      string
	Form      url.Values
	ClientKey string
}

// Submitter delivers a submission to the remote endpoint. A nil error means
// the endpoint confirmed acceptance.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) error
}

// ReconcilerConfig holds configuration for the reconciler
type ReconcilerConfig struct {
	ShowProgress bool
	Logger       *log.Logger
}

// DefaultReconcilerConfig returns default reconciler configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Result summarises one reconciliation pass.
type Result struct {
	Attempted int
	Synced    int
	Failed    int
	Skipped   bool // offline, nothing attempted
	Elapsed   time.Duration
}

func (r Result) String() string {
	if r.Skipped {
		return "offline, sync skipped"
	}
	return fmt.Sprintf("%d attempted, %d synced, %d failed in %s",
		r.Attempted, r.Synced, r.Failed, utils.FormatDuration(r.Elapsed))
}

// Reconciler pushes unsynced records one at a time and marks each synced
// only after the submitter confirms it. It holds no lock: overlapping runs
// may submit the same record twice.
type Reconciler struct {
	store        RecordStore
	submitter    Submitter
	online       func() bool
	logger       *log.Logger
	showProgress bool
}

// NewReconciler creates a reconciler. A nil online predicate means always online.
func NewReconciler(store RecordStore, submitter Submitter, online func() bool, config *ReconcilerConfig) *Reconciler {
	if config == nil {
		defaultConfig := DefaultReconcilerConfig()
		config = &defaultConfig
	}
	if online == nil {
		online = func() bool { return true }
	}
	logger := config.Logger
	if logger == nil {
		logger = DefaultReconcilerConfig().Logger
	}

	return &Reconciler{
		store:        store,
		submitter:    submitter,
		online:       online,
		logger:       logger,
		showProgress: config.ShowProgress,
	}
}

// Reconcile performs one pass over the unsynced set. Per-record failures are
// logged and counted; only failing to read the unsynced set is an error.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	if !r.online() {
		return Result{Skipped: true}, nil
	}

	start := time.Now()
	records, err := r.store.GetUnsyncedRecords(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load unsynced records: %w", err)
	}

	var bar *pb.ProgressBar
	if r.showProgress && len(records) > 0 {
		bar = pb.New(len(records))
		bar.SetTemplate(`Syncing {{counters . }} {{bar . }} {{percent . }}`)
		bar.Start()
		defer bar.Finish()
	}

	var res Result
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		if err := r.submitter.Submit(ctx, outbound(rec)); err != nil {
			res.Failed++
			r.logger.Printf("WARNING: Failed to sync record %d (%s): %v", rec.ID, rec.Date, err)
		} else if err := r.store.MarkSynced(ctx, rec.ID); err != nil {
			res.Failed++
			r.logger.Printf("WARNING: Record %d accepted but not marked synced: %v", rec.ID, err)
		} else {
			res.Synced++
		}

		if bar != nil {
			bar.Increment()
		}
	}

	res.Elapsed = time.Since(start)
	if res.Attempted > 0 {
		r.logger.Printf("Sync complete: %s", res)
	}
	return res, nil
}

// outbound builds the submission for rec, dropping local bookkeeping.
func outbound(rec models.DailyLog) Submission {
	form := url.Values{}
	form.Set("date", rec.Date)
	for k, v := range rec.Fields {
		if reservedFields[strings.ToLower(k)] || k == "date" {
			continue
		}
		form.Set(k, v)
	}
	return Submission{Date: rec.Date, Form: form, ClientKey: rec.ClientKey}
}
