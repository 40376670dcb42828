package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mcsync/internal/config"
	"mcsync/internal/ics"
	"mcsync/internal/keylock"
	appLog "mcsync/internal/log"
	"mcsync/internal/model"
	"mcsync/internal/store"
)

// Fetcher supplies the raw body of a feed. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, feed ics.Feed) (ics.FetchResult, error)
}

// Options tune a sync run.
type Options struct {
	// DryRun computes reports without writing to the store.
	DryRun bool
}

// FeedResult is the outcome of importing one feed.
type FeedResult struct {
	FeedID    string       `json:"feed_id"`
	FromCache bool         `json:"from_cache"`
	Stats     ics.Stats    `json:"stats"`
	Truncated []string     `json:"truncated,omitempty"`
	Suspect   int          `json:"suspect"`
	Report    model.Report `json:"report"`
	// Error is set when the feed could not be fetched or parsed; its
	// slots were left untouched.
	Error string `json:"error,omitempty"`
}

// PropertyResult aggregates the feeds of one property.
type PropertyResult struct {
	PropertyID int64        `json:"property_id"`
	DryRun     bool         `json:"dry_run"`
	Report     model.Report `json:"report"`
	Feeds      []FeedResult `json:"feeds"`
	Error      string       `json:"error,omitempty"`
}

// FailedFeeds counts feeds skipped because of fetch or parse errors.
func (r PropertyResult) FailedFeeds() int {
	n := 0
	for _, f := range r.Feeds {
		if f.Error != "" {
			n++
		}
	}
	return n
}

// RunResult aggregates one SyncAll run.
type RunResult struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration_ns"`
	Total      model.Report     `json:"total"`
	Properties []PropertyResult `json:"properties"`
}

// Syncer runs fetch, parse, reconcile and merge for configured properties.
// Runs for the same property are serialized; different properties run in
// parallel up to the configured concurrency.
type Syncer struct {
	store       store.Store
	fetcher     Fetcher
	properties  []config.PropertyConfig
	expand      config.ExpandConfig
	concurrency int
	locks       keylock.Map

	now func() time.Time
}

// New builds a Syncer over the properties of cfg.
func New(st store.Store, f Fetcher, cfg *config.Config) *Syncer {
	concurrency := cfg.SyncConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Syncer{
		store:       st,
		fetcher:     f,
		properties:  cfg.Properties,
		expand:      cfg.Expand,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SyncProperty imports every feed of one property.
func (s *Syncer) SyncProperty(ctx context.Context, propertyID int64, opts Options) (PropertyResult, error) {
	p, ok := s.property(propertyID)
	if !ok {
		return PropertyResult{PropertyID: propertyID}, fmt.Errorf("%w: %d", store.ErrUnknownProperty, propertyID)
	}
	return s.syncProperty(ctx, uuid.NewString(), p, opts)
}

// SyncAll imports every configured property. A store failure on one
// property does not stop the others; all such failures are joined into the
// returned error.
func (s *Syncer) SyncAll(ctx context.Context, opts Options) (RunResult, error) {
	run := RunResult{
		RunID:      uuid.NewString(),
		StartedAt:  s.now().UTC(),
		Properties: make([]PropertyResult, len(s.properties)),
	}
	appLog.Info("sync run start", "run_id", run.RunID, "properties", len(s.properties), "dry_run", opts.DryRun)

	errs := make([]error, len(s.properties))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, p := range s.properties {
		g.Go(func() error {
			res, err := s.syncProperty(ctx, run.RunID, p, opts)
			run.Properties[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("property %d: %w", p.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, pr := range run.Properties {
		run.Total.Add(pr.Report)
	}
	run.Duration = s.now().UTC().Sub(run.StartedAt)

	err := errors.Join(errs...)
	appLog.Info("sync run done",
		"run_id", run.RunID,
		"added", run.Total.Added,
		"updated", run.Total.Updated,
		"removed", run.Total.Removed,
		"skipped", run.Total.Skipped,
		"duration", run.Duration.String(),
		"failed", err != nil,
	)
	return run, err
}

func (s *Syncer) property(id int64) (config.PropertyConfig, bool) {
	for _, p := range s.properties {
		if p.ID == id {
			return p, true
		}
	}
	return config.PropertyConfig{}, false
}

func (s *Syncer) syncProperty(ctx context.Context, runID string, p config.PropertyConfig, opts Options) (PropertyResult, error) {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	res := PropertyResult{PropertyID: p.ID, DryRun: opts.DryRun, Feeds: make([]FeedResult, 0, len(p.Feeds))}
	for _, f := range p.Feeds {
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			return res, err
		}
		fr, err := s.syncFeed(ctx, runID, p.ID, f, opts)
		res.Feeds = append(res.Feeds, fr)
		if err != nil {
			appLog.Error("sync store failure", err, "run_id", runID, "property_id", p.ID, "feed", f.ID)
			res.Error = err.Error()
			return res, err
		}
		res.Report.Add(fr.Report)
	}

	appLog.Info("sync property done",
		"run_id", runID,
		"property_id", p.ID,
		"feeds", len(p.Feeds),
		"failed_feeds", res.FailedFeeds(),
		"added", res.Report.Added,
		"updated", res.Report.Updated,
		"removed", res.Report.Removed,
		"skipped", res.Report.Skipped,
		"dry_run", opts.DryRun,
	)
	return res, nil
}

// syncFeed returns an error only for store failures. Fetch and parse
// problems are recorded in the result and leave the feed's slots alone.
func (s *Syncer) syncFeed(ctx context.Context, runID string, propertyID int64, f config.FeedConfig, opts Options) (FeedResult, error) {
	fr := FeedResult{FeedID: f.ID}

	fetched, err := s.fetcher.Fetch(ctx, ics.Feed{ID: f.ID, URL: f.URL})
	if err != nil {
		appLog.Error("sync fetch failed", err, "run_id", runID, "property_id", propertyID, "feed", f.ID, "url", ics.RedactURL(f.URL))
		fr.Error = err.Error()
		return fr, nil
	}
	fr.FromCache = fetched.FromCache

	var raw []model.RawEvent
	if f.Parser == config.ParserStrict {
		raw, err = ics.ParseStrict(string(fetched.Body))
		if err != nil {
			appLog.Error("sync strict parse failed", err, "run_id", runID, "property_id", propertyID, "feed", f.ID)
			fr.Error = err.Error()
			return fr, nil
		}
	} else {
		raw = ics.Parse(string(fetched.Body))
	}

	winners, stats := ics.Winners(raw)
	fr.Stats = stats
	appLog.Info("sync feed parsed",
		"run_id", runID,
		"property_id", propertyID,
		"feed", f.ID,
		"total_raw", stats.TotalRaw,
		"with_uid", stats.WithUID,
		"without_uid", stats.WithoutUID,
		"cancelled", stats.Cancelled,
		"final", stats.Final,
	)

	if f.ExpandRecurring {
		now := s.now().UTC()
		expanded, err := ics.ExpandRecurring(winners, ics.ExpandConfig{
			RangeStart:             now.AddDate(0, 0, -s.expand.BackfillDays),
			RangeEnd:               now.AddDate(0, 0, s.expand.HorizonDays),
			MaxOccurrencesPerEvent: s.expand.MaxOccurrences,
		})
		if err != nil {
			appLog.Error("sync expand failed", err, "run_id", runID, "property_id", propertyID, "feed", f.ID)
			fr.Error = err.Error()
			return fr, nil
		}
		winners = expanded.Events
		fr.Truncated = expanded.TruncatedEvents
	}

	events := ics.Canonicalize(winners)
	for _, ev := range events {
		if ev.Suspect() {
			fr.Suspect++
			appLog.Warn("suspect event kept",
				"run_id", runID,
				"property_id", propertyID,
				"feed", f.ID,
				"uid", ev.UID,
				"start", ev.Start,
				"end", ev.End,
			)
		}
	}

	rep, err := ApplyFeed(ctx, s.store, propertyID, f.ID, events, opts.DryRun)
	if err != nil {
		return fr, fmt.Errorf("merge feed %s: %w", f.ID, err)
	}
	fr.Report = rep

	appLog.Debug("sync feed merged",
		"run_id", runID,
		"property_id", propertyID,
		"feed", f.ID,
		"added", rep.Added,
		"updated", rep.Updated,
		"removed", rep.Removed,
		"skipped", rep.Skipped,
	)
	return fr, nil
}
