package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/gisement-io/gisement/internal/source"
	"github.com/gisement-io/gisement/internal/target"
	"github.com/google/uuid"
)

// DefaultBatchSize is the number of records a batch picks up when the caller
// does not say.
const DefaultBatchSize = 5

// Event reports the progress of one record.
type Event struct {
	RunID    string
	SourceID string
	Name     string
	Status   string // "started", "published", "failed"
	Action   ir.Action
	Duration time.Duration
	Error    error
}

// EventCallback is called for each event if set.
type EventCallback func(event Event)

// AssetRewriter maps a source attachment URL to the URL sent to the target.
type AssetRewriter func(sourceURL string) string

// ProxyRewriter routes asset URLs through the image proxy served at
// <proto>://<host>/api/sync.
func ProxyRewriter(proto, host string) AssetRewriter {
	if proto == "" {
		proto = "https"
	}
	base := proto + "://" + host + "/api/sync?"
	return func(sourceURL string) string {
		return base + url.Values{"proxy_url": {sourceURL}}.Encode()
	}
}

// ReportStore persists batch reports.
type ReportStore interface {
	Save(ctx context.Context, result *ir.BatchResult) error
}

// Orchestrator drives a batch: select eligible records, sync them one at a
// time and write the outcome back to the source store.
type Orchestrator struct {
	Source source.Store
	Table  *ir.FieldTable
	// Collection is the target collection of the records.
	Collection string
	// Collections maps logical collection names used by references to ids.
	Collections map[string]string

	Mapper      *Mapper
	Resolver    *Resolver
	Provisioner *Provisioner
	Reconciler  *Reconciler

	// Locker, when set, is held for the whole batch.
	Locker Locker
	// Reports, when set, receives every batch that processed records.
	Reports ReportStore
}

// NewOrchestrator wires the default components around a source and a target.
func NewOrchestrator(src source.Store, dst target.Store, table *ir.FieldTable, collection string, collections map[string]string, settle SettlePolicy) *Orchestrator {
	return &Orchestrator{
		Source:      src,
		Table:       table,
		Collection:  collection,
		Collections: collections,
		Mapper:      NewMapper(table),
		Resolver:    NewResolver(dst),
		Provisioner: NewProvisioner(dst, settle),
		Reconciler:  NewReconciler(dst),
	}
}

type runSettings struct {
	rewrite  AssetRewriter
	callback EventCallback
	log      *logging.BatchLog
	runID    string
}

// RunOption customizes one RunBatch call.
type RunOption func(*runSettings)

// WithAssetRewriter rewrites attachment URLs before they are sent.
func WithAssetRewriter(fn AssetRewriter) RunOption {
	return func(s *runSettings) { s.rewrite = fn }
}

// WithEvents delivers progress events to fn.
func WithEvents(fn EventCallback) RunOption {
	return func(s *runSettings) { s.callback = fn }
}

// WithBatchLog collects the batch log lines into log.
func WithBatchLog(log *logging.BatchLog) RunOption {
	return func(s *runSettings) { s.log = log }
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(s *runSettings) { s.runID = id }
}

var eligibleStates = []ir.SyncState{ir.StatePending, ir.StateUpdateRequested}

// RunBatch syncs up to maxRecords eligible records. A record failure is
// recorded on its result and never stops the batch; the returned error is
// reserved for failures of the batch itself, such as the initial query.
func (o *Orchestrator) RunBatch(ctx context.Context, maxRecords int, opts ...RunOption) (*ir.BatchResult, error) {
	s := runSettings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.runID == "" {
		s.runID = newRunID()
	}
	if s.log == nil {
		s.log = logging.NewBatchLog(s.runID)
	}
	if maxRecords <= 0 {
		maxRecords = DefaultBatchSize
	}

	result := &ir.BatchResult{RunID: s.runID, StartedAt: time.Now().UTC()}
	finish := func() *ir.BatchResult {
		result.FinishedAt = time.Now().UTC()
		result.Logs = s.log.Lines()
		return result
	}

	if o.Locker != nil {
		release, err := o.Locker.Acquire(ctx, "batch/"+o.Collection)
		if err != nil {
			s.log.Errorf("another batch is running: %v", err)
			return finish(), fmt.Errorf("acquire batch lock: %w", err)
		}
		defer release()
	}

	s.log.Infof("Looking for records to sync")
	records, err := o.Source.Select(ctx, source.Query{States: eligibleStates, Limit: maxRecords})
	if err != nil {
		s.log.Errorf("Global error: %v", err)
		return finish(), fmt.Errorf("select eligible records: %w", err)
	}
	if len(records) == 0 {
		s.log.Infof("Nothing to sync.")
		return finish(), nil
	}
	s.log.Infof("%d record(s) to sync", len(records))

	var interrupted error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			s.log.Warnf("Batch interrupted before %s: %v", rec.ID, err)
			interrupted = err
			break
		}
		result.Records = append(result.Records, o.syncRecord(context.WithoutCancel(ctx), rec, &s))
	}

	s.log.Infof("Batch finished: %d published, %d failed", result.Published(), result.Failed())
	finish()

	if o.Reports != nil {
		if err := o.Reports.Save(context.WithoutCancel(ctx), result); err != nil {
			logging.Warn("failed to save batch report", "run_id", s.runID, "error", err)
		}
	}
	if interrupted != nil {
		return result, fmt.Errorf("batch interrupted: %w", interrupted)
	}
	return result, nil
}

// syncRecord runs one record to its terminal state and writes it back. ctx
// must not be cancelled midway: an item created without its write-back would
// be created again by the next batch.
func (o *Orchestrator) syncRecord(ctx context.Context, rec *ir.SourceRecord, s *runSettings) (rr ir.RecordResult) {
	start := time.Now()
	name := o.Mapper.Name(rec)
	rr = ir.RecordResult{SourceID: rec.ID, Name: name}
	emit := func(ev Event) {
		if s.callback != nil {
			ev.RunID, ev.SourceID, ev.Name = s.runID, rec.ID, name
			s.callback(ev)
		}
	}
	emit(Event{Status: "started"})
	s.log.Infof("Processing %q (%s)", name, rec.ID)

	outcome, slug, err := o.publish(ctx, rec, name, s, &rr)
	if err != nil {
		rr.State = ir.StateError
		rr.Error = err.Error()
		s.log.Errorf("Failed %q: %v", name, err)
		if werr := o.Source.Update(ctx, rec.ID, source.Patch{State: ir.StateError}); werr != nil {
			s.log.Errorf("Could not mark %s as failed: %v", rec.ID, werr)
			rr.Warnings = append(rr.Warnings, "write-back failed: "+werr.Error())
		}
		emit(Event{Status: "failed", Duration: time.Since(start), Error: err})
		return rr
	}

	rr.State = ir.StatePublished
	rr.ItemID = outcome.ItemID
	rr.Slug = slug
	rr.Action = outcome.Action
	s.log.Infof("Published %q as %s (%s)", name, outcome.ItemID, outcome.Action)
	if werr := o.Source.Update(ctx, rec.ID, source.Patch{State: ir.StatePublished, ItemID: outcome.ItemID, Slug: slug}); werr != nil {
		s.log.Errorf("Could not write back %s: %v", rec.ID, werr)
		rr.Warnings = append(rr.Warnings, "write-back failed: "+werr.Error())
	}
	emit(Event{Status: "published", Action: outcome.Action, Duration: time.Since(start)})
	return rr
}

// publish builds the payload of rec and upserts it. Panics are turned into
// errors so one record never takes the batch down.
func (o *Orchestrator) publish(ctx context.Context, rec *ir.SourceRecord, name string, s *runSettings, rr *ir.RecordResult) (outcome ir.Outcome, slug string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while syncing %s: %v", rec.ID, r)
		}
	}()

	if name == "" {
		return ir.Outcome{}, "", fmt.Errorf("record has no %q", o.Table.NameField)
	}
	slug = o.Mapper.Slug(rec)

	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		rr.Warnings = append(rr.Warnings, msg)
		s.log.Warnf("%s", msg)
	}

	extras := ir.Payload{"name": name, "slug": slug}
	o.resolveReferences(ctx, rec, extras, warn)
	o.resolveOptions(ctx, rec, extras, warn)
	o.mapAssets(rec, extras, s.rewrite)

	payload := o.Mapper.Map(rec, extras)
	keys := payload.Keys()
	sort.Strings(keys)
	s.log.Infof("Fields included: %s", strings.Join(keys, ", "))

	outcome, err = o.Reconciler.Upsert(ctx, o.Collection, o.Mapper.CachedID(rec), payload)
	if err != nil {
		return ir.Outcome{}, slug, err
	}
	if outcome.Action == ir.ActionRecreate {
		s.log.Warnf("Cached item of %q was gone, recreated as %s", name, outcome.ItemID)
	}
	return outcome, slug, nil
}

func (o *Orchestrator) resolveReferences(ctx context.Context, rec *ir.SourceRecord, extras ir.Payload, warn func(string, ...any)) {
	for _, ref := range o.Table.References {
		collectionID := o.Collections[ref.Collection]
		names := o.referenceNames(ctx, rec, ref, warn)
		if !ref.Multiple && len(names) > 1 {
			names = names[:1]
		}

		var ids []string
		for _, n := range names {
			res := o.Resolver.Resolve(ctx, collectionID, n)
			switch res.Status {
			case ir.Resolved:
				ids = append(ids, res.ID)
			case ir.Failed:
				warn("%s %q omitted: %v", ref.Target, n, res.Err)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if ref.Multiple {
			extras[ref.Target] = ids
		} else {
			extras[ref.Target] = ids[0]
		}
	}
}

// referenceNames returns the display names a reference points at. Linked
// record ids are looked up in the reference's table.
func (o *Orchestrator) referenceNames(ctx context.Context, rec *ir.SourceRecord, ref ir.ReferenceMapping, warn func(string, ...any)) []string {
	values := rec.Strings(ref.Source)
	if ref.Table == "" {
		return values
	}
	if !ref.Multiple && len(values) > 1 {
		values = values[:1]
	}

	names := make([]string, 0, len(values))
	for _, id := range values {
		linked, err := o.Source.Find(ctx, ref.Table, id)
		if err != nil {
			if errors.Is(err, source.ErrNotFound) {
				warn("%s: linked record %s not found", ref.Target, id)
			} else {
				warn("%s: reading linked record %s: %v", ref.Target, id, err)
			}
			continue
		}
		for _, attr := range ref.NameFields {
			if n := linked.String(attr); n != "" {
				names = append(names, n)
				break
			}
		}
	}
	return names
}

func (o *Orchestrator) resolveOptions(ctx context.Context, rec *ir.SourceRecord, extras ir.Payload, warn func(string, ...any)) {
	for _, opt := range o.Table.Options {
		value := rec.String(opt.Source)
		res := o.Provisioner.EnsureOption(ctx, o.Collection, opt.Target, value)
		switch res.Status {
		case ir.Resolved:
			extras[opt.Target] = res.ID
		case ir.Failed:
			warn("%s %q omitted: %v", opt.Target, value, res.Err)
		}
	}
}

func (o *Orchestrator) mapAssets(rec *ir.SourceRecord, extras ir.Payload, rewrite AssetRewriter) {
	link := func(u string) map[string]any {
		if rewrite != nil {
			u = rewrite(u)
		}
		return map[string]any{"url": u}
	}
	for _, a := range o.Table.Assets {
		atts := rec.Attachments(a.Source)
		if len(atts) == 0 {
			continue
		}
		if !a.Multiple {
			extras[a.Target] = link(atts[0].URL)
			continue
		}
		images := make([]any, 0, len(atts))
		for _, att := range atts {
			images = append(images, link(att.URL))
		}
		extras[a.Target] = images
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
