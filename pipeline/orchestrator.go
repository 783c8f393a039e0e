// Package pipeline runs sync cycles: it computes each group's fetch window,
// fetches trend data from the group's EDS server, transforms it and sends it
// to the destination, advancing checkpoints only on confirmed delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eddielth/eds-sync/checkpoint"
	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/eds"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/metrics"
	"github.com/eddielth/eds-sync/registry"
	"github.com/eddielth/eds-sync/rjn"
	"github.com/eddielth/eds-sync/storage"
	"github.com/eddielth/eds-sync/transformer"
)

var errCheckpoint = errors.New("checkpoint write failed")

// logoutTimeout bounds the best effort logout after a group
const logoutTimeout = 10 * time.Second

// Source fetches trend data from one EDS server
type Source interface {
	Login(ctx context.Context) (*eds.Session, error)
	Logout(ctx context.Context, s *eds.Session) error
	RequestSeries(ctx context.Context, s *eds.Session, pointIDs []string, w checkpoint.Window) (string, error)
	AwaitCompletion(ctx context.Context, s *eds.Session, handle string) error
	CollectSeries(ctx context.Context, s *eds.Session, handle string, pointIDs []string) ([][]transformer.RawSample, error)
	LiveValues(ctx context.Context, s *eds.Session, pointIDs []string) ([]eds.LiveValue, error)
}

// Destination receives transformed samples
type Destination interface {
	Name() string
	Authenticate(ctx context.Context) (*rjn.Session, error)
	SendSamples(ctx context.Context, s *rjn.Session, projectID, entityID string, samples []transformer.Sample) (bool, error)
}

// Archive keeps a local copy of transformed samples
type Archive interface {
	Store(ctx context.Context, series storage.Series) error
}

// Options configures an Orchestrator
type Options struct {
	RegistryPath string
	// Sources maps registry source groups to their EDS servers
	Sources     map[string]Source
	Destination Destination
	Tracker     *checkpoint.Tracker
	// Resolve looks up unit conversions named in the registry
	Resolve registry.Resolver
	Quality QualityPolicy
	// Archive is optional
	Archive Archive
	// DryRun fetches and transforms but neither sends nor writes checkpoints
	DryRun bool
	Clock  func() time.Time
}

// Orchestrator runs sync cycles. Cycles must not overlap; the scheduler
// runs them one at a time.
type Orchestrator struct {
	registryPath string
	sources      map[string]Source
	dest         Destination
	tracker      *checkpoint.Tracker
	resolve      registry.Resolver
	archive      Archive
	dryRun       bool
	now          func() time.Time

	mu      sync.RWMutex
	quality QualityPolicy
}

// New returns an orchestrator for opts
func New(opts Options) (*Orchestrator, error) {
	if opts.RegistryPath == "" {
		return nil, fmt.Errorf("%w: no point registry configured", config.ErrConfiguration)
	}
	if opts.Destination == nil {
		return nil, fmt.Errorf("%w: no destination configured", config.ErrConfiguration)
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("%w: no checkpoint tracker configured", config.ErrConfiguration)
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		registryPath: opts.RegistryPath,
		sources:      opts.Sources,
		dest:         opts.Destination,
		tracker:      opts.Tracker,
		resolve:      opts.Resolve,
		archive:      opts.Archive,
		dryRun:       opts.DryRun,
		now:          now,
		quality:      opts.Quality,
	}, nil
}

// SetQualityPolicy replaces the quality policy for subsequent cycles
func (o *Orchestrator) SetQualityPolicy(p QualityPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quality = p
}

func (o *Orchestrator) qualityFor(group string) transformer.QualitySet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.quality.For(group)
}

// StreamID returns the checkpoint stream of a source group
func StreamID(destination, group string) string {
	return destination + ":" + group
}

// source returns the source of group. Config keys are case-insensitive, so
// a group falls back to a case-insensitive match.
func (o *Orchestrator) source(group string) Source {
	if src, ok := o.sources[group]; ok {
		return src
	}
	for name, src := range o.sources {
		if strings.EqualFold(name, group) {
			return src
		}
	}
	return nil
}

// loadRegistry reads the registry and checks that the cycle can run. Every
// failure is a configuration error found before any network I/O.
func (o *Orchestrator) loadRegistry() ([]registry.Group, error) {
	reg, err := registry.Load(o.registryPath, o.resolve)
	if err != nil {
		return nil, err
	}
	if err := o.tracker.Validate(); err != nil {
		return nil, err
	}

	groups := reg.Groups()
	for _, g := range groups {
		if o.source(g.Name) == nil {
			return nil, fmt.Errorf("%w: no source configured for group %q", config.ErrConfiguration, g.Name)
		}
	}
	return groups, nil
}

// cycle is the state shared by the groups of one cycle
type cycle struct {
	id     string
	start  time.Time
	log    zerolog.Logger
	dest   *rjn.Session
	report *Report
}

// RunCycle runs one sync cycle over every group of the registry. Group
// failures are recorded in the report; the returned error is reserved for
// configuration errors and cancellation.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	c := &cycle{
		id:    uuid.NewString(),
		start: o.now(),
	}
	c.log = logger.L().With().Str("cycle", c.id).Logger()
	c.report = &Report{CycleID: c.id, Started: c.start, DryRun: o.dryRun}

	groups, err := o.loadRegistry()
	if err != nil {
		c.report.Finished = o.now()
		metrics.RecordCycle("config_error", c.report.Duration())
		c.log.Error().Err(err).Str("kind", Kind(err)).Msg("cycle aborted")
		return c.report, err
	}

	c.log.Info().Int("groups", len(groups)).Bool("dry_run", o.dryRun).Msg("cycle started")

	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		gr := o.runGroup(ctx, c, g)
		c.report.Groups = append(c.report.Groups, gr)
		recordGroupMetrics(gr)
	}

	c.report.Finished = o.now()

	if err := ctx.Err(); err != nil {
		metrics.RecordCycle("cancelled", c.report.Duration())
		c.log.Warn().Err(err).Msg("cycle interrupted")
		return c.report, err
	}

	metrics.RecordCycle("completed", c.report.Duration())
	c.log.Info().
		Int("succeeded", c.report.Count(Succeeded)).
		Int("failed", c.report.Count(Failed)).
		Int("skipped", c.report.Count(Skipped)).
		Strs("failed_groups", c.report.FailedGroups()).
		Dur("duration", c.report.Duration()).
		Msg("cycle finished")
	return c.report, nil
}

func recordGroupMetrics(gr GroupResult) {
	metrics.GroupsTotal.WithLabelValues(gr.Group, gr.State.String()).Inc()
	sent := 0
	for _, p := range gr.Points {
		metrics.PointsTotal.WithLabelValues(gr.Group, p.State.String()).Inc()
		if p.State == Succeeded {
			sent += p.Samples
		}
	}
	if sent > 0 {
		metrics.SamplesSent.WithLabelValues(gr.Group).Add(float64(sent))
	}
}

func newGroupResult(g registry.Group, stream string) GroupResult {
	gr := GroupResult{
		Group:  g.Name,
		Stream: stream,
		State:  Pending,
		Points: make([]PointResult, len(g.Mappings)),
	}
	for i, m := range g.Mappings {
		gr.Points[i] = PointResult{
			PointID:   m.SourcePointID,
			ProjectID: m.DestinationProjectID,
			EntityID:  m.DestinationEntityID,
			State:     Pending,
		}
	}
	return gr
}

func (gr *GroupResult) setAll(s State, err error) {
	gr.State = s
	gr.Err = err
	for i := range gr.Points {
		if !gr.Points[i].State.Terminal() {
			gr.Points[i].State = s
			gr.Points[i].Err = err
		}
	}
}

// finish derives the group state from its points
func (gr *GroupResult) finish() {
	succeeded, failed := gr.Count(Succeeded), gr.Count(Failed)
	switch {
	case succeeded > 0:
		gr.State = Succeeded
	case failed > 0:
		gr.State = Failed
	default:
		gr.State = Skipped
	}
}

func (o *Orchestrator) runGroup(ctx context.Context, c *cycle, g registry.Group) GroupResult {
	stream := StreamID(o.dest.Name(), g.Name)
	gr := newGroupResult(g, stream)
	log := c.log.With().Str("group", g.Name).Str("stream", stream).Logger()

	gr.Window = o.tracker.Window(stream)
	gr.setAll(WindowComputed, nil)

	if gr.Window.Empty() {
		log.Info().Stringer("window", gr.Window).Msg("nothing new to fetch")
		gr.setAll(Skipped, nil)
		return gr
	}

	if !o.dryRun {
		if err := o.tracker.RecordAttempt(stream, c.start); err != nil {
			err = fmt.Errorf("%w: %w", errCheckpoint, err)
			log.Error().Err(err).Str("kind", Kind(err)).Msg("group skipped")
			gr.setAll(Failed, err)
			return gr
		}
	}

	gr.setAll(Fetching, nil)
	series, err := o.fetch(ctx, g, gr.Window)
	if err != nil {
		kind := Kind(err)
		metrics.RecordError("source", kind)
		log.Error().Err(err).Str("kind", kind).Stringer("window", gr.Window).Msg("fetch failed, group skipped")
		gr.setAll(Failed, err)
		return gr
	}

	var destErr error
	for i, m := range g.Mappings {
		p := &gr.Points[i]
		plog := log.With().Str("point", m.SourcePointID).Str("project", m.DestinationProjectID).Str("entity", m.DestinationEntityID).Logger()

		p.State = Transforming
		samples := transformer.ToCanonical(series[i])
		samples = transformer.ApplyUnitConversion(samples, m.UnitConversion)
		samples = transformer.FilterByQuality(samples, o.qualityFor(g.Name))
		samples = transformer.DropNonFinite(samples)
		p.Samples = len(samples)

		if len(samples) == 0 {
			plog.Info().Int("raw", len(series[i])).Msg("no samples to send")
			p.State = Skipped
			continue
		}

		if o.archive != nil {
			err := o.archive.Store(ctx, storage.Series{
				Group:     g.Name,
				PointID:   m.SourcePointID,
				ProjectID: m.DestinationProjectID,
				EntityID:  m.DestinationEntityID,
				Samples:   samples,
			})
			if err != nil {
				plog.Warn().Err(err).Msg("archive failed")
			}
		}

		if o.dryRun {
			plog.Info().Int("samples", len(samples)).Msg("dry run, not sending")
			p.State = Skipped
			continue
		}

		if destErr != nil {
			p.State, p.Err = Failed, destErr
			continue
		}

		p.State = Transmitting
		ok, err := o.send(ctx, c, m, samples)
		switch {
		case err != nil:
			p.State, p.Err = Failed, err
			kind := Kind(err)
			plog.Error().Err(err).Str("kind", kind).Msg("send failed")
			if !errors.Is(err, rjn.ErrInvalidSeries) {
				// the destination is unusable for the rest of the group
				destErr = err
			}
		case !ok:
			p.State, p.Err = Failed, errRejected
			plog.Warn().Str("kind", KindDestinationRejected).Int("samples", len(samples)).Msg("destination rejected samples")
		default:
			p.State = Succeeded
			plog.Info().Int("samples", len(samples)).Msg("samples sent")
			if !gr.Advanced {
				o.advance(&gr, log)
			}
		}
	}

	gr.finish()
	if gr.State == Succeeded && gr.Count(Failed) > 0 {
		log.Warn().Int("failed", gr.Count(Failed)).Msg("checkpoint advanced past points that failed")
	}
	return gr
}

// advance records the group's window as delivered
func (o *Orchestrator) advance(gr *GroupResult, log zerolog.Logger) {
	if err := o.tracker.RecordSuccess(gr.Stream, gr.Window.End); err != nil {
		metrics.RecordError("checkpoint", KindCheckpoint)
		log.Error().Err(err).Str("kind", KindCheckpoint).Msg("failed to record success, window will be sent again")
		return
	}
	gr.Advanced = true
	metrics.RecordSuccess(gr.Stream, gr.Window.End)
	log.Info().Time("through", gr.Window.End).Msg("checkpoint advanced")
}

// fetch logs in to the group's source and collects the series of all its
// points over w, in mapping order.
func (o *Orchestrator) fetch(ctx context.Context, g registry.Group, w checkpoint.Window) ([][]transformer.RawSample, error) {
	src := o.source(g.Name)

	session, err := src.Login(ctx)
	if err != nil {
		return nil, err
	}
	defer o.logout(src, session)

	ids := g.PointIDs()
	handle, err := src.RequestSeries(ctx, session, ids, w)
	if err != nil {
		return nil, err
	}
	if err := src.AwaitCompletion(ctx, session, handle); err != nil {
		return nil, err
	}
	series, err := src.CollectSeries(ctx, session, handle, ids)
	if err != nil {
		return nil, err
	}
	if len(series) != len(ids) {
		return nil, fmt.Errorf("%w: got %d series for %d points", eds.ErrProtocol, len(series), len(ids))
	}
	return series, nil
}

func (o *Orchestrator) logout(src Source, s *eds.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := src.Logout(ctx, s); err != nil {
		logger.Debug("logout from %s failed: %v", s.BaseURL, err)
	}
}

// send authenticates lazily, reusing the destination session for the rest
// of the cycle.
func (o *Orchestrator) send(ctx context.Context, c *cycle, m registry.PointMapping, samples []transformer.Sample) (bool, error) {
	if c.dest == nil {
		s, err := o.dest.Authenticate(ctx)
		if err != nil {
			metrics.RecordError("destination", Kind(err))
			return false, err
		}
		s.Comments = fmt.Sprintf("%s (cycle %s)", s.Comments, c.id)
		c.dest = s
	}
	return o.dest.SendSamples(ctx, c.dest, m.DestinationProjectID, m.DestinationEntityID, samples)
}
