// Package merge runs the per-session merge state machine: validate every
// clip, normalize the ones that differ from the target profile, concatenate
// with a stream copy (falling back once to a re-encode), verify the result
// and clean the session up on every path.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/clipmerge/clipmerge/internal/events"
	"github.com/clipmerge/clipmerge/internal/ffmpeg"
	"github.com/clipmerge/clipmerge/internal/logging"
	"github.com/clipmerge/clipmerge/internal/policy"
	"github.com/clipmerge/clipmerge/internal/probe"
	"github.com/clipmerge/clipmerge/internal/progress"
	"github.com/clipmerge/clipmerge/internal/session"
)

const (
	// MinClips is the fewest clips a merge accepts.
	MinClips = 2
	// MismatchTolerance is how far, in seconds, the output duration may
	// drift from the sum of the inputs before a warning is raised.
	MismatchTolerance = 5.0

	defaultProbeConcurrency = 4
)

// Overall progress bands per stage, in percent.
const (
	pctValidated  = 10.0
	pctNormalized = 60.0
	pctConcat     = 95.0
	pctDone       = 100.0
)

// Prober is the metadata side of the merge.
type Prober interface {
	Probe(ctx context.Context, path string) (*probe.ClipDescriptor, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Result describes a completed merge.
type Result struct {
	JobID            string  `json:"jobId"`
	SessionID        string  `json:"sessionId"`
	OutputPath       string  `json:"-"`
	OutputName       string  `json:"filename"`
	ExpectedDuration float64 `json:"expectedDuration"`
	Duration         float64 `json:"duration"`
	SizeBytes        int64   `json:"size"`
	DurationMismatch bool    `json:"durationMismatch"`
}

// Config wires an Orchestrator.
type Config struct {
	Sessions         *session.Manager
	Prober           Prober
	Engine           ffmpeg.Engine
	Store            *Store
	Events           events.Publisher // optional
	Profile          policy.Profile   // zero value means policy.Target
	TranscodeTimeout time.Duration
	ProbeConcurrency int
	Logger           *slog.Logger
}

type Orchestrator struct {
	sessions         *session.Manager
	prober           Prober
	engine           ffmpeg.Engine
	store            *Store
	events           events.Publisher
	profile          policy.Profile
	transcodeTimeout time.Duration
	probeConcurrency int
	logger           *slog.Logger
}

func NewOrchestrator(cfg Config) *Orchestrator {
	profile := cfg.Profile
	if profile == (policy.Profile{}) {
		profile = policy.Target
	}
	conc := cfg.ProbeConcurrency
	if conc <= 0 {
		conc = defaultProbeConcurrency
	}
	return &Orchestrator{
		sessions:         cfg.Sessions,
		prober:           cfg.Prober,
		engine:           cfg.Engine,
		store:            cfg.Store,
		events:           cfg.Events,
		profile:          profile,
		transcodeTimeout: cfg.TranscodeTimeout,
		probeConcurrency: conc,
		logger:           cfg.Logger,
	}
}

// Merge runs one merge of sessionID to completion. Progress is published to
// subscriberID when it is non-empty. Session inputs and intermediates are
// removed whatever the outcome; the output is kept only on success.
func (o *Orchestrator) Merge(ctx context.Context, sessionID, subscriberID string) (*Result, error) {
	if !o.sessions.Begin(sessionID) {
		return nil, newError(KindMergeInProgress, "a merge is already running for this session", nil)
	}
	defer o.sessions.End(sessionID)

	rec, err := o.store.Create(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("create merge record: %w", err)
	}

	j := &job{
		o:          o,
		id:         rec.ID,
		sessionID:  sessionID,
		subscriber: subscriberID,
		logger:     logging.WithSessionID(logging.WithJobID(o.logger, rec.ID), sessionID),
		state:      StateIdle,
	}
	return j.run(ctx)
}

// job is the state of one Merge call.
type job struct {
	o          *Orchestrator
	id         string
	sessionID  string
	subscriber string
	logger     *slog.Logger
	state      State
	output     string
}

func (j *job) run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	j.logger.Info("merge started")

	defer func() {
		// Cleanup must run even if the caller's context is gone.
		bg := context.WithoutCancel(ctx)
		if cerr := j.o.sessions.CleanupSession(bg, j.sessionID); cerr != nil {
			j.logger.Warn("session cleanup incomplete", "error", cerr)
		}
		if err != nil {
			j.fail(bg, err)
			return
		}
		j.logger.Info("merge finished",
			"output", filepath.Base(res.OutputPath),
			"duration", res.Duration,
			"size", humanize.Bytes(uint64(res.SizeBytes)),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}()

	clips, descs, expected, err := j.validate(ctx)
	if err != nil {
		return nil, err
	}

	stamp := j.o.sessions.NewStamp()
	inputs, err := j.normalize(ctx, descs, stamp)
	if err != nil {
		return nil, err
	}

	manifest, err := j.writeManifest(ctx, inputs, stamp)
	if err != nil {
		return nil, err
	}

	j.output = j.o.sessions.Path(session.OutputName(j.sessionID, stamp))
	if err := j.o.sessions.Track(ctx, j.sessionID, session.RoleOutput, j.output); err != nil {
		return nil, fmt.Errorf("register output: %w", err)
	}
	if err := j.concat(ctx, manifest); err != nil {
		return nil, err
	}

	res, err = j.verify(ctx, expected)
	if err != nil {
		return nil, err
	}
	j.logger.Debug("merged clips", "count", len(clips))

	j.transition(ctx, StateDone)
	bg := context.WithoutCancel(ctx)
	if err := j.o.store.Complete(bg, j.id, res.OutputPath, res.Duration, res.SizeBytes); err != nil {
		j.logger.Warn("failed to record merge result", "error", err)
	}
	if _, err := j.o.sessions.RemoveOutputsExcept(bg, j.sessionID, res.OutputPath); err != nil {
		j.logger.Warn("previous outputs not fully removed", "error", err)
	}
	j.publish(events.Event{
		Type:    events.TypeDone,
		Stage:   string(StateDone),
		Percent: pctDone,
		Message: "merge complete",
		Output:  res.OutputName,
	})
	return res, nil
}

// validate lists and probes the session's clips. It returns the clips in
// upload order, their descriptors and the summed duration.
func (j *job) validate(ctx context.Context) ([]string, []*probe.ClipDescriptor, float64, error) {
	j.transition(ctx, StateValidating)

	clips, err := j.o.sessions.Clips(ctx, j.sessionID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list clips: %w", err)
	}
	if len(clips) < MinClips {
		return nil, nil, 0, newError(KindInsufficientClips,
			fmt.Sprintf("need at least %d clips, session has %d", MinClips, len(clips)), nil)
	}

	descs := make([]*probe.ClipDescriptor, len(clips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.o.probeConcurrency)
	for i, path := range clips {
		g.Go(func() error {
			d, err := j.o.prober.Probe(gctx, path)
			if err != nil {
				return err
			}
			if !d.IsValid {
				return &probe.Error{Path: path, Reason: "invalid clip"}
			}
			descs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A probe that timed out or never started says nothing about the clip.
		switch {
		case errors.Is(err, ffmpeg.ErrTimeout):
			return nil, nil, 0, newError(KindTimeout, "probe: "+ffmpeg.ReasonOf(err), err)
		case errors.Is(err, ffmpeg.ErrSpawn):
			return nil, nil, 0, newError(KindProcessSpawnFailed, ffmpeg.ReasonOf(err), err)
		}
		var perr *probe.Error
		if errors.As(err, &perr) {
			return nil, nil, 0, newError(KindInvalidClip,
				fmt.Sprintf("%s: %s", filepath.Base(perr.Path), perr.Reason), err)
		}
		return nil, nil, 0, newError(KindInvalidClip, err.Error(), err)
	}

	var expected float64
	for _, d := range descs {
		expected += d.Duration
	}
	if err := j.o.store.SetExpected(ctx, j.id, expected); err != nil {
		j.logger.Warn("failed to record expected duration", "error", err)
	}

	j.logger.Info("clips validated", "count", len(clips), "expected_duration", expected)
	j.publish(events.Event{
		Type:    events.TypeProgress,
		Stage:   string(StateValidating),
		Percent: pctValidated,
		Message: fmt.Sprintf("%d clips validated", len(clips)),
	})
	return clips, descs, expected, nil
}

// normalize re-encodes clips that differ from the profile. The returned
// paths are the concat inputs in clip order.
func (j *job) normalize(ctx context.Context, descs []*probe.ClipDescriptor, stamp int64) ([]string, error) {
	j.transition(ctx, StateNormalizing)

	p := j.o.profile
	inputs := make([]string, len(descs))
	band := (pctNormalized - pctValidated) / float64(len(descs))

	for i, d := range descs {
		lo := pctValidated + band*float64(i)
		mismatches := policy.Mismatches(d, p)
		if mismatches == nil {
			inputs[i] = d.Path
			j.logger.Debug("clip matches profile", "clip", filepath.Base(d.Path))
			continue
		}

		out := j.o.sessions.Path(session.NormalizedName(j.sessionID, i, stamp))
		if err := j.o.sessions.Track(ctx, j.sessionID, session.RoleNormalized, out); err != nil {
			return nil, fmt.Errorf("register normalized clip: %w", err)
		}

		j.logger.Info("normalizing clip",
			"clip", filepath.Base(d.Path),
			"index", i,
			"mismatches", strings.Join(mismatches, ","),
		)
		label := fmt.Sprintf("normalizing clip %d/%d", i+1, len(descs))
		err := j.o.engine.Run(ctx,
			ffmpeg.NormalizeArgs(d.Path, out, p.Width, p.Height, p.FPS()),
			ffmpeg.RunOptions{
				Timeout:    j.o.transcodeTimeout,
				OnProgress: j.progressFunc(StateNormalizing, lo, lo+band, label),
			})
		if err != nil {
			return nil, processError(KindNormalizationFailed, err)
		}
		inputs[i] = out
	}

	j.publish(events.Event{
		Type:    events.TypeProgress,
		Stage:   string(StateNormalizing),
		Percent: pctNormalized,
		Message: "clips ready",
	})
	return inputs, nil
}

// writeManifest writes the concat list for inputs.
func (j *job) writeManifest(ctx context.Context, inputs []string, stamp int64) (string, error) {
	path := j.o.sessions.Path(session.ManifestName(j.sessionID, stamp))
	if err := j.o.sessions.Track(ctx, j.sessionID, session.RoleManifest, path); err != nil {
		return "", fmt.Errorf("register manifest: %w", err)
	}
	if err := os.WriteFile(path, []byte(Manifest(inputs)), 0644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// Manifest renders the concat demuxer list for paths: one `file '<abs>'`
// line per path, newline separated.
func Manifest(paths []string) string {
	lines := make([]string, len(paths))
	for i, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		lines[i] = "file '" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return strings.Join(lines, "\n")
}

// concat tries a stream copy first and re-encodes exactly once if it fails.
func (j *job) concat(ctx context.Context, manifest string) error {
	j.transition(ctx, StateConcatAttempt)
	err := j.o.engine.Run(ctx, ffmpeg.ConcatCopyArgs(manifest, j.output), ffmpeg.RunOptions{
		Timeout:    j.o.transcodeTimeout,
		OnProgress: j.progressFunc(StateConcatAttempt, pctNormalized, pctConcat, "joining clips"),
	})
	if err == nil {
		return nil
	}

	j.logger.Warn("stream copy concat failed, re-encoding", "reason", ffmpeg.ReasonOf(err))
	j.transition(ctx, StateConcatFallback)
	err = j.o.engine.Run(ctx, ffmpeg.ConcatReencodeArgs(manifest, j.output), ffmpeg.RunOptions{
		Timeout:    j.o.transcodeTimeout,
		OnProgress: j.progressFunc(StateConcatFallback, pctNormalized, pctConcat, "re-encoding clips"),
	})
	if err != nil {
		return processError(KindConcatFailed, err)
	}
	return nil
}

// verify checks the output is non-empty and compares its duration with the
// expected total. A mismatch is reported but does not fail the merge.
func (j *job) verify(ctx context.Context, expected float64) (*Result, error) {
	j.transition(ctx, StateVerifying)

	info, err := os.Stat(j.output)
	if err != nil {
		return nil, newError(KindEmptyOutput, "output file missing", err)
	}
	if info.Size() == 0 {
		return nil, newError(KindEmptyOutput, "output file is empty", nil)
	}

	res := &Result{
		JobID:            j.id,
		SessionID:        j.sessionID,
		OutputPath:       j.output,
		OutputName:       filepath.Base(j.output),
		ExpectedDuration: expected,
		SizeBytes:        info.Size(),
	}

	actual, err := j.o.prober.Duration(ctx, j.output)
	if err != nil {
		res.DurationMismatch = true
		j.logger.Warn("output duration unavailable", "error", err)
		j.publish(events.Event{
			Type:    events.TypeWarning,
			Stage:   string(StateVerifying),
			Percent: pctConcat,
			Message: "output duration could not be checked",
		})
		return res, nil
	}
	res.Duration = actual

	if math.Abs(actual-expected) > MismatchTolerance {
		res.DurationMismatch = true
		j.logger.Warn("output duration mismatch", "expected", expected, "actual", actual)
		j.publish(events.Event{
			Type:    events.TypeWarning,
			Stage:   string(StateVerifying),
			Percent: pctConcat,
			Message: fmt.Sprintf("duration mismatch: expected %.1fs, got %.1fs", expected, actual),
		})
	}
	return res, nil
}

// fail records err and removes the unfinished output.
func (j *job) fail(ctx context.Context, err error) {
	if j.output != "" {
		if derr := j.o.sessions.Discard(ctx, j.output); derr != nil {
			j.logger.Warn("failed to remove partial output", "error", derr)
		}
	}
	failedIn := j.state
	j.state = StateError
	if serr := j.o.store.Fail(ctx, j.id, err.Error()); serr != nil {
		j.logger.Warn("failed to record merge failure", "error", serr)
	}
	j.logger.Error("merge failed", "stage", string(failedIn), "kind", string(KindOf(err)), "error", err)
	j.publish(events.Event{
		Type:    events.TypeError,
		Stage:   string(failedIn),
		Message: err.Error(),
	})
}

func (j *job) transition(ctx context.Context, next State) {
	j.logger.Debug("merge state", "from", string(j.state), "to", string(next))
	j.state = next
	if err := j.o.store.SetState(ctx, j.id, next); err != nil {
		j.logger.Warn("failed to record merge state", "state", string(next), "error", err)
	}
	if next != StateDone {
		j.publish(events.Event{Type: events.TypeStage, Stage: string(next), Percent: stagePercent(next)})
	}
}

// stagePercent is the overall progress at which a stage begins.
func stagePercent(s State) float64 {
	switch s {
	case StateNormalizing:
		return pctValidated
	case StateConcatAttempt, StateConcatFallback:
		return pctNormalized
	case StateVerifying:
		return pctConcat
	case StateDone:
		return pctDone
	default:
		return 0
	}
}

func (j *job) publish(ev events.Event) {
	if j.o.events == nil || j.subscriber == "" {
		return
	}
	ev.JobID = j.id
	j.o.events.Publish(j.subscriber, ev)
}

// progressFunc maps a transcode's own percentage into [lo, hi] of the
// overall merge.
func (j *job) progressFunc(stage State, lo, hi float64, label string) ffmpeg.ProgressFunc {
	if j.o.events == nil || j.subscriber == "" {
		return nil
	}
	return func(s progress.Snapshot) {
		overall := lo + (hi-lo)*s.Percent/100
		j.publish(events.Event{
			Type:    events.TypeProgress,
			Stage:   string(stage),
			Percent: math.Round(overall*10) / 10,
			Message: fmt.Sprintf("%s: %.0f%%", label, s.Percent),
			ETA:     s.ETA,
		})
	}
}
