package screening

import (
	"context"
	"errors"
	"time"

	"call-screening/internal/calls"
	"call-screening/internal/notify"
	"call-screening/internal/resilience"
	"call-screening/internal/responder"

	"golang.org/x/sync/errgroup"
)

// finalize runs exactly once, on the loop goroutine.
func (s *Session) finalize() {
	defer close(s.done)

	s.mu.Lock()
	s.transitionLocked(StateEnded)
	s.endedAt = s.deps.Clock().UTC()
	reason := s.endReason
	s.mu.Unlock()

	// In-flight AI/TTS calls are cancelled and their results discarded.
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()

	late := s.stopTranscriber(ctx)

	select {
	case <-s.workerDone:
	case <-time.After(s.opts.WorkerDrainTimeout):
		s.callLog().Warn("turn worker did not stop in time")
	}

	// Queued caller speech that never got a reply is still part of the transcript.
	s.mu.Lock()
	s.finalized = true
	for _, j := range s.jobs.drain() {
		if j.kind == jobTurn {
			s.turns = append(s.turns, callerTurn(j, s.endedAt))
		}
	}
	for _, j := range late {
		s.turns = append(s.turns, callerTurn(j, s.endedAt))
	}
	turns := append([]calls.TranscriptTurn(nil), s.turns...)
	meta := s.meta
	s.mu.Unlock()

	if s.createDone != nil {
		select {
		case <-s.createDone:
		case <-ctx.Done():
		}
	}

	summary, cls := s.summarize(ctx, turns)
	s.mu.Lock()
	s.summary, s.classification = summary, cls
	s.mu.Unlock()

	duration := int(s.endedAt.Sub(s.startedAt).Round(time.Second) / time.Second)
	if duration < 0 {
		duration = 0
	}

	recordID, persisted := s.persist(ctx, meta, turns, summary, cls, duration)
	if persisted {
		s.notify(meta, recordID, summary, cls, duration)
	}

	if err := s.transport.Close(); err != nil {
		s.callLog().Debug("transport close", "err", err)
	}

	s.deps.Metrics.sessionEnded(reason)
	s.callLog().Info("session ended",
		"reason", reason,
		"turns", len(turns),
		"duration_seconds", duration,
		"persisted", persisted,
	)
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// stopTranscriber flushes the recognizer and collects any final text it still had.
func (s *Session) stopTranscriber(ctx context.Context) []job {
	stopCtx, cancel := context.WithTimeout(ctx, s.deps.Guard.Timeout(resilience.DepSTT))
	err := s.stt.Stop(stopCtx)
	cancel()
	if err != nil {
		s.callLog().Warn("transcriber stop", "err", err)
	}

	// A slow Stop must not eat the window for collecting what it flushed.
	drainCtx, cancelDrain := context.WithTimeout(ctx, s.opts.TranscriptDrainTimeout)
	defer cancelDrain()
	var late []job
	events := s.stt.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return late
			}
			if ev.IsFinal && ev.Text != "" && !ev.Degraded {
				late = append(late, job{kind: jobTurn, text: ev.Text, confidence: ev.Confidence, at: ev.Timestamp})
			}
		case <-drainCtx.Done():
			s.callLog().Warn("transcriber events not closed after stop")
			return late
		}
	}
}

func callerTurn(j job, fallback time.Time) calls.TranscriptTurn {
	at := j.at
	if at.IsZero() {
		at = fallback
	}
	return calls.TranscriptTurn{
		Speaker:    calls.SpeakerCaller,
		Text:       j.text,
		Timestamp:  at,
		IsFinal:    true,
		Confidence: j.confidence,
	}
}

func hasCallerTurn(turns []calls.TranscriptTurn) bool {
	for _, t := range turns {
		if t.Speaker == calls.SpeakerCaller && t.Text != "" {
			return true
		}
	}
	return false
}

// summarize is best-effort: any failure yields the defaults.
func (s *Session) summarize(ctx context.Context, turns []calls.TranscriptTurn) (string, responder.Classification) {
	summary, cls := responder.NoSummary, responder.DefaultClassification()
	if !hasCallerTurn(turns) {
		return summary, cls
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := resilience.Call(gctx, s.deps.Guard, resilience.DepAI, func(ctx context.Context) (string, error) {
			return s.deps.Generator.GenerateSummary(ctx, turns)
		})
		if err != nil {
			s.callLog().Warn("summary generation failed", "err", err)
			s.deps.Metrics.fallback("summary")
			return nil
		}
		if out != "" {
			summary = out
		}
		return nil
	})
	g.Go(func() error {
		out, err := resilience.Call(gctx, s.deps.Guard, resilience.DepAI, func(ctx context.Context) (responder.Classification, error) {
			return s.deps.Generator.Classify(ctx, turns)
		})
		if err != nil {
			s.callLog().Warn("classification failed", "err", err)
			s.deps.Metrics.fallback("classification")
			return nil
		}
		cls = out
		return nil
	})
	_ = g.Wait()
	return summary, cls
}

// persist writes one CallRecord and one OwnerStats increment with bounded retries.
func (s *Session) persist(ctx context.Context, meta Metadata, turns []calls.TranscriptTurn, summary string, cls responder.Classification, duration int) (string, bool) {
	log := s.callLog()
	if !meta.Resolved() {
		log.Warn("call not persisted: owner or call id missing")
		s.deps.Metrics.persistFailure("unresolved")
		return "", false
	}

	s.mu.Lock()
	recordID, created := s.recordID, s.recordCreated
	endedAt := s.endedAt
	s.mu.Unlock()

	status := calls.CallStatusCompleted
	patch := calls.CallPatch{
		EndedAt:         &endedAt,
		DurationSeconds: &duration,
		Transcript:      turns,
		Summary:         &summary,
		CallerName:      &cls.CallerName,
		Purpose:         &cls.Purpose,
		Urgency:         &cls.Urgency,
		Sentiment:       &cls.Sentiment,
		ActionRequired:  &cls.ActionRequired,
		FollowUpNeeded:  &cls.FollowUpNeeded,
		Status:          &status,
	}

	var err error
	if created {
		var rec calls.CallRecord
		rec, err = resilience.Call(ctx, s.persistGuard, resilience.DepStore, func(ctx context.Context) (calls.CallRecord, error) {
			return s.deps.Store.Update(ctx, meta.CallSID, patch)
		})
		if err == nil {
			recordID = rec.ID
		} else if errors.Is(err, calls.ErrNotFound) {
			created = false
		}
	}
	if !created {
		rec := calls.CallRecord{
			CallSID:         meta.CallSID,
			OwnerID:         meta.OwnerID,
			PhoneNumber:     meta.PhoneNumber,
			StartedAt:       s.startedAt,
			EndedAt:         &endedAt,
			DurationSeconds: duration,
			Transcript:      turns,
			Summary:         summary,
			CallerName:      cls.CallerName,
			Purpose:         cls.Purpose,
			Urgency:         cls.Urgency,
			Sentiment:       cls.Sentiment,
			ActionRequired:  cls.ActionRequired,
			FollowUpNeeded:  cls.FollowUpNeeded,
			Status:          status,
		}
		recordID, err = resilience.Call(ctx, s.persistGuard, resilience.DepStore, func(ctx context.Context) (string, error) {
			return s.deps.Store.Create(ctx, rec)
		})
		if errors.Is(err, calls.ErrAlreadyExists) {
			// The initial create landed even though it reported a failure.
			var updated calls.CallRecord
			updated, err = resilience.Call(ctx, s.persistGuard, resilience.DepStore, func(ctx context.Context) (calls.CallRecord, error) {
				return s.deps.Store.Update(ctx, meta.CallSID, patch)
			})
			recordID = updated.ID
		}
	}
	if err != nil {
		log.Error("call record not persisted", "err", err, "transcript_turns", len(turns))
		s.deps.Metrics.persistFailure("record")
		return "", false
	}

	if _, err := resilience.Call(ctx, s.persistGuard, resilience.DepStore, func(ctx context.Context) (calls.OwnerStats, error) {
		return s.deps.Store.IncrementOwnerStats(ctx, meta.OwnerID, duration, recordID)
	}); err != nil {
		log.Error("owner stats not updated", "err", err)
		s.deps.Metrics.persistFailure("owner_stats")
	}
	return recordID, true
}

func (s *Session) notify(meta Metadata, recordID, summary string, cls responder.Classification, duration int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
	defer cancel()
	err := s.deps.Notifier.Notify(ctx, notify.CallCompleted{
		OwnerID:         meta.OwnerID,
		CallID:          recordID,
		CallSID:         meta.CallSID,
		PhoneNumber:     meta.PhoneNumber,
		Summary:         summary,
		CallerName:      cls.CallerName,
		Urgency:         cls.Urgency,
		Sentiment:       cls.Sentiment,
		ActionRequired:  cls.ActionRequired,
		DurationSeconds: duration,
		EndedAt:         s.endedAt,
	})
	if err != nil {
		s.callLog().Warn("notification failed", "err", err)
	}
}
