package host

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

// Startup fires the onStartupFinished lifecycle event: every loaded extension
// receives the broadcast, and extensions declaring the event in
// activationEvents are activated. Call it once after the initial set of
// extensions is loaded; extensions loaded later do not see it retroactively.
func (h *Host) Startup(ctx context.Context) error {
	return h.fireEvent(ctx, entities.EventStartupFinished, nil)
}

// ActivateView runs the view activation sequence for the given view:
// broadcast the viewActivated event to every loaded sandbox unconditionally,
// activate extensions whose manifest declares onView:<viewID>, then replay
// the event to each extension the sequence newly activated. An extension
// already active when the view changes therefore sees the event exactly once;
// one woken by it sees it again after its entry point is ready.
func (h *Host) ActivateView(ctx context.Context, viewID any) error {
	canonical := entities.CanonicalViewID(viewID)
	if canonical == "" {
		return fmt.Errorf("view id must not be empty")
	}
	payload := map[string]any{"viewId": canonical}
	return h.fireEventForTrigger(ctx, entities.EventViewActivated, payload,
		entities.ViewActivationEvent(canonical))
}

// fireEvent broadcasts name to every loaded sandbox, activates extensions
// that declare name as an activation event, and replays the event once to the
// newly activated.
func (h *Host) fireEvent(ctx context.Context, name string, payload map[string]any) error {
	return h.fireEventForTrigger(ctx, name, payload, name)
}

func (h *Host) fireEventForTrigger(ctx context.Context, name string, payload map[string]any, trigger string) error {
	if err := h.checkDisposed(); err != nil {
		return err
	}

	records := h.snapshotRecords()

	// Phase 1: broadcast to every loaded sandbox, active or not. Passive
	// listeners observe the event exactly once, here.
	for _, rec := range records {
		h.deliverEvent(rec, name, payload)
	}

	// Phase 2: activate the extensions this event wakes.
	var woken []*extensionRecord
	for _, rec := range records {
		if !rec.manifest.DeclaresActivationEvent(trigger) {
			continue
		}
		fresh, err := h.activateExtension(ctx, rec, trigger)
		if err != nil {
			h.config.logger.Warn("activation failed",
				zap.String("extension", rec.id),
				zap.String("event", trigger),
				zap.Error(err))
			continue
		}
		if fresh {
			woken = append(woken, rec)
		}
	}

	// Phase 3: replay exactly once to the newly activated.
	for _, rec := range woken {
		h.deliverEvent(rec, name, payload)
	}
	return nil
}

// deliverEvent sends a fire-and-forget event message to one extension. Send
// failures are logged, never surfaced: an event must not fail the whole
// broadcast because one sandbox is dying.
func (h *Host) deliverEvent(rec *extensionRecord, name string, payload map[string]any) {
	ch, err := h.ensureChannel(rec)
	if err != nil {
		h.config.logger.Warn("event delivery skipped",
			zap.String("extension", rec.id),
			zap.String("event", name),
			zap.Error(err))
		return
	}
	msg := entities.Message{
		Kind:    entities.KindEvent,
		Name:    name,
		Payload: payload,
	}
	if err := ch.notify(msg); err != nil {
		h.config.logger.Warn("event delivery failed",
			zap.String("extension", rec.id),
			zap.String("event", name),
			zap.Error(err))
	}
}

// activateExtension runs the activate round-trip for rec's current sandbox
// unless that sandbox already completed one. The returned bool reports
// whether this call performed the activation. Concurrent activations of the
// same extension are serialized so a sandbox sees at most one activate
// message per activation.
func (h *Host) activateExtension(ctx context.Context, rec *extensionRecord, reason string) (bool, error) {
	rec.activationMu.Lock()
	defer rec.activationMu.Unlock()

	ch, err := h.ensureChannel(rec)
	if err != nil {
		return false, err
	}
	if rec.isActive() {
		return false, nil
	}

	msg := entities.Message{
		Kind: entities.KindActivate,
		ID:   uuid.NewString(),
		Payload: map[string]any{
			"reason": reason,
		},
	}
	if _, err := ch.call(ctx, msg, h.config.timeouts.Activation); err != nil {
		return false, err
	}

	rec.markActivated(ch)
	h.config.logger.Info("extension activated",
		zap.String("extension", rec.id),
		zap.String("reason", reason))
	return true, nil
}

// requireActive gates an entry-point call. An extension that was activated at
// some point is transparently re-activated after a respawn; one that never
// was must declare the matching gating event, otherwise the call is rejected
// without waking it.
func (h *Host) requireActive(ctx context.Context, rec *extensionRecord, trigger string) error {
	if rec.isActive() {
		return nil
	}
	if !rec.wasActivated() && !rec.manifest.DeclaresActivationEvent(trigger) {
		return entities.ErrNotActivatedForEvent.WithDetail(map[string]any{
			"extension": rec.id,
			"event":     trigger,
		})
	}
	_, err := h.activateExtension(ctx, rec, trigger)
	return err
}
