package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/rendering"
	"github.com/jonathan/lead-pipeline/internal/transport"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// SendInitial sends the first outreach email. It is a no-op when the lead
// was already contacted or has left the new status.
func (m *Machine) SendInitial(ctx context.Context, leadID uuid.UUID) error {
	unlock := m.locks.Lock(leadID.String())
	defer unlock()

	lead, err := m.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}
	if lead == nil {
		return fmt.Errorf("%w: %s", ErrLeadNotFound, leadID)
	}
	if lead.Status != types.StatusNew || lead.ContactedAt != nil {
		log.Printf("[lifecycle] initial email for lead %s skipped: status %s", leadID, lead.Status)
		return nil
	}

	handle, err := m.send(ctx, lead, rendering.TemplateInitial, leadID.String()+":initial")
	if err != nil {
		return err
	}

	_, _, err = m.update(ctx, leadID, func(l *types.Lead) ([]types.Activity, bool) {
		if l.ContactedAt == nil {
			sent := handle.SentAt
			l.ContactedAt = &sent
		}
		return []types.Activity{m.activity(l.ID, "email_sent", "initial (message "+handle.MessageID+")")}, true
	})
	if err != nil {
		return err
	}
	log.Printf("[lifecycle] initial email sent to lead %s (%s)", leadID, handle.MessageID)
	return nil
}

// RunFollowUp sends follow-up step for a lead. It re-checks the lead first
// and does nothing once the lead is qualified, converted or lost, or if the
// initial email never went out.
func (m *Machine) RunFollowUp(ctx context.Context, leadID uuid.UUID, step int) error {
	unlock := m.locks.Lock(leadID.String())
	defer unlock()

	lead, err := m.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}
	if lead == nil {
		return fmt.Errorf("%w: %s", ErrLeadNotFound, leadID)
	}

	switch lead.Status {
	case types.StatusQualified, types.StatusConverted, types.StatusLost:
		log.Printf("[lifecycle] follow-up %d for lead %s skipped: status %s", step, leadID, lead.Status)
		return nil
	}
	if lead.ContactedAt == nil {
		log.Printf("[lifecycle] follow-up %d for lead %s skipped: initial email not sent", step, leadID)
		return nil
	}

	name := rendering.FollowUpTemplate(step)
	if !m.renderer.Has(name) {
		return queue.Permanent(fmt.Errorf("no template for follow-up step %d", step))
	}

	handle, err := m.send(ctx, lead, name, fmt.Sprintf("%s:follow_up:%d", leadID, step))
	if err != nil {
		return err
	}

	_, _, err = m.update(ctx, leadID, func(l *types.Lead) ([]types.Activity, bool) {
		return []types.Activity{m.activity(l.ID, "follow_up_sent", fmt.Sprintf("step %d (message %s)", step, handle.MessageID))}, true
	})
	if err != nil {
		return err
	}
	log.Printf("[lifecycle] follow-up %d sent to lead %s (%s)", step, leadID, handle.MessageID)
	return nil
}

// send renders and sends one email and records its message id. Failures that
// cannot succeed on retry are marked permanent.
func (m *Machine) send(ctx context.Context, lead *types.Lead, template, idempotencyKey string) (transport.Handle, error) {
	if lead.Email == "" {
		return transport.Handle{}, queue.Permanent(fmt.Errorf("lead %s has no contact email", lead.ID))
	}

	msg, err := m.renderer.Render(template, lead)
	if err != nil {
		return transport.Handle{}, queue.Permanent(fmt.Errorf("failed to render %s for lead %s: %w", template, lead.ID, err))
	}

	handle, err := m.sender.Send(ctx, transport.Message{
		LeadID:         lead.ID,
		To:             lead.Email,
		Subject:        msg.Subject,
		Body:           msg.Body,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		var sendErr *transport.SendError
		if errors.As(err, &sendErr) && sendErr.Rejected() {
			return transport.Handle{}, queue.Permanent(err)
		}
		return transport.Handle{}, err
	}

	if err := m.store.RecordMessage(ctx, handle.MessageID, lead.ID); err != nil {
		return transport.Handle{}, fmt.Errorf("failed to record message %s for lead %s: %w", handle.MessageID, lead.ID, err)
	}
	return handle, nil
}
