package orchestrator

import (
	"context"
	"errors"

	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// Conflict is a ledger/bus disagreement no rule resolves.
type Conflict struct {
	RequestID string               `json:"request_id"`
	Ledger    models.RequestStatus `json:"ledger"`
	Bus       models.RequestStatus `json:"bus"`
}

// Correction is a ledger entry updated from bus state.
type Correction struct {
	RequestID string               `json:"request_id"`
	From      models.RequestStatus `json:"from"`
	To        models.RequestStatus `json:"to"`
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked     int          `json:"checked"`
	Corrections []Correction `json:"corrections,omitempty"`
	Conflicts   []Conflict   `json:"conflicts,omitempty"`
	Unknown     []string     `json:"unknown,omitempty"` // no bus state or lookup failed
}

// reconcile reports the ledger status bus state may overwrite, given the
// current ledger and bus statuses. Only these three disagreements are
// resolved automatically.
func reconcile(ledger, bus models.RequestStatus) (models.RequestStatus, bool) {
	switch {
	case bus == models.RequestComplete && ledger != models.RequestComplete:
		return models.RequestComplete, true
	case bus == models.RequestInProgress && ledger == models.RequestNew:
		return models.RequestInProgress, true
	case bus == models.RequestBlocked && ledger == models.RequestInProgress:
		return models.RequestBlocked, true
	}
	return "", false
}

// Reconcile compares every ledger entry with the bus-held state and lets
// the bus win where a rule applies. Other disagreements are reported as
// conflicts for a human and the ledger is left untouched.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	reqs, err := o.ledger.List(ctx)
	if err != nil {
		return report, orcherrors.Transient("reconcile", "", err)
	}

	for _, req := range reqs {
		if req.Status == "" {
			continue
		}
		report.Checked++
		logger := o.logger.WithRequest(req.ID)

		state, err := o.states.Lookup(ctx, req.ID)
		if err != nil {
			report.Unknown = append(report.Unknown, req.ID)
			if !errors.Is(err, statehub.ErrStateNotFound) {
				logger.Warn("reconcile lookup failed", "error", err)
			}
			continue
		}

		busStatus := models.LedgerStatus(state.Status)
		if busStatus == req.Status {
			continue
		}
		to, ok := reconcile(req.Status, busStatus)
		if !ok {
			report.Conflicts = append(report.Conflicts, Conflict{RequestID: req.ID, Ledger: req.Status, Bus: busStatus})
			o.metrics.ReconcileConflict(ctx, string(req.Status), string(busStatus))
			logger.Warn("ledger and bus disagree, needs human",
				"ledger_status", string(req.Status), "bus_status", string(busStatus))
			continue
		}

		updated, err := o.ledger.UpdateStatus(ctx, req.ID, to, "reconciled from bus state")
		if err != nil || !updated {
			logger.Warn("reconcile update not applied", "to", string(to), "updated", updated, "error", err)
			continue
		}
		report.Corrections = append(report.Corrections, Correction{RequestID: req.ID, From: req.Status, To: to})
		o.metrics.ReconcileCorrection(ctx, string(req.Status), string(to))
		logger.Info("ledger reconciled", "from", string(req.Status), "to", string(to))
	}
	return report, nil
}
