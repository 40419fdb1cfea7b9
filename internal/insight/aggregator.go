package insight

import (
	"context"
	"log"
)

// CreditLedger is the slice of the external ledger the orchestrator
// needs at fan-in time. Reserve happens before the job exists; both
// operations are atomic and idempotent on the ledger's side.
type CreditLedger interface {
	Charge(ctx context.Context, reservationID string) error
	Refund(ctx context.Context, reservationID string, coins int64) error
}

// RefundPolicy decides how many coins go back for a finished job.
type RefundPolicy interface {
	RefundCoins(reserved int64, total, failed int) int64
}

// ProRataRefund returns the failed share of the reservation, rounded
// down: the user keeps paying for every insight that was delivered.
// This is the documented resolution of the partial-failure policy; the
// alternative all-or-nothing policies plug in behind the same interface.
type ProRataRefund struct{}

func (ProRataRefund) RefundCoins(reserved int64, total, failed int) int64 {
	if total <= 0 || failed <= 0 {
		return 0
	}
	if failed >= total {
		return reserved
	}
	return reserved * int64(failed) / int64(total)
}

// Aggregator is the fan-in point: it decides the terminal job status and
// settles the credit reservation, exactly once per job.
type Aggregator struct {
	repo   *Repo
	ledger CreditLedger
	policy RefundPolicy
}

func NewAggregator(repo *Repo, ledger CreditLedger, policy RefundPolicy) *Aggregator {
	if policy == nil {
		policy = ProRataRefund{}
	}
	return &Aggregator{repo: repo, ledger: ledger, policy: policy}
}

// Finalize settles the job. Safe to invoke more than once: the status
// CAS in FinalizeJob admits exactly one winner, so a redelivered or
// racing call observes a terminal job and no-ops.
func (a *Aggregator) Finalize(ctx context.Context, jobID string) error {
	job, err := a.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	var status JobStatus
	switch {
	case job.FailedCount == 0:
		status = JobCompleted
	case job.FailedCount >= job.TotalInsights:
		status = JobFailed
	default:
		status = JobPartialFailure
	}

	won, err := a.repo.FinalizeJob(ctx, jobID, status)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	refund := a.policy.RefundCoins(job.ReservedCoins, job.TotalInsights, job.FailedCount)
	if refund > 0 {
		err = a.ledger.Refund(ctx, job.ReservationID, refund)
	} else {
		err = a.ledger.Charge(ctx, job.ReservationID)
	}
	if err != nil {
		// job status already settled; the reservation stays reserved and
		// needs operator attention rather than a status rollback
		log.Printf("credit reconcile failed job=%s reservation=%s status=%s err=%v",
			jobID, job.ReservationID, status, err)
		return err
	}

	log.Printf("job finalized job=%s status=%s completed=%d failed=%d refund=%d",
		jobID, status, job.CompletedCount, job.FailedCount, refund)
	return nil
}
