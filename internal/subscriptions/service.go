package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/guildbill/internal/idgen"
	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/retry"
	"github.com/mbd888/guildbill/internal/syncutil"
	"github.com/mbd888/guildbill/internal/validation"
)

const (
	// DefaultGraceDays is the grace window applied when none is configured.
	DefaultGraceDays = 7

	sweepBatchSize   = 100
	maxCancelReason  = 500
	updateAttempts   = 3
	updateRetryDelay = 20 * time.Millisecond
)

// PlanSource resolves an active plan and its price for a billing cycle.
type PlanSource interface {
	ForSubscription(ctx context.Context, id string, cycle plans.BillingCycle) (*plans.Plan, decimal.Decimal, error)
}

// EventPublisher enqueues side effects for asynchronous delivery.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Service implements the subscription lifecycle.
type Service struct {
	store     Store
	plans     PlanSource
	events    EventPublisher
	policy    ExistingPolicy
	graceDays int
	locks     *syncutil.KeyedMutex // keyed by client id
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new subscription service.
func NewService(store Store, plans PlanSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		plans:     plans,
		policy:    PolicyReject,
		graceDays: DefaultGraceDays,
		locks:     syncutil.NewKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithPublisher routes lifecycle notifications and Guild syncs to p.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithPolicy sets how Create treats a client's existing subscription.
func (s *Service) WithPolicy(p ExistingPolicy) *Service {
	s.policy = p
	return s
}

// WithGracePeriod sets the grace window in days. Zero expires lapsed
// subscriptions immediately.
func (s *Service) WithGracePeriod(days int) *Service {
	if days >= 0 {
		s.graceDays = days
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create starts a subscription for a client, either as a free trial or as an
// immediately active paid period.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Subscription, error) {
	if !validation.IsValidID(req.ClientID) {
		return nil, fmt.Errorf("%w: clientId is missing or malformed", ErrInvalidSubscriptionRequest)
	}
	if !req.BillingCycle.Valid() {
		return nil, plans.ErrInvalidBillingCycle
	}
	if (req.MaxUsers != nil && *req.MaxUsers < 0) || (req.StorageQuotaMB != nil && *req.StorageQuotaMB < 0) {
		return nil, fmt.Errorf("%w: quotas cannot be negative", ErrInvalidSubscriptionRequest)
	}

	plan, amount, err := s.plans.ForSubscription(ctx, req.PlanID, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	if req.StartTrial && plan.TrialDays <= 0 {
		return nil, ErrTrialNotAvailable
	}

	unlock, err := s.locks.LockContext(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.FindActive(ctx, req.ClientID)
	switch {
	case err == nil:
		return s.resolveExisting(ctx, existing, plan, amount, req.BillingCycle)
	case !errors.Is(err, ErrNoActiveSubscription):
		return nil, err
	}

	now := s.now().UTC()
	start := now
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}

	sub := &Subscription{
		ID:             idgen.WithPrefix("sub_"),
		ClientID:       req.ClientID,
		AutoRenew:      true,
		MaxUsers:       plan.MaxUsers,
		StorageQuotaMB: plan.StorageQuotaMB,
		StartDate:      start,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyPlan(sub, plan, amount, req.BillingCycle)
	if req.AutoRenew != nil {
		sub.AutoRenew = *req.AutoRenew
	}
	if req.MaxUsers != nil {
		sub.MaxUsers = *req.MaxUsers
	}
	if req.StorageQuotaMB != nil {
		sub.StorageQuotaMB = *req.StorageQuotaMB
	}

	kind := outbox.KindSubscriptionActivated
	if req.StartTrial {
		trialEnds := start.AddDate(0, 0, plan.TrialDays)
		sub.Status = StatusTrial
		sub.TrialEndsAt = &trialEnds
		sub.EndDate = trialEnds
		kind = outbox.KindTrialStarted
	} else {
		sub.Status = StatusActive
		sub.EndDate = req.BillingCycle.AddTo(start)
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	transitions.WithLabelValues("NONE", string(sub.Status)).Inc()

	s.logger.Info("subscription created",
		logging.SubscriptionID(sub.ID), logging.ClientID(sub.ClientID),
		"plan", sub.PlanCode, "status", sub.Status, "end_date", sub.EndDate)
	s.announce(ctx, kind, sub, nil)
	return sub, nil
}

// resolveExisting applies the existing-subscription policy. Caller holds the
// client lock.
func (s *Service) resolveExisting(ctx context.Context, existing *Subscription, plan *plans.Plan, amount decimal.Decimal, cycle plans.BillingCycle) (*Subscription, error) {
	samePlan := existing.PlanID == plan.ID && existing.BillingCycle == cycle
	switchable := existing.Status == StatusTrial || existing.Status == StatusGracePeriod

	if samePlan && switchable {
		return existing, nil
	}
	if s.policy != PolicyUpdateInPlace || !switchable {
		return nil, ErrDuplicateActiveSubscription
	}

	from := existing.Status
	applyPlan(existing, plan, amount, cycle)
	existing.MaxUsers = plan.MaxUsers
	existing.StorageQuotaMB = plan.StorageQuotaMB
	existing.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, existing); err != nil {
		return nil, err
	}
	transitions.WithLabelValues(string(from), string(existing.Status)).Inc()
	s.announce(ctx, outbox.KindPlanChanged, existing, map[string]any{"planCode": plan.Code})
	return existing, nil
}

// Get returns a subscription by id.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// FindActive returns the client's subscription in TRIAL, ACTIVE or
// GRACE_PERIOD, or ErrNoActiveSubscription.
func (s *Service) FindActive(ctx context.Context, clientID string) (*Subscription, error) {
	return s.store.FindActive(ctx, clientID)
}

// ListByClient returns a client's subscriptions, newest first.
func (s *Service) ListByClient(ctx context.Context, clientID string, limit int) ([]*Subscription, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListByClient(ctx, clientID, limit)
}

// Activate converts a trial into a paid period starting now.
func (s *Service) Activate(ctx context.Context, id string) (*Subscription, error) {
	return s.mutate(ctx, id, outbox.KindSubscriptionActivated, func(sub *Subscription, now time.Time) error {
		return activate(sub, now)
	})
}

// Renew extends a subscription by one billing cycle without losing paid time.
func (s *Service) Renew(ctx context.Context, id string) (*Subscription, error) {
	return s.mutate(ctx, id, outbox.KindSubscriptionRenewed, func(sub *Subscription, now time.Time) error {
		return renew(sub, now)
	})
}

// Cancel ends a subscription permanently.
func (s *Service) Cancel(ctx context.Context, id string, req CancelRequest) (*Subscription, error) {
	reason := validation.SanitizeString(req.Reason, maxCancelReason)
	return s.mutate(ctx, id, outbox.KindSubscriptionCancelled, func(sub *Subscription, now time.Time) error {
		if sub.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		sub.Status = StatusCancelled
		sub.AutoRenew = false
		sub.CancelledAt = &now
		sub.CancelReason = reason
		return nil
	})
}

// ChangePlan moves a live subscription to another plan or cycle and
// re-resolves its amount. Dates are untouched.
func (s *Service) ChangePlan(ctx context.Context, id string, req ChangePlanRequest) (*Subscription, error) {
	if !req.BillingCycle.Valid() {
		return nil, plans.ErrInvalidBillingCycle
	}
	plan, amount, err := s.plans.ForSubscription(ctx, req.PlanID, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, outbox.KindPlanChanged, func(sub *Subscription, _ time.Time) error {
		if sub.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		if !sub.Status.Live() {
			return ErrInvalidTransition
		}
		applyPlan(sub, plan, amount, req.BillingCycle)
		sub.MaxUsers = plan.MaxUsers
		sub.StorageQuotaMB = plan.StorageQuotaMB
		return nil
	})
}

// ApplyPayment applies a verified payment to the client's subscription.
// Applying the same payment id twice is a no-op returning EffectNone.
//
// A purchase that lands on an ACTIVE subscription lost a checkout race.
// On the same plan and cycle it renews from EndDate; otherwise it returns
// EffectRefundDue without touching the subscription.
func (s *Service) ApplyPayment(ctx context.Context, app PaymentApplication) (*Subscription, Effect, error) {
	if app.PaymentID == "" || app.ClientID == "" {
		return nil, "", fmt.Errorf("%w: payment and client ids are required", ErrInvalidSubscriptionRequest)
	}

	unlock, err := s.locks.LockContext(ctx, app.ClientID)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	var sub *Subscription
	if app.SubscriptionID != "" {
		sub, err = s.store.Get(ctx, app.SubscriptionID)
		if err == nil && sub.ClientID != app.ClientID {
			return nil, "", fmt.Errorf("%w: subscription belongs to another client", ErrInvalidSubscriptionRequest)
		}
	} else {
		sub, err = s.store.FindActive(ctx, app.ClientID)
		if errors.Is(err, ErrNoActiveSubscription) {
			return s.createPaid(ctx, app)
		}
	}
	if err != nil {
		return nil, "", err
	}

	if sub.LastPaymentID == app.PaymentID {
		return sub, EffectNone, nil
	}

	now := s.now().UTC()
	from := sub.Status
	var (
		effect Effect
		kind   string
	)
	switch {
	case sub.Status == StatusCancelled:
		return nil, "", ErrAlreadyCancelled
	case sub.Status == StatusTrial:
		if app.PlanID != "" && (app.PlanID != sub.PlanID || app.BillingCycle != sub.BillingCycle) {
			plan, amount, err := s.plans.ForSubscription(ctx, app.PlanID, app.BillingCycle)
			if err != nil {
				return nil, "", err
			}
			applyPlan(sub, plan, amount, app.BillingCycle)
			sub.MaxUsers = plan.MaxUsers
			sub.StorageQuotaMB = plan.StorageQuotaMB
		}
		if err := activate(sub, now); err != nil {
			return nil, "", err
		}
		effect, kind = EffectActivated, outbox.KindSubscriptionActivated
	case sub.Status == StatusActive && app.Purchase &&
		(app.PlanID != sub.PlanID || app.BillingCycle != sub.BillingCycle):
		s.logger.Warn("purchase for a client already active on another plan",
			logging.SubscriptionID(sub.ID), logging.PaymentID(app.PaymentID),
			"paid_plan", app.PlanID, "paid_cycle", app.BillingCycle,
			"active_plan", sub.PlanID, "active_cycle", sub.BillingCycle)
		return sub, EffectRefundDue, nil
	case sub.Status == StatusGracePeriod, sub.Status == StatusExpired,
		sub.Status == StatusActive && (app.Renewal || app.Purchase):
		if err := renew(sub, now); err != nil {
			return nil, "", err
		}
		effect, kind = EffectRenewed, outbox.KindSubscriptionRenewed
	default:
		effect = EffectRecorded
	}

	sub.LastPaymentID = app.PaymentID
	sub.UpdatedAt = now
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, "", err
	}
	if from != sub.Status || effect == EffectRenewed {
		transitions.WithLabelValues(string(from), string(sub.Status)).Inc()
	}

	s.logger.Info("payment applied to subscription",
		logging.SubscriptionID(sub.ID), logging.PaymentID(app.PaymentID),
		"effect", effect, "from", from, "to", sub.Status)
	if kind != "" {
		s.announce(ctx, kind, sub, map[string]any{"paymentId": app.PaymentID})
	}
	return sub, effect, nil
}

// createPaid opens an ACTIVE subscription for a checkout-time purchase.
// Caller holds the client lock.
func (s *Service) createPaid(ctx context.Context, app PaymentApplication) (*Subscription, Effect, error) {
	if !app.BillingCycle.Valid() {
		return nil, "", plans.ErrInvalidBillingCycle
	}
	plan, amount, err := s.plans.ForSubscription(ctx, app.PlanID, app.BillingCycle)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:             idgen.WithPrefix("sub_"),
		ClientID:       app.ClientID,
		Status:         StatusActive,
		StartDate:      now,
		EndDate:        app.BillingCycle.AddTo(now),
		AutoRenew:      true,
		MaxUsers:       plan.MaxUsers,
		StorageQuotaMB: plan.StorageQuotaMB,
		LastPaymentID:  app.PaymentID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyPlan(sub, plan, amount, app.BillingCycle)

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, "", err
	}
	transitions.WithLabelValues("NONE", string(sub.Status)).Inc()

	s.logger.Info("subscription created from payment",
		logging.SubscriptionID(sub.ID), logging.PaymentID(app.PaymentID), "plan", sub.PlanCode)
	s.announce(ctx, outbox.KindSubscriptionActivated, sub, map[string]any{"paymentId": app.PaymentID})
	return sub, EffectCreated, nil
}

// Sweep moves lapsed subscriptions forward: ACTIVE past its end date into
// GRACE_PERIOD (or EXPIRED without a grace window), GRACE_PERIOD past its
// grace end into EXPIRED, and TRIAL past its trial end into EXPIRED.
// Running it again at the same instant changes nothing.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	seen := make(map[string]bool)
	for {
		batch, err := s.store.ListDue(ctx, now, sweepBatchSize)
		if err != nil {
			return res, err
		}

		fresh := 0
		for _, candidate := range batch {
			if seen[candidate.ID] {
				continue
			}
			seen[candidate.ID] = true
			fresh++
			res.Scanned++
			if err := s.sweepOne(ctx, candidate, now, &res); err != nil {
				res.Failed++
				s.logger.Warn("sweep transition failed",
					logging.SubscriptionID(candidate.ID), "status", candidate.Status, "error", err)
			}
		}
		if len(batch) < sweepBatchSize || fresh == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	if res.Scanned > 0 {
		s.logger.Info("subscription sweep complete",
			"scanned", res.Scanned, "to_grace", res.ToGrace, "expired", res.Expired,
			"trials_ended", res.TrialsEnded, "failed", res.Failed)
	}
	return res, nil
}

func (s *Service) sweepOne(ctx context.Context, candidate *Subscription, now time.Time, res *SweepResult) error {
	unlock, err := s.locks.LockContext(ctx, candidate.ClientID)
	if err != nil {
		return err
	}
	defer unlock()

	// A renewal may have landed since ListDue.
	sub, err := s.store.Get(ctx, candidate.ID)
	if err != nil {
		return err
	}
	if !due(sub, now) {
		return nil
	}

	from := sub.Status
	kind := outbox.KindSubscriptionExpired
	switch sub.Status {
	case StatusActive:
		graceEnds := sub.EndDate.AddDate(0, 0, s.graceDays)
		if s.graceDays == 0 || !graceEnds.After(now) {
			sub.Status = StatusExpired
			res.Expired++
		} else {
			sub.Status = StatusGracePeriod
			sub.GraceEndsAt = &graceEnds
			kind = outbox.KindGracePeriodStarted
			res.ToGrace++
		}
	case StatusGracePeriod:
		sub.Status = StatusExpired
		res.Expired++
	case StatusTrial:
		sub.Status = StatusExpired
		res.TrialsEnded++
	}
	sub.UpdatedAt = now

	if err := s.store.Update(ctx, sub); err != nil {
		return err
	}
	transitions.WithLabelValues(string(from), string(sub.Status)).Inc()
	s.announce(ctx, kind, sub, map[string]any{"previousStatus": string(from)})
	return nil
}

// mutate loads a subscription, applies fn under the client lock and writes
// it back. A version conflict with another instance is retried.
func (s *Service) mutate(ctx context.Context, id, kind string, fn func(sub *Subscription, now time.Time) error) (*Subscription, error) {
	peek, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, peek.ClientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		sub  *Subscription
		from Status
	)
	err = retry.Do(ctx, updateAttempts, updateRetryDelay, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		from = current.Status
		now := s.now().UTC()
		if err := fn(current, now); err != nil {
			return retry.Permanent(err)
		}
		current.UpdatedAt = now
		if err := s.store.Update(ctx, current); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				return err
			}
			return retry.Permanent(err)
		}
		sub = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitions.WithLabelValues(string(from), string(sub.Status)).Inc()
	s.logger.Info("subscription updated",
		logging.SubscriptionID(sub.ID), "event", kind, "from", from, "to", sub.Status)
	s.announce(ctx, kind, sub, nil)
	return sub, nil
}

// announce publishes a notification and a Guild entitlement sync. Failures
// are logged and never fail the lifecycle operation.
func (s *Service) announce(ctx context.Context, kind string, sub *Subscription, data map[string]any) {
	if s.events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(sub.Status)
	data["planCode"] = sub.PlanCode
	data["endDate"] = sub.EndDate

	note := outbox.Notification{
		Kind:           kind,
		ClientID:       sub.ClientID,
		SubscriptionID: sub.ID,
		Data:           data,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.events.Publish(ctx, outbox.TopicNotification, sub.ID, note); err != nil {
		publishFailures.Inc()
		logging.L(ctx).Warn("failed to enqueue subscription notification",
			logging.SubscriptionID(sub.ID), "kind", kind, "error", err)
	}

	entitlement := outbox.GuildSync{
		ClientID:       sub.ClientID,
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		PlanCode:       sub.PlanCode,
		MaxUsers:       sub.MaxUsers,
		StorageQuotaMB: sub.StorageQuotaMB,
		ValidUntil:     entitledUntil(sub),
		Reason:         kind,
	}
	if err := s.events.Publish(ctx, outbox.TopicGuildSync, sub.ClientID, entitlement); err != nil {
		publishFailures.Inc()
		logging.L(ctx).Warn("failed to enqueue guild sync",
			logging.SubscriptionID(sub.ID), "kind", kind, "error", err)
	}
}

// entitledUntil is when the client loses access under the current status.
func entitledUntil(sub *Subscription) time.Time {
	switch sub.Status {
	case StatusGracePeriod:
		if sub.GraceEndsAt != nil {
			return *sub.GraceEndsAt
		}
	case StatusCancelled:
		if sub.CancelledAt != nil {
			return *sub.CancelledAt
		}
	case StatusExpired:
		return sub.UpdatedAt
	}
	return sub.EndDate
}

func applyPlan(sub *Subscription, plan *plans.Plan, amount decimal.Decimal, cycle plans.BillingCycle) {
	sub.PlanID = plan.ID
	sub.PlanCode = plan.Code
	sub.PlanName = plan.Name
	sub.BillingCycle = cycle
	sub.Amount = amount
	sub.Currency = plan.Currency
}

func activate(sub *Subscription, now time.Time) error {
	switch sub.Status {
	case StatusTrial:
	case StatusCancelled:
		return ErrAlreadyCancelled
	default:
		return ErrInvalidTransition
	}
	sub.Status = StatusActive
	sub.StartDate = now
	sub.EndDate = sub.BillingCycle.AddTo(now)
	return nil
}

func renew(sub *Subscription, now time.Time) error {
	switch sub.Status {
	case StatusActive, StatusGracePeriod, StatusExpired:
	case StatusCancelled:
		return ErrAlreadyCancelled
	default:
		return ErrInvalidTransition
	}
	start := now
	if sub.EndDate.After(now) {
		start = sub.EndDate
	}
	sub.Status = StatusActive
	sub.StartDate = start
	sub.EndDate = sub.BillingCycle.AddTo(start)
	sub.GraceEndsAt = nil
	sub.LastRenewalAt = &now
	return nil
}
