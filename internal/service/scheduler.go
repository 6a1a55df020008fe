package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
	"github.com/mentionrelay/mention-relay/internal/biz/usecase"
	"github.com/mentionrelay/mention-relay/internal/budget"
	"github.com/mentionrelay/mention-relay/internal/conf"
	"github.com/mentionrelay/mention-relay/internal/retry"
)

// State is the scheduler's externally visible state.
type State string

const (
	StateIdle           State = "idle"
	StatePolling        State = "polling"
	StateProcessing     State = "processing"
	StateBackoffWaiting State = "backoff-waiting"
	StateDisabled       State = "disabled"
	StateStopped        State = "stopped"
)

// Status is the operator-facing snapshot. Reading it never contends with
// in-flight polling or network I/O.
type Status struct {
	State          State                    `json:"state"`
	IsRunning      bool                     `json:"is_running"`
	LastMentionID  string                   `json:"last_mention_id"`
	LastPollTime   time.Time                `json:"last_poll_time"`
	ProcessedCount int64                    `json:"processed_count"`
	FailedCount    int64                    `json:"failed_count"`
	SkippedCount   int64                    `json:"skipped_count"`
	RetryInFlight  int                      `json:"retry_in_flight"`
	Budgets        map[string]budget.Status `json:"budgets"`
}

// MaxLengthSetter lets the scheduler push the per-cycle reply length limit
// into the generator client.
type MaxLengthSetter interface {
	SetMaxLength(n int)
}

// Scheduler owns the poll loop: fixed-interval timer, batch fetch since the
// durable marker, filtering, and per-mention generate+post dispatch through
// the retry engine. Exactly one poll cycle is in flight at a time.
type Scheduler struct {
	provider conf.Provider
	sourceR  repo.SourceRepo
	posterR  repo.PosterRepo
	genR     repo.GeneratorRepo
	stateR   repo.StateRepo
	archive  repo.ArchiveRepo
	filter   *usecase.FilterUsecase
	tracker  *budget.Tracker
	retryCfg retry.Config

	systemPrompt string
	lengthSetter MaxLengthSetter

	// loop control
	ctlMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// cycleBusy guards against a tick firing while the previous cycle is
	// still running; interval scheduling alone cannot guarantee that.
	cycleBusy sync.Mutex

	// status fields, under their own lock so Status() never waits on I/O
	statusMu       sync.RWMutex
	state          State
	isRunning      bool
	processedCount int64
	failedCount    int64
	skippedCount   int64
	retryInFlight  int

	// dedupe set, process lifetime, dropped only by ClearCache
	seenMu sync.Mutex
	seen   map[string]struct{}
}

// NewScheduler wires the dispatcher. All collaborators are injected; the
// scheduler owns no hidden globals.
func NewScheduler(
	provider conf.Provider,
	sourceR repo.SourceRepo,
	posterR repo.PosterRepo,
	genR repo.GeneratorRepo,
	stateR repo.StateRepo,
	archive repo.ArchiveRepo,
	filter *usecase.FilterUsecase,
	tracker *budget.Tracker,
	systemPrompt string,
) *Scheduler {
	s := &Scheduler{
		provider:     provider,
		sourceR:      sourceR,
		posterR:      posterR,
		genR:         genR,
		stateR:       stateR,
		archive:      archive,
		filter:       filter,
		tracker:      tracker,
		retryCfg:     retry.DefaultConfig,
		systemPrompt: systemPrompt,
		state:        StateIdle,
		seen:         make(map[string]struct{}),
	}
	if setter, ok := genR.(MaxLengthSetter); ok {
		s.lengthSetter = setter
	}
	return s
}

// Start begins the poll loop. Calling Start on a running scheduler is a
// logged no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.running {
		fmt.Println("[Scheduler] Start called while already running, ignoring")
		return
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.statusMu.Lock()
	s.isRunning = true
	s.state = StateIdle
	s.statusMu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)

	fmt.Printf("[Scheduler] Started with interval %v\n", s.provider.BotConfig().PollInterval)
}

// Stop halts the timer immediately. An in-flight batch is allowed to
// finish; no new batch starts after Stop returns.
func (s *Scheduler) Stop() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if !s.running {
		fmt.Println("[Scheduler] Stop called while not running, ignoring")
		return
	}
	s.running = false
	s.cancel()
	s.wg.Wait()
	s.statusMu.Lock()
	s.isRunning = false
	s.state = StateStopped
	s.statusMu.Unlock()
	fmt.Println("[Scheduler] Stopped")
}

// ClearCache drops the in-memory dedupe set and in-process counters. The
// durable last-seen marker is untouched.
func (s *Scheduler) ClearCache() {
	s.seenMu.Lock()
	s.seen = make(map[string]struct{})
	s.seenMu.Unlock()

	s.statusMu.Lock()
	s.processedCount = 0
	s.failedCount = 0
	s.skippedCount = 0
	s.statusMu.Unlock()

	fmt.Println("[Scheduler] Cache cleared")
}

// Status returns the current operator snapshot.
func (s *Scheduler) Status() Status {
	s.statusMu.RLock()
	st := Status{
		State:          s.state,
		IsRunning:      s.isRunning,
		ProcessedCount: s.processedCount,
		FailedCount:    s.failedCount,
		SkippedCount:   s.skippedCount,
		RetryInFlight:  s.retryInFlight,
	}
	s.statusMu.RUnlock()

	st.LastMentionID = s.stateR.LastSeenID()
	st.LastPollTime = s.stateR.LastPollTime()
	st.Budgets = s.tracker.Snapshot()
	return st
}

func (s *Scheduler) setState(state State) {
	s.statusMu.Lock()
	s.state = state
	s.statusMu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// First cycle runs immediately; subsequent cycles follow the interval
	// configured at the time each timer is armed.
	s.runCycle(ctx)

	for {
		interval := s.provider.BotConfig().PollInterval
		if interval <= 0 {
			interval = 2 * time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes one Idle -> Polling -> Processing* -> Idle pass.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.cycleBusy.TryLock() {
		fmt.Println("[Scheduler] Previous cycle still running, skipping tick")
		return
	}
	defer s.cycleBusy.Unlock()

	cfg := s.provider.BotConfig()
	if !cfg.Enabled {
		s.setState(StateDisabled)
		return
	}
	// Backoff-waiting survives until the next cycle so operators can see
	// why the relay is quiet.
	defer func() {
		s.statusMu.Lock()
		if s.state != StateBackoffWaiting {
			s.state = StateIdle
		}
		s.statusMu.Unlock()
	}()

	if !s.sourceR.Authenticated() {
		fmt.Println("[Scheduler] Source client unauthenticated, skipping cycle")
		return
	}

	// Reply caps follow the live config; capacity changes apply mid-flight.
	s.tracker.SetLimit(budget.ResourceRepliesHour, budget.Limit{
		Capacity: float64(cfg.MaxRepliesPerHour), RefillPerSec: float64(cfg.MaxRepliesPerHour) / 3600,
	})
	s.tracker.SetLimit(budget.ResourceRepliesDay, budget.Limit{
		Capacity: float64(cfg.MaxRepliesPerDay), RefillPerSec: float64(cfg.MaxRepliesPerDay) / 86400,
	})
	if s.lengthSetter != nil {
		s.lengthSetter.SetMaxLength(cfg.MaxResponseLength)
	}

	s.setState(StatePolling)

	if _, err := s.sourceR.ResolveAccountID(ctx); err != nil {
		fmt.Printf("[Scheduler] Failed to resolve account id: %v\n", err)
		return
	}

	sinceID := s.stateR.LastSeenID()
	mentions, err := s.sourceR.GetNewMentions(ctx, cfg.MaxMentionsPerPoll, sinceID)
	if err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			s.setState(StateBackoffWaiting)
			fmt.Printf("[Scheduler] Fetch rate limited until %s, retrying next tick\n", rl.ResetAt.Format(time.RFC3339))
		} else {
			fmt.Printf("[Scheduler] Failed to fetch mentions: %v\n", err)
		}
		// Marker untouched; the same batch is retried on the next tick.
		return
	}

	if err := s.stateR.SetLastPollTime(time.Now()); err != nil {
		fmt.Printf("[Scheduler] Failed to persist poll time: %v\n", err)
	}

	if len(mentions) == 0 {
		return
	}

	// Advance the marker to the newest fetched id before processing. A
	// crash mid-batch skips the rest of this batch instead of risking
	// double replies after restart.
	newest := mentions[0].ID
	for _, m := range mentions[1:] {
		if m.ID > newest {
			newest = m.ID
		}
	}
	if err := s.stateR.SetLastSeenID(newest); err != nil {
		fmt.Printf("[Scheduler] Failed to persist last seen id: %v\n", err)
	}

	// Platform returns newest-first; replies go out oldest-first so the
	// visible ordering stays chronological.
	batch := make([]*domain.Mention, len(mentions))
	copy(batch, mentions)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	fmt.Printf("[Scheduler] Processing %d mentions (since_id=%q, newest=%q)\n", len(batch), sinceID, newest)

	s.setState(StateProcessing)
	for _, mention := range batch {
		if ctx.Err() != nil {
			return
		}
		s.processMention(ctx, mention, cfg)
	}
}

// processMention drives one mention through filter, generate, and post. No
// error escapes: one mention's permanent failure never blocks the batch.
func (s *Scheduler) processMention(ctx context.Context, mention *domain.Mention, cfg conf.BotConfig) {
	if s.alreadySeen(mention.ID) {
		return
	}
	s.markSeen(mention.ID)

	decision, err := s.filter.Check(ctx, mention, cfg)
	if err != nil {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			fmt.Printf("[Scheduler] Dropping malformed mention %q: %v\n", mention.ID, err)
			s.recordSkip(ctx, mention, err.Error())
			return
		}
		fmt.Printf("[Scheduler] Filter error for mention %s: %v\n", mention.ID, err)
		s.recordFailure(ctx, mention, 0, err)
		return
	}
	if !decision.Respond {
		fmt.Printf("[Scheduler] Skipping mention %s: %s\n", mention.ID, decision.Reason)
		s.recordSkip(ctx, mention, decision.Reason)
		return
	}

	// Reply caps are peeked here and debited only after a reply actually
	// posts, so a cap denial or a downstream failure never burns a token
	// from the other bucket. Both caps are touched only from this
	// goroutine, so peek-then-debit cannot race.
	if s.tracker.Status(budget.ResourceRepliesHour).Remaining < 1 {
		fmt.Printf("[Scheduler] Hourly reply cap reached, skipping mention %s\n", mention.ID)
		s.recordSkip(ctx, mention, "hourly reply cap reached")
		return
	}
	if s.tracker.Status(budget.ResourceRepliesDay).Remaining < 1 {
		fmt.Printf("[Scheduler] Daily reply cap reached, skipping mention %s\n", mention.ID)
		s.recordSkip(ctx, mention, "daily reply cap reached")
		return
	}

	s.setRetryInFlight(1)
	defer s.setRetryInFlight(0)

	text, err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) (string, error) {
		return s.genR.Generate(ctx, s.systemPrompt, mention.Text)
	})
	if err != nil {
		fmt.Printf("[Scheduler] Generation failed permanently for mention %s: %v\n", mention.ID, err)
		s.recordFailure(ctx, mention, attemptsOf(err), err)
		return
	}
	if text == "" {
		s.recordSkip(ctx, mention, "generator returned empty reply")
		return
	}

	// The generated text is posted at most once: the retry engine only
	// re-invokes the post operation itself, never the generation above.
	statusID, err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) (string, error) {
		return s.posterR.PostReply(ctx, mention.ID, text)
	})
	if err != nil {
		fmt.Printf("[Scheduler] Posting failed permanently for mention %s: %v\n", mention.ID, err)
		s.recordFailure(ctx, mention, attemptsOf(err), err)
		return
	}

	s.tracker.TryAcquire(budget.ResourceRepliesHour, 1)
	s.tracker.TryAcquire(budget.ResourceRepliesDay, 1)

	fmt.Printf("[Scheduler] Replied to mention %s (status %s, %d chars)\n", mention.ID, statusID, len(text))
	s.recordSuccess(ctx, mention, text)
}

func (s *Scheduler) alreadySeen(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	_, ok := s.seen[id]
	return ok
}

func (s *Scheduler) markSeen(id string) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	s.seen[id] = struct{}{}
}

func (s *Scheduler) setRetryInFlight(n int) {
	s.statusMu.Lock()
	s.retryInFlight = n
	s.statusMu.Unlock()
}

func (s *Scheduler) recordSuccess(ctx context.Context, mention *domain.Mention, text string) {
	s.statusMu.Lock()
	s.processedCount++
	s.statusMu.Unlock()

	if err := s.stateR.AddTotals(1, 0); err != nil {
		fmt.Printf("[Scheduler] Failed to persist totals: %v\n", err)
	}
	s.archiveOutcome(ctx, &domain.ProcessingOutcome{
		MentionID:    mention.ID,
		Author:       mention.Author,
		Status:       domain.OutcomeReplied,
		ResponseText: text,
	})
}

func (s *Scheduler) recordSkip(ctx context.Context, mention *domain.Mention, reason string) {
	s.statusMu.Lock()
	s.skippedCount++
	s.statusMu.Unlock()

	s.archiveOutcome(ctx, &domain.ProcessingOutcome{
		MentionID: mention.ID,
		Author:    mention.Author,
		Status:    domain.OutcomeSkipped,
		Error:     reason,
	})
}

func (s *Scheduler) recordFailure(ctx context.Context, mention *domain.Mention, attempts int, err error) {
	s.statusMu.Lock()
	s.failedCount++
	s.statusMu.Unlock()

	if serr := s.stateR.AddTotals(0, 1); serr != nil {
		fmt.Printf("[Scheduler] Failed to persist totals: %v\n", serr)
	}
	s.archiveOutcome(ctx, &domain.ProcessingOutcome{
		MentionID: mention.ID,
		Author:    mention.Author,
		Status:    domain.OutcomeFailed,
		Error:     err.Error(),
		Attempts:  attempts,
	})
}

func (s *Scheduler) archiveOutcome(ctx context.Context, outcome *domain.ProcessingOutcome) {
	if s.archive == nil {
		return
	}
	if err := s.archive.RecordOutcome(ctx, outcome); err != nil {
		fmt.Printf("[Scheduler] Failed to archive outcome for %s: %v\n", outcome.MentionID, err)
	}
}

func attemptsOf(err error) int {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return 1
}
