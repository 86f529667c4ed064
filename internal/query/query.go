package query

import (
	"context"
	"fmt"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
	"github.com/cmericli/claude-remote/internal/processreg"
	"github.com/cmericli/claude-remote/internal/store"
)

// Facade composes the Store, the Process Registry, and the idle
// threshold into the read-only projections spec.md §4.9 describes.
// It holds no mutable state of its own; every call is a fresh read.
type Facade struct {
	store     *store.Store
	registry  *processreg.Registry
	clock     clock.Clock
	idleAfter time.Duration
}

// New constructs a Facade. idleAfter should match the Idle Detector's
// own threshold so the "waiting" classification agrees with whatever
// needs_input events clients already see on the Event Bus.
func New(st *store.Store, registry *processreg.Registry, clk clock.Clock, idleAfter time.Duration) *Facade {
	return &Facade{store: st, registry: registry, clock: clk, idleAfter: idleAfter}
}

// runningSet reports, for each session id, whether a live process
// hosts it and (if so) its mux target, in one Process Registry call.
func (f *Facade) runningSet() (map[string]string, error) {
	procs, err := f.registry.Sessions()
	if err != nil {
		return nil, fmt.Errorf("process registry: %w", err)
	}
	out := make(map[string]string, len(procs))
	for _, p := range procs {
		out[p.SessionID] = p.MuxTarget
	}
	return out, nil
}

// annotate builds a SessionView from a raw Session row, the running
// set, and the idle candidate list (role/age of the last message).
func (f *Facade) annotate(sess store.Session, running map[string]string, candidates map[string]store.IdleCandidate, now time.Time, toolUseCount int) SessionView {
	muxTarget, isRunning := running[sess.ID]
	cand, hasLast := candidates[sess.ID]

	var idleFor time.Duration
	var lastRole store.Role
	if hasLast {
		idleFor = now.Sub(cand.LastMessageAt)
		lastRole = cand.LastMessageRole
	} else if !sess.LastMessageAt.IsZero() {
		// Outside the Idle Detector's lookback window but still a real
		// message: role is unknown from Session alone, so treat it as
		// assistant-authored (the conservative choice: never reports an
		// old user message as still "thinking").
		hasLast = true
		idleFor = now.Sub(sess.LastMessageAt)
		lastRole = store.RoleAssistant
	}

	activity := classify(sess, isRunning, hasLast, lastRole, toolUseCount > 0, idleFor, f.idleAfter)

	burnRate, _ := f.store.TokensSince(context.Background(), sess.ID, now.Add(-5*time.Minute))

	return SessionView{
		Session:         sess,
		Running:         isRunning,
		MuxTarget:       muxTarget,
		Activity:        activity,
		BurnRatePerMin:  float64(burnRate) / 5,
		EstimatedCostUS: EstimateCost(sess.Model, sessionUsage(sess)).TotalUSD,
	}
}

// Dashboard implements spec.md §4.9's dashboard() projection: active
// sessions (per the Process Registry), recent activity, and
// today/this-week counters, each carried over from the Store's own
// Dashboard aggregate.
func (f *Facade) Dashboard(ctx context.Context) (DashboardView, error) {
	now := f.clock.Now()

	base, err := f.store.Dashboard(ctx, now)
	if err != nil {
		return DashboardView{}, err
	}

	running, err := f.runningSet()
	if err != nil {
		return DashboardView{}, err
	}

	candidates, err := f.store.ActiveForIdleCheck(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return DashboardView{}, err
	}
	candidateByID := make(map[string]store.IdleCandidate, len(candidates))
	for _, c := range candidates {
		candidateByID[c.SessionID] = c
	}

	var activeViews []SessionView
	for sessionID := range running {
		detail, err := f.store.Session(ctx, sessionID)
		if err != nil {
			// A process reports a session id the Store hasn't indexed yet
			// (e.g. the first log line hasn't landed); skip it rather than
			// failing the whole dashboard.
			continue
		}
		toolUseCount := len(detail.ToolSummary)
		activeViews = append(activeViews, f.annotate(detail.Session, running, candidateByID, now, toolUseCount))
	}

	return DashboardView{
		ActiveSessions: activeViews,
		RecentActivity: base.RecentActivity,
		MessagesToday:  base.MessagesToday,
		MessagesWeek:   base.MessagesWeek,
		TokensToday:    base.TokensToday,
		TokensWeek:     base.TokensWeek,
		CostTodayUSD:   EstimateCost("", base.TokensToday).TotalUSD,
		CostWeekUSD:    EstimateCost("", base.TokensWeek).TotalUSD,
	}, nil
}

// Sessions implements spec.md §4.9's sessions(filter, page) projection.
func (f *Facade) Sessions(ctx context.Context, filter store.SessionFilter, page store.Page) ([]SessionView, error) {
	now := f.clock.Now()

	running, err := f.runningSet()
	if err != nil {
		return nil, err
	}
	candidates, err := f.store.ActiveForIdleCheck(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	candidateByID := make(map[string]store.IdleCandidate, len(candidates))
	for _, c := range candidates {
		candidateByID[c.SessionID] = c
	}

	storeFilter := filter
	storeFilter.Status = "" // the store only understands its own columns; status is derived and filtered below

	if filter.Status == "" {
		rows, err := f.store.Sessions(ctx, storeFilter, page)
		if err != nil {
			return nil, err
		}
		views := make([]SessionView, 0, len(rows))
		for _, row := range rows {
			views = append(views, f.annotate(row, running, candidateByID, now, 0))
		}
		return views, nil
	}

	// Status is derived after the fact, so the store's own LIMIT/OFFSET
	// can't be trusted to land on a full requested page: a page of raw
	// rows might contain only a handful that match the coarse status.
	// Scan in store-sized batches, filtering as we go, until enough
	// matches accumulate to satisfy the requested page or the table is
	// exhausted.
	wantPage := store.NormalizePage(page)
	const scanBatch = 200
	var matched []SessionView
	for scanOffset := 0; ; scanOffset += scanBatch {
		rows, err := f.store.Sessions(ctx, storeFilter, store.Page{Limit: scanBatch, Offset: scanOffset})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			view := f.annotate(row, running, candidateByID, now, 0)
			if coarseBucket(view.Activity) == filter.Status {
				matched = append(matched, view)
			}
		}
		if len(rows) < scanBatch || len(matched) >= wantPage.Offset+wantPage.Limit {
			break
		}
	}

	if wantPage.Offset >= len(matched) {
		return []SessionView{}, nil
	}
	end := wantPage.Offset + wantPage.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[wantPage.Offset:end], nil
}

// Session implements spec.md §4.9's session(id) projection.
func (f *Facade) Session(ctx context.Context, id string) (SessionDetailView, error) {
	now := f.clock.Now()
	detail, err := f.store.Session(ctx, id)
	if err != nil {
		return SessionDetailView{}, err
	}

	running, err := f.runningSet()
	if err != nil {
		return SessionDetailView{}, err
	}
	candidates, err := f.store.ActiveForIdleCheck(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return SessionDetailView{}, err
	}
	candidateByID := make(map[string]store.IdleCandidate, len(candidates))
	for _, c := range candidates {
		candidateByID[c.SessionID] = c
	}

	view := f.annotate(detail.Session, running, candidateByID, now, len(detail.ToolSummary))
	return SessionDetailView{
		SessionDetail:   detail,
		Running:         view.Running,
		MuxTarget:       view.MuxTarget,
		Activity:        view.Activity,
		EstimatedCostUS: view.EstimatedCostUS,
	}, nil
}

// Conversation implements spec.md §4.9's conversation(id, range)
// projection; tool_uses are already attached per-Message by the Store.
func (f *Facade) Conversation(ctx context.Context, sessionID string, rng store.ConversationRange) (ConversationView, error) {
	messages, err := f.store.Conversation(ctx, sessionID, rng)
	if err != nil {
		return ConversationView{}, err
	}
	return ConversationView{SessionID: sessionID, Messages: messages}, nil
}

// Search is a thin pass-through to the Store's full-text search
// (spec.md §4.2.1), exposed here so the transport layer has one
// read-only entry point for every query operation.
func (f *Facade) Search(ctx context.Context, filter store.SearchFilter) ([]store.SearchHit, error) {
	return f.store.Search(ctx, filter)
}

// TokenAnalytics implements the by-day/by-project half of spec.md
// §4.9's analytics bullet.
func (f *Facade) TokenAnalytics(ctx context.Context, since, until time.Time) (TokenAnalytics, error) {
	byDay, err := f.store.AnalyticsTokensByDay(ctx, since, until)
	if err != nil {
		return TokenAnalytics{}, err
	}
	byProject, err := f.store.AnalyticsTokensByProject(ctx, since, until)
	if err != nil {
		return TokenAnalytics{}, err
	}
	return TokenAnalytics{Since: since, Until: until, ByDay: byDay, ByProject: byProject}, nil
}

// ToolAnalytics implements the tool-rollup half of spec.md §4.9's
// analytics bullet ("percentages summing to 100 ±rounding", already
// computed by the Store).
func (f *Facade) ToolAnalytics(ctx context.Context, since, until time.Time) (ToolAnalytics, error) {
	rollups, err := f.store.AnalyticsTools(ctx, since, until)
	if err != nil {
		return ToolAnalytics{}, err
	}
	return ToolAnalytics{Since: since, Until: until, Rollups: rollups}, nil
}
