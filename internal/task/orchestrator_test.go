package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/planner"
	"github.com/ashureev/firmdesk/internal/store"
	"github.com/ashureev/firmdesk/internal/stream"
	"github.com/ashureev/firmdesk/internal/tools"
)

type plannerStep struct {
	proposal planner.Proposal
	err      error
}

// scriptedPlanner replays steps in order, then keeps proposing completion.
// A non-nil gate blocks every call until it is closed.
type scriptedPlanner struct {
	mu          sync.Mutex
	steps       []plannerStep
	repeat      *plannerStep
	unavailable bool
	gate        chan struct{}
	calls       int
	contexts    []planner.StepContext
}

func (p *scriptedPlanner) ProposeNextStep(ctx context.Context, sc planner.StepContext) (planner.Proposal, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return planner.Proposal{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.contexts = append(p.contexts, sc)
	if p.repeat != nil {
		return p.repeat.proposal, p.repeat.err
	}
	if len(p.steps) == 0 {
		return planner.Proposal{Terminal: true, Result: "done"}, nil
	}
	next := p.steps[0]
	p.steps = p.steps[1:]
	return next.proposal, next.err
}

func (p *scriptedPlanner) Available() bool { return !p.unavailable }
func (p *scriptedPlanner) Close()          {}

func (p *scriptedPlanner) firstContext() planner.StepContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contexts[0]
}

type fakeRegistry struct {
	mu          sync.Mutex
	specs       []domain.ToolSpec
	describeErr error
	failing     map[string]bool
	invoked     []string
}

func (r *fakeRegistry) Describe(context.Context) ([]domain.ToolSpec, error) {
	if r.describeErr != nil {
		return nil, r.describeErr
	}
	return r.specs, nil
}

func (r *fakeRegistry) Invoke(_ context.Context, name string, _ json.RawMessage, _ tools.InvocationContext) (domain.ToolResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoked = append(r.invoked, name)
	if r.failing[name] {
		return domain.ToolResult{Success: false, Output: json.RawMessage(`{"error":"boom"}`)}, nil
	}
	return domain.ToolResult{Success: true, Output: json.RawMessage(`{"ok":true}`)}, nil
}

func newRegistry() *fakeRegistry {
	return &fakeRegistry{
		specs: []domain.ToolSpec{
			{Name: "get_matter", Required: []string{"matter_id"}, Parameters: map[string]any{
				"matter_id": map[string]any{"type": "string"},
			}},
			{Name: "create_document", Required: []string{"content"}, Parameters: map[string]any{
				"content":       map[string]any{"type": "string"},
				"self_reviewed": map[string]any{"type": "boolean"},
			}},
			{Name: "create_task"},
		},
		failing: map[string]bool{},
	}
}

type harness struct {
	orch     *Orchestrator
	repo     store.Repository
	hub      *stream.Hub
	planner  *scriptedPlanner
	registry *fakeRegistry
}

func newHarness(t *testing.T, p *scriptedPlanner) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "firmdesk.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	hub := stream.NewHub(stream.HubConfig{}, nil)
	reg := newRegistry()
	orch := New(Config{PersistTimeout: 5 * time.Second}, repo, p, reg, hub, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, repo: repo, hub: hub, planner: p, registry: reg}
}

func (h *harness) start(t *testing.T, req StartRequest) *domain.Task {
	t.Helper()
	task, err := h.orch.StartTask(context.Background(), req)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	return task
}

func (h *harness) wait(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx, taskID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	task, err := h.repo.GetTask(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (h *harness) eventTypes(taskID string) []string {
	var out []string
	for _, ev := range h.hub.History(taskID, 500).Events {
		out = append(out, ev.Type)
	}
	return out
}

func toolStep(tool, args string) plannerStep {
	return plannerStep{proposal: planner.Proposal{Tool: tool, Args: json.RawMessage(args)}}
}

func count(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}

func TestStartTaskValidation(t *testing.T) {
	h := newHarness(t, &scriptedPlanner{})

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"empty goal", StartRequest{FirmID: "f", UserID: "u", Goal: "   "}},
		{"goal too long", StartRequest{FirmID: "f", UserID: "u", Goal: strings.Repeat("a", 8001)}},
		{"max steps too high", StartRequest{FirmID: "f", UserID: "u", Goal: "x", Options: domain.TaskOptions{MaxSteps: 201}}},
		{"negative max steps", StartRequest{FirmID: "f", UserID: "u", Goal: "x", Options: domain.TaskOptions{MaxSteps: -1}}},
		{"unknown work type", StartRequest{FirmID: "f", UserID: "u", Goal: "x", Options: domain.TaskOptions{WorkType: "juggling"}}},
		{"missing user", StartRequest{FirmID: "f", Goal: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.StartTask(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestStartTaskServiceUnavailable(t *testing.T) {
	t.Run("planner unavailable", func(t *testing.T) {
		h := newHarness(t, &scriptedPlanner{unavailable: true})
		_, err := h.orch.StartTask(context.Background(), StartRequest{FirmID: "f", UserID: "u", Goal: "summarize"})
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Fatalf("err = %v, want ErrServiceUnavailable", err)
		}
	})
	t.Run("registry down", func(t *testing.T) {
		h := newHarness(t, &scriptedPlanner{})
		h.registry.describeErr = errors.New("connection refused")
		_, err := h.orch.StartTask(context.Background(), StartRequest{FirmID: "f", UserID: "u", Goal: "summarize"})
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Fatalf("err = %v, want ErrServiceUnavailable", err)
		}
	})
	t.Run("no planner", func(t *testing.T) {
		orch := New(Config{}, nil, nil, newRegistry(), stream.NewHub(stream.HubConfig{}, nil), nil)
		_, err := orch.StartTask(context.Background(), StartRequest{FirmID: "f", UserID: "u", Goal: "summarize"})
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Fatalf("err = %v, want ErrServiceUnavailable", err)
		}
	})
}

func TestStartTaskOneActivePerUser(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &scriptedPlanner{gate: gate})

	first := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "review the lease"})
	_, err := h.orch.StartTask(context.Background(), StartRequest{FirmID: "f", UserID: "u", Goal: "another goal"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second start err = %v, want ErrConflict", err)
	}

	other := h.start(t, StartRequest{FirmID: "f", UserID: "someone-else", Goal: "review the lease"})

	tasks, err := h.orch.ListTasks(context.Background(), "f", "u", 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("user has %d tasks, want 1", len(tasks))
	}

	close(gate)
	h.wait(t, first.ID)
	h.wait(t, other.ID)

	again := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "next goal"})
	h.wait(t, again.ID)
}

func TestStartTaskConcurrentSameUser(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &scriptedPlanner{gate: gate})

	const n = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		started    []*domain.Task
		conflicts  int
		unexpected []error
	)
	ready := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			task, err := h.orch.StartTask(context.Background(), StartRequest{
				FirmID: "f", UserID: "u", Goal: fmt.Sprintf("draft memo %d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, task)
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	close(ready)
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	if len(started) != 1 || conflicts != n-1 {
		t.Fatalf("started %d, conflicts %d; want 1 and %d", len(started), conflicts, n-1)
	}
	tasks, err := h.orch.ListTasks(context.Background(), "f", "u", 50)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("persisted %d tasks, want 1", len(tasks))
	}

	close(gate)
	if got := h.wait(t, started[0].ID); !got.Status.IsTerminal() {
		t.Fatalf("status = %s, want terminal", got.Status)
	}
}

func TestTaskCompletesAndLearns(t *testing.T) {
	content := strings.Repeat("Clause analysis. ", 100)
	p := &scriptedPlanner{steps: []plannerStep{
		{proposal: planner.Proposal{Thought: "read the matter first", Plan: json.RawMessage(`{"steps":["read","draft"]}`),
			Tool: "get_matter", Args: json.RawMessage(`{"matter_id":"m1"}`)}},
		toolStep("create_document", fmt.Sprintf(`{"content":%q,"self_reviewed":true,"title":"Lease memo"}`, content)),
		{proposal: planner.Proposal{Terminal: true, Result: "Memo drafted.\nRisk: renewal option lapses in March"}},
	}}
	h := newHarness(t, p)

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "Draft a memo on the lease", Options: domain.TaskOptions{MatterID: "m1"}})
	if task.Status != domain.TaskPending {
		t.Fatalf("returned status = %s, want pending", task.Status)
	}

	got := h.wait(t, task.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.ErrorMessage)
	}
	if len(got.Actions) != 2 || got.Actions[0].Tool != "get_matter" || got.Actions[1].Seq != 2 {
		t.Fatalf("actions = %+v", got.Actions)
	}
	if string(got.StructuredPlan) != `{"steps":["read","draft"]}` {
		t.Fatalf("structured plan = %s", got.StructuredPlan)
	}

	types := h.eventTypes(task.ID)
	for _, want := range []string{
		domain.EventTaskStart, domain.EventThought, domain.EventPlanUpdate,
		domain.EventToolStart, domain.EventToolEnd, domain.EventArtifactComplete, domain.EventTaskComplete,
	} {
		if count(types, want) == 0 {
			t.Errorf("missing %s event in %v", want, types)
		}
	}

	report, err := h.repo.GetConfidenceReport(context.Background(), task.ID)
	if err != nil || report == nil {
		t.Fatalf("confidence report missing: %v", err)
	}
	if report.Overall < 55 {
		t.Fatalf("overall = %d, want >= 55", report.Overall)
	}

	memory, err := h.repo.ListMatterMemory(context.Background(), "f", "m1", time.Now(), 10)
	if err != nil {
		t.Fatalf("ListMatterMemory: %v", err)
	}
	var hasRisk, hasWork bool
	for _, m := range memory {
		hasRisk = hasRisk || m.MemoryType == domain.MemoryRisk
		hasWork = hasWork || m.MemoryType == domain.MemoryCompletedWork
	}
	if !hasRisk || !hasWork {
		t.Fatalf("memory = %+v, want risk and completed_work", memory)
	}

	// A later task on the same matter starts with that memory.
	next := &scriptedPlanner{}
	h.orch.planner = next
	second := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "Summarize open issues", Options: domain.TaskOptions{MatterID: "m1"}})
	h.wait(t, second.ID)
	joined := strings.Join(next.firstContext().Guidance, "\n")
	if !strings.Contains(joined, "renewal option lapses in March") {
		t.Fatalf("guidance does not carry matter memory:\n%s", joined)
	}

	for _, m := range memory {
		if err := h.repo.ResolveMatterMemory(context.Background(), "f", "m1", m.ID); err != nil {
			t.Fatalf("ResolveMatterMemory: %v", err)
		}
	}
	third := &scriptedPlanner{}
	h.orch.planner = third
	after := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "Summarize open issues", Options: domain.TaskOptions{MatterID: "m1"}})
	h.wait(t, after.ID)
	if g := strings.Join(third.firstContext().Guidance, "\n"); strings.Contains(g, "renewal option") {
		t.Fatalf("resolved memory still in guidance:\n%s", g)
	}
}

func TestToolFailuresAreNotFatal(t *testing.T) {
	p := &scriptedPlanner{steps: []plannerStep{
		toolStep("shred_everything", `{}`),
		toolStep("get_matter", `{"matter_id":7}`),
		toolStep("create_task", `{"title":"call client"}`),
	}}
	h := newHarness(t, p)
	h.registry.failing["create_task"] = true

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "Follow up with the client"})
	got := h.wait(t, task.ID)

	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.ErrorMessage)
	}
	if len(got.Actions) != 3 {
		t.Fatalf("recorded %d actions, want 3", len(got.Actions))
	}
	for _, a := range got.Actions {
		if a.Success {
			t.Errorf("action %s succeeded, want failure", a.Tool)
		}
	}
	if len(h.registry.invoked) != 1 || h.registry.invoked[0] != "create_task" {
		t.Fatalf("invoked = %v, want only create_task", h.registry.invoked)
	}

	types := h.eventTypes(task.ID)
	if n := count(types, domain.EventToolError); n != 3 {
		t.Fatalf("tool_error events = %d, want 3", n)
	}
	// Low confidence sends the completion back twice before it is accepted.
	if n := count(types, domain.EventCompletionRejected); n != 2 {
		t.Fatalf("completion_rejected events = %d, want 2", n)
	}
}

func TestStepBudgetExceeded(t *testing.T) {
	step := toolStep("get_matter", `{"matter_id":"m1"}`)
	h := newHarness(t, &scriptedPlanner{repeat: &step})

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "loop forever", Options: domain.TaskOptions{MaxSteps: 3}})
	got := h.wait(t, task.ID)

	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, domain.ErrStepBudgetExceeded.Error()) {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	if len(got.Actions) != 3 {
		t.Fatalf("actions = %d, want 3", len(got.Actions))
	}
	if count(h.eventTypes(task.ID), domain.EventTaskFailed) != 1 {
		t.Fatal("missing task_failed event")
	}
}

func TestRepeatedPlannerFailuresFailTask(t *testing.T) {
	step := plannerStep{err: fmt.Errorf("dial: %w", domain.ErrServiceUnavailable)}
	p := &scriptedPlanner{repeat: &step}
	h := newHarness(t, p)

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "anything"})
	got := h.wait(t, task.ID)

	if got.Status != domain.TaskFailed || !strings.Contains(got.ErrorMessage, "reasoning capability unavailable") {
		t.Fatalf("status = %s message = %q", got.Status, got.ErrorMessage)
	}
	if p.calls != 3 {
		t.Fatalf("planner calls = %d, want 3", p.calls)
	}
}

func TestCancelTask(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &scriptedPlanner{gate: gate})
	ctx := context.Background()

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "research"})

	if _, err := h.orch.CancelTask(ctx, task.ID, "intruder"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign cancel err = %v, want ErrForbidden", err)
	}
	if _, err := h.orch.CancelTask(ctx, "missing", "u"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing cancel err = %v, want ErrNotFound", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := h.orch.CancelTask(ctx, task.ID, "u")
		if err != nil || !ok {
			t.Fatalf("cancel #%d = %v, %v; want true", i+1, ok, err)
		}
	}

	close(gate)
	got := h.wait(t, task.ID)
	if got.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	ok, err := h.orch.CancelTask(ctx, task.ID, "u")
	if err != nil || ok {
		t.Fatalf("cancel after finish = %v, %v; want false, nil", ok, err)
	}
}

// cancellingRepo cancels the newest task of the user while learning context
// is loaded, after the task row exists and before its loop starts.
type cancellingRepo struct {
	store.Repository
	orch      *Orchestrator
	cancelled bool
	err       error
}

func (r *cancellingRepo) ListActiveOverrides(ctx context.Context, firmID, userID, workType string) ([]*domain.QualityOverride, error) {
	tasks, err := r.Repository.ListTasks(ctx, firmID, userID, 1)
	if err != nil || len(tasks) == 0 {
		r.err = fmt.Errorf("list tasks: %v (%d)", err, len(tasks))
	} else {
		r.cancelled, r.err = r.orch.CancelTask(ctx, tasks[0].ID, userID)
	}
	return r.Repository.ListActiveOverrides(ctx, firmID, userID, workType)
}

func TestCancelWhileStarting(t *testing.T) {
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "firmdesk.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = base.Close() })

	p := &scriptedPlanner{}
	repo := &cancellingRepo{Repository: base}
	hub := stream.NewHub(stream.HubConfig{}, nil)
	orch := New(Config{PersistTimeout: 5 * time.Second}, repo, p, newRegistry(), hub, nil)
	repo.orch = orch
	h := &harness{orch: orch, repo: base, hub: hub, planner: p}

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "research"})
	if repo.err != nil || !repo.cancelled {
		t.Fatalf("CancelTask during start = %v, %v; want true, nil", repo.cancelled, repo.err)
	}

	got := h.wait(t, task.ID)
	if got.Status != domain.TaskCancelled || got.ErrorMessage != "" {
		t.Fatalf("task = %s %q, want cancelled without error", got.Status, got.ErrorMessage)
	}
	types := h.eventTypes(task.ID)
	if count(types, domain.EventTaskCancelled) != 1 || count(types, domain.EventTaskFailed) != 0 || count(types, domain.EventTaskStart) != 0 {
		t.Fatalf("events = %v", types)
	}
	if p.calls != 0 {
		t.Fatalf("planner calls = %d, want 0", p.calls)
	}

	again := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "next"})
	h.wait(t, again.ID)
}

func TestLookupTask(t *testing.T) {
	h := newHarness(t, &scriptedPlanner{})
	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "summarize"})
	h.wait(t, task.ID)

	got, err := h.orch.LookupTask(context.Background(), task.ID)
	if err != nil || got.FirmID != "f" {
		t.Fatalf("LookupTask = %+v, %v", got, err)
	}
	if _, err := h.orch.LookupTask(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestCancelOrphanedTask(t *testing.T) {
	h := newHarness(t, &scriptedPlanner{})
	ctx := context.Background()
	orphan := &domain.Task{
		ID: "orphan-1", FirmID: "f", UserID: "u", Goal: "left behind",
		WorkType: "general", Complexity: domain.ComplexitySimple,
		Status: domain.TaskPending, CreatedAt: time.Now(),
	}
	if err := h.repo.CreateTask(ctx, orphan); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := h.repo.TransitionTask(ctx, orphan.ID, domain.TaskRunning, store.TaskUpdate{At: time.Now()}); err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}

	ok, err := h.orch.CancelTask(ctx, orphan.ID, "u")
	if err != nil || !ok {
		t.Fatalf("CancelTask = %v, %v", ok, err)
	}
	got, _ := h.repo.GetTask(ctx, orphan.ID)
	if got.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestRecordFeedback(t *testing.T) {
	h := newHarness(t, &scriptedPlanner{steps: []plannerStep{
		toolStep("get_matter", `{"matter_id":"m1"}`),
	}})
	ctx := context.Background()

	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "Draft a memo on the lease"})
	done := h.wait(t, task.ID)

	tests := []struct {
		name    string
		req     FeedbackRequest
		wantErr error
	}{
		{"rating too low", FeedbackRequest{TaskID: task.ID, FirmID: "f", UserID: "u", Rating: 0}, domain.ErrValidation},
		{"rating too high", FeedbackRequest{TaskID: task.ID, FirmID: "f", UserID: "u", Rating: 6}, domain.ErrValidation},
		{"other firm", FeedbackRequest{TaskID: task.ID, FirmID: "g", UserID: "u", Rating: 2}, domain.ErrNotFound},
		{"missing task", FeedbackRequest{TaskID: "nope", FirmID: "f", UserID: "u", Rating: 2}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.orch.RecordFeedback(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	res, err := h.orch.RecordFeedback(ctx, FeedbackRequest{
		TaskID: task.ID, FirmID: "f", UserID: "reviewer", Rating: 2,
		Feedback: "this memo is way too generic and could apply to any case",
	})
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if !res.Rejection {
		t.Fatal("rating 2 should be a rejection")
	}
	kinds := map[domain.RuleType]bool{}
	for _, o := range res.Overrides {
		kinds[o.RuleType] = true
		if o.UserID != "u" || o.WorkType != done.WorkType {
			t.Errorf("override bound to %s/%s, want u/%s", o.UserID, o.WorkType, done.WorkType)
		}
	}
	if !kinds[domain.RulePromptModifier] || !kinds[domain.RuleMinDocumentLength] {
		t.Fatalf("override kinds = %v", kinds)
	}

	// The owner's next task of the same work type applies the overrides.
	next := &scriptedPlanner{}
	h.orch.planner = next
	second := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "Draft a memo on the lease"})
	h.wait(t, second.ID)
	if g := strings.Join(next.firstContext().Guidance, "\n"); !strings.Contains(g, "Reviewer guidance") {
		t.Fatalf("guidance missing override:\n%s", g)
	}

	approval, err := h.orch.RecordFeedback(ctx, FeedbackRequest{TaskID: second.ID, FirmID: "f", UserID: "reviewer", Rating: 5})
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if approval.Rejection || approval.OverridesCredited != int64(len(res.Overrides)) {
		t.Fatalf("approval = %+v, want %d credited", approval, len(res.Overrides))
	}
}

func TestFeedbackOnActiveTaskRejected(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &scriptedPlanner{gate: gate})
	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "research"})

	_, err := h.orch.RecordFeedback(context.Background(), FeedbackRequest{TaskID: task.ID, FirmID: "f", UserID: "u", Rating: 1, Feedback: "bad"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	close(gate)
	h.wait(t, task.ID)
}

func TestRecover(t *testing.T) {
	h := newHarness(t, &scriptedPlanner{})
	ctx := context.Background()
	stale := &domain.Task{
		ID: "stale-1", FirmID: "f", UserID: "u", Goal: "old",
		WorkType: "general", Complexity: domain.ComplexitySimple,
		Status: domain.TaskPending, CreatedAt: time.Now(),
	}
	if err := h.repo.CreateTask(ctx, stale); err != nil {
		t.Fatal(err)
	}

	n, err := h.orch.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v; want 1", n, err)
	}
	got, _ := h.repo.GetTask(ctx, stale.ID)
	if got.Status != domain.TaskFailed || got.ErrorMessage != InterruptedMessage {
		t.Fatalf("recovered task = %s %q", got.Status, got.ErrorMessage)
	}

	// The slot is free again.
	task := h.start(t, StartRequest{FirmID: "f", UserID: "u", Goal: "fresh"})
	h.wait(t, task.ID)
}

func TestGetConfidenceFallsBackToScoring(t *testing.T) {
	h := newHarness(t, &scriptedPlanner{})
	ctx := context.Background()
	stale := &domain.Task{
		ID: "t-no-report", FirmID: "f", UserID: "u", Goal: "old",
		WorkType: "general", Complexity: domain.ComplexitySimple,
		Status: domain.TaskPending, CreatedAt: time.Now(),
	}
	if err := h.repo.CreateTask(ctx, stale); err != nil {
		t.Fatal(err)
	}

	report, err := h.orch.GetConfidence(ctx, stale.ID, "f")
	if err != nil {
		t.Fatalf("GetConfidence: %v", err)
	}
	if report.TaskID != stale.ID || len(report.Sections) == 0 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := h.orch.GetConfidence(ctx, stale.ID, "other-firm"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-firm err = %v, want ErrNotFound", err)
	}
}
