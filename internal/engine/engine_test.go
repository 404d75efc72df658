package engine_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakeoff/internal/blob"
	"bakeoff/internal/config"
	"bakeoff/internal/db"
	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/events"
	"bakeoff/internal/migrate"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "bakeoff.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default()
	cfg.Limits.BakeCreateInterval = 0
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng.Blobs = blob.NewMemory("http://files.test")
	return &testEnv{Engine: eng, Clock: clk, Ctx: ctx}
}

func (env *testEnv) agent(t *testing.T, name string) domain.Agent {
	t.Helper()
	a, _, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: name})
	require.NoError(t, err)
	return a
}

func (env *testEnv) input(bounty int64, targetRepo string) engine.TaskInput {
	return engine.TaskInput{
		Title:       "Build a scraper",
		Description: "Scrape the listed pages into CSV.",
		Category:    "code",
		Bounty:      bounty,
		TargetRepo:  targetRepo,
		Deadline:    env.Clock.Now().Add(48 * time.Hour),
	}
}

func (env *testEnv) agentTask(t *testing.T, creatorID string, bounty int64, targetRepo string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateAgentTask(env.Ctx, creatorID, env.input(bounty, targetRepo))
	require.NoError(t, err)
	return task
}

func (env *testEnv) submitted(t *testing.T, agentID, taskID, url string) domain.Submission {
	t.Helper()
	_, err := env.Engine.Accept(env.Ctx, agentID, taskID)
	require.NoError(t, err)
	sub, err := env.Engine.Submit(env.Ctx, agentID, taskID, engine.SubmitInput{Type: domain.SubmissionGitHub, URL: url})
	require.NoError(t, err)
	return sub
}

func (env *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n))
	return n
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	e, ok := engine.AsError(err)
	require.True(t, ok, "expected engine error, got %v", err)
	assert.Equal(t, code, e.Code, e.Message)
}

func TestRegistrationBonusEqualsBalance(t *testing.T) {
	env := newTestEnv(t)
	a, key, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: "baker-one", Description: "bakes"})
	require.NoError(t, err)

	balance, err := env.Engine.Balance(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, balance)

	page, err := env.Engine.History(env.Ctx, a.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, domain.TxRegistrationBonus, page.Transactions[0].Type)
	assert.EqualValues(t, 1000, page.Balance)

	got, err := env.Engine.AuthenticateAgent(env.Ctx, key)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, _, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: "BAKER-ONE"})
	requireCode(t, err, engine.CodeNameTaken)
}

func TestEventsStampedWithEngineClock(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "clocked")
	task := env.agentTask(t, a.ID, 100, "")

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.AgentRegistered, evts[0].Type)
	assert.Equal(t, events.TaskCreated, evts[1].Type)
	assert.Equal(t, task.ID, evts[1].TaskID)
	for _, evt := range evts {
		ts, err := time.Parse(time.RFC3339Nano, evt.TS)
		require.NoError(t, err, evt.TS)
		assert.True(t, ts.Equal(env.Clock.Now()), "%s stamped %s", evt.Type, evt.TS)
	}
}

func TestTextBoundsCountCharacters(t *testing.T) {
	env := newTestEnv(t)
	a, _, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: "accented", Description: strings.Repeat("é", 400)})
	require.NoError(t, err)
	_, _, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: "verbose", Description: strings.Repeat("é", 501)})
	requireCode(t, err, engine.CodeValidation)

	in := env.input(100, "")
	in.Title = strings.Repeat("ü", 150)
	task, err := env.Engine.CreateAgentTask(env.Ctx, a.ID, in)
	require.NoError(t, err)
	assert.Equal(t, in.Title, task.Title)

	in.Title = strings.Repeat("ü", 201)
	_, err = env.Engine.CreateAgentTask(env.Ctx, a.ID, in)
	requireCode(t, err, engine.CodeValidation)
}

func TestAuthenticateRejectsUnknownAndInactive(t *testing.T) {
	env := newTestEnv(t)
	a, key, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: "baker"})
	require.NoError(t, err)

	_, err = env.Engine.AuthenticateAgent(env.Ctx, "")
	assert.ErrorContains(t, err, "missing credential")
	_, err = env.Engine.AuthenticateAgent(env.Ctx, "bk_nothex")
	assert.ErrorContains(t, err, "invalid credential")

	require.NoError(t, env.Engine.SetAgentStatus(env.Ctx, a.ID, domain.AgentInactive))
	_, err = env.Engine.AuthenticateAgent(env.Ctx, key)
	assert.ErrorContains(t, err, "invalid credential")
}

func TestOwnedAgentManagement(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.Signup(env.Ctx, "Owner@Example.com", "Owner", "hunter22!")
	require.NoError(t, err)
	a, oldKey, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentInput{Name: "owned", OwnerUserID: u.ID})
	require.NoError(t, err)

	list, err := env.Engine.ListOwnedAgents(env.Ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	newKey, err := env.Engine.RegenerateKey(env.Ctx, u.ID, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)
	_, err = env.Engine.AuthenticateAgent(env.Ctx, oldKey)
	assert.Error(t, err)
	_, err = env.Engine.AuthenticateAgent(env.Ctx, newKey)
	assert.NoError(t, err)

	_, err = env.Engine.RegenerateKey(env.Ctx, "someone-else", a.ID)
	requireCode(t, err, engine.CodeNotFound)

	updated, err := env.Engine.UpdateAgentDescription(env.Ctx, u.ID, a.ID, "new text")
	require.NoError(t, err)
	assert.Equal(t, "new text", updated.Description)

	require.NoError(t, env.Engine.DeactivateAgent(env.Ctx, u.ID, a.ID))
	got, err := env.Engine.GetAgent(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentInactive, got.Status)

	logged, err := env.Engine.Login(env.Ctx, "owner@example.com", "hunter22!")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)
	_, err = env.Engine.Login(env.Ctx, "owner@example.com", "wrong-pass")
	requireCode(t, err, engine.CodeInvalidCredential)
}

func TestAgentTaskDebitsCreator(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "creator")
	task := env.agentTask(t, a.ID, 300, "")
	assert.Equal(t, domain.TaskOpen, task.Status)
	require.NotNil(t, task.PublishedAt)

	balance, err := env.Engine.Balance(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 700, balance)

	_, err = env.Engine.CreateAgentTask(env.Ctx, a.ID, env.input(5000, ""))
	requireCode(t, err, engine.CodeInsufficientBalance)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM tasks WHERE creator_id=?`, a.ID))

	_, err = env.Engine.CreateAgentTask(env.Ctx, a.ID, env.input(10, ""))
	requireCode(t, err, engine.CodeValidation)
}

func TestAgentTaskCreationThrottle(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Limits.BakeCreateInterval = time.Minute
	a := env.agent(t, "creator")
	env.agentTask(t, a.ID, 100, "")

	_, err := env.Engine.CreateAgentTask(env.Ctx, a.ID, env.input(100, ""))
	requireCode(t, err, engine.CodeThrottled)

	env.Clock.Advance(time.Minute)
	_, err = env.Engine.CreateAgentTask(env.Ctx, a.ID, env.input(100, ""))
	assert.NoError(t, err)
}

func TestWinnerSelectionScenario(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "agent-a")
	worker := env.agent(t, "agent-b")
	task := env.agentTask(t, creator.ID, 1000, "")

	sub := env.submitted(t, worker.ID, task.ID, "https://github.com/owner/repo")

	closed, err := env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClosed, closed.Status)
	require.NotNil(t, closed.WinnerSubmissionID)
	assert.Equal(t, sub.ID, *closed.WinnerSubmissionID)

	subs, err := env.Engine.Submissions(env.Ctx, engine.AgentActor(creator.ID), task.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].IsWinner)

	page, err := env.Engine.History(env.Ctx, worker.ID, string(domain.TxBakeWon), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.EqualValues(t, 1000, page.Transactions[0].Amount)
	require.NotNil(t, page.Transactions[0].TaskTitle)
	assert.Equal(t, task.Title, *page.Transactions[0].TaskTitle)
	assert.EqualValues(t, 2000, page.Balance)

	got, err := env.Engine.GetAgent(env.Ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.BakesWon)
	assert.Equal(t, 1, got.BakesAttempted)
	assert.EqualValues(t, 1000, got.TotalEarnings)

	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM tasks WHERE (status='closed') <> (winner_submission_id IS NOT NULL)`))

	_, err = env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, sub.ID)
	requireCode(t, err, engine.CodeTaskNotOpen)
}

func TestPullRequestMustTargetRepo(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	worker := env.agent(t, "worker")
	task := env.agentTask(t, creator.ID, 200, "owner/repo")
	_, err := env.Engine.Accept(env.Ctx, worker.ID, task.ID)
	require.NoError(t, err)

	_, err = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{
		Type: domain.SubmissionPullRequest, URL: "https://github.com/other/repo/pull/3",
	})
	requireCode(t, err, engine.CodeInvalidURL)

	sub, err := env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{
		Type: domain.SubmissionPullRequest, URL: "https://github.com/owner/repo/pull/3",
	})
	require.NoError(t, err)
	require.NotNil(t, sub.PRNumber)
	assert.Equal(t, 3, *sub.PRNumber)
}

func TestAcceptAndSubmitRules(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	worker := env.agent(t, "worker")
	task := env.agentTask(t, creator.ID, 200, "")

	_, err := env.Engine.Accept(env.Ctx, creator.ID, task.ID)
	requireCode(t, err, engine.CodeCreatorForbidden)

	_, err = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{Type: domain.SubmissionDeployedURL, URL: "https://demo.example.com"})
	requireCode(t, err, engine.CodeNotAccepted)

	_, err = env.Engine.Accept(env.Ctx, worker.ID, task.ID)
	require.NoError(t, err)
	_, err = env.Engine.Accept(env.Ctx, worker.ID, task.ID)
	requireCode(t, err, engine.CodeAlreadyAccepted)

	got, err := env.Engine.GetAgent(env.Ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.BakesAttempted)

	_, err = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{Type: domain.SubmissionDeployedURL, URL: "http://demo.example.com"})
	requireCode(t, err, engine.CodeInvalidURL)

	_, err = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{Type: domain.SubmissionDeployedURL, URL: "https://demo.example.com"})
	require.NoError(t, err)
	_, err = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{Type: domain.SubmissionDeployedURL, URL: "https://other.example.com"})
	requireCode(t, err, engine.CodeAlreadySubmitted)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM submissions WHERE task_id=?`, task.ID))

	late := env.agent(t, "late")
	env.Clock.Advance(49 * time.Hour)
	_, err = env.Engine.Accept(env.Ctx, late.ID, task.ID)
	requireCode(t, err, engine.CodeDeadlinePassed)

	require.NoError(t, env.Engine.SetAgentStatus(env.Ctx, late.ID, domain.AgentInactive))
	_, err = env.Engine.Accept(env.Ctx, late.ID, task.ID)
	requireCode(t, err, engine.CodeAgentInactive)
}

func TestPlanAndProgressFreezeAfterSubmission(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	worker := env.agent(t, "worker")
	task := env.agentTask(t, creator.ID, 200, "")

	_, err := env.Engine.SetPlan(env.Ctx, worker.ID, task.ID, "step one")
	requireCode(t, err, engine.CodeNotAccepted)

	_, err = env.Engine.Accept(env.Ctx, worker.ID, task.ID)
	require.NoError(t, err)
	_, err = env.Engine.SetPlan(env.Ctx, worker.ID, task.ID, "step one")
	require.NoError(t, err)
	acc, err := env.Engine.SetPlan(env.Ctx, worker.ID, task.ID, "step two")
	require.NoError(t, err)
	assert.Equal(t, "step two", acc.Plan.Text)

	_, err = env.Engine.ReportProgress(env.Ctx, worker.ID, task.ID, 101, "")
	requireCode(t, err, engine.CodeValidation)
	acc, err = env.Engine.ReportProgress(env.Ctx, worker.ID, task.ID, 40, "halfway-ish")
	require.NoError(t, err)
	assert.Equal(t, 40, acc.Progress.Percentage)

	_, err = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{Type: domain.SubmissionZip, URL: "https://cdn.example.com/out.zip"})
	require.NoError(t, err)

	_, err = env.Engine.SetPlan(env.Ctx, worker.ID, task.ID, "step three")
	requireCode(t, err, engine.CodeSubmissionLocked)
	_, err = env.Engine.ReportProgress(env.Ctx, worker.ID, task.ID, 100, "")
	requireCode(t, err, engine.CodeSubmissionLocked)

	view, err := env.Engine.ViewTask(env.Ctx, engine.AgentActor(worker.ID), task.ID)
	require.NoError(t, err)
	require.NotNil(t, view.MyAcceptance)
	assert.Equal(t, "step two", view.MyAcceptance.Plan.Text)
	assert.Equal(t, 40, view.MyAcceptance.Progress.Percentage)
}

func TestCancelRefundsAgentCreator(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	other := env.agent(t, "other")
	task := env.agentTask(t, creator.ID, 400, "")

	_, err := env.Engine.Cancel(env.Ctx, engine.AgentActor(other.ID), task.ID)
	requireCode(t, err, engine.CodeNotCreator)

	cancelled, err := env.Engine.Cancel(env.Ctx, engine.AgentActor(creator.ID), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.ClosedAt)

	balance, err := env.Engine.Balance(env.Ctx, creator.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, balance)
	page, err := env.Engine.History(env.Ctx, creator.ID, string(domain.TxBakeCancelled), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.EqualValues(t, 400, page.Transactions[0].Amount)

	_, err = env.Engine.Cancel(env.Ctx, engine.AgentActor(creator.ID), task.ID)
	requireCode(t, err, engine.CodeTaskNotOpen)
}

func TestCancelRejectedWithSubmissionsOrAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	worker := env.agent(t, "worker")

	withSub := env.agentTask(t, creator.ID, 100, "")
	env.submitted(t, worker.ID, withSub.ID, "https://github.com/owner/repo")
	_, err := env.Engine.Cancel(env.Ctx, engine.AgentActor(creator.ID), withSub.ID)
	requireCode(t, err, engine.CodeHasSubmissions)

	overdue := env.agentTask(t, creator.ID, 100, "")
	env.Clock.Advance(72 * time.Hour)
	_, err = env.Engine.Cancel(env.Ctx, engine.AgentActor(creator.ID), overdue.ID)
	requireCode(t, err, engine.CodeDeadlinePassed)
}

func TestSelectWinnerRequiresActiveAgentAndMatchingTask(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	gone := env.agent(t, "gone")
	stays := env.agent(t, "stays")
	task := env.agentTask(t, creator.ID, 100, "")
	otherTask := env.agentTask(t, creator.ID, 100, "")

	goneSub := env.submitted(t, gone.ID, task.ID, "https://github.com/a/b")
	staysSub := env.submitted(t, stays.ID, task.ID, "https://github.com/a/c")
	foreign := env.submitted(t, stays.ID, otherTask.ID, "https://github.com/a/d")

	_, err := env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, foreign.ID)
	requireCode(t, err, engine.CodeSubmissionMismatch)

	_, err = env.Engine.SelectWinner(env.Ctx, engine.AgentActor(stays.ID), task.ID, staysSub.ID)
	requireCode(t, err, engine.CodeNotCreator)

	require.NoError(t, env.Engine.SetAgentStatus(env.Ctx, gone.ID, domain.AgentInactive))
	_, err = env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, goneSub.ID)
	requireCode(t, err, engine.CodeAgentInactive)

	closed, err := env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, staysSub.ID)
	require.NoError(t, err)
	assert.Equal(t, stays.ID, *closed.WinnerAgentID)
}

func TestConcurrentSelectWinnerHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	w1 := env.agent(t, "worker-1")
	w2 := env.agent(t, "worker-2")
	task := env.agentTask(t, creator.ID, 500, "")
	subs := []domain.Submission{
		env.submitted(t, w1.ID, task.ID, "https://github.com/a/one"),
		env.submitted(t, w2.ID, task.ID, "https://github.com/a/two"),
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, subs[i%2].ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireCode(t, err, engine.CodeTaskNotOpen)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM bp_transactions WHERE task_id=? AND type='bake_won'`, task.ID))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM submissions WHERE task_id=? AND is_winner=1`, task.ID))
	assert.Equal(t, 1, env.count(t, `SELECT COALESCE(SUM(bakes_won),0) FROM agents WHERE id IN (?,?)`, w1.ID, w2.ID))
}

func TestSubmitCancelRace(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	worker := env.agent(t, "worker")

	for i := 0; i < 10; i++ {
		task := env.agentTask(t, creator.ID, 100, "")
		_, err := env.Engine.Accept(env.Ctx, worker.ID, task.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var submitErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, submitErr = env.Engine.Submit(env.Ctx, worker.ID, task.ID, engine.SubmitInput{Type: domain.SubmissionGitHub, URL: "https://github.com/a/b"})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = env.Engine.Cancel(env.Ctx, engine.AgentActor(creator.ID), task.ID)
		}()
		wg.Wait()

		subs := env.count(t, `SELECT COUNT(*) FROM submissions WHERE task_id=?`, task.ID)
		if cancelErr == nil {
			require.Error(t, submitErr, "iteration %d", i)
			requireCode(t, submitErr, engine.CodeTaskNotOpen)
			assert.Zero(t, subs)
		} else {
			require.NoError(t, submitErr, "iteration %d", i)
			requireCode(t, cancelErr, engine.CodeHasSubmissions)
			assert.Equal(t, 1, subs)
		}
	}
}

func TestDraftLifecycleAndIdempotentPublish(t *testing.T) {
	env := newTestEnv(t)
	owner, err := env.Engine.Signup(env.Ctx, "poster@example.com", "Poster", "password1")
	require.NoError(t, err)
	stranger, err := env.Engine.Signup(env.Ctx, "other@example.com", "Other", "password1")
	require.NoError(t, err)

	published := make(chan string, 1)
	env.Engine.OnPublished = func(_ context.Context, taskID string) { published <- taskID }

	draft, err := env.Engine.CreateDraft(env.Ctx, owner.ID, env.input(250, "https://github.com/Owner/Repo.git"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDraft, draft.Status)
	assert.Equal(t, "owner/repo", draft.TargetRepo)

	_, err = env.Engine.ViewTask(env.Ctx, engine.UserActor(stranger.ID), draft.ID)
	requireCode(t, err, engine.CodeNotFound)

	title := "Updated title"
	bounty := int64(300)
	updated, err := env.Engine.UpdateDraft(env.Ctx, owner.ID, draft.ID, engine.TaskPatch{Title: &title, Bounty: &bounty})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.EqualValues(t, 300, updated.Bounty)

	_, err = env.Engine.UpdateDraft(env.Ctx, stranger.ID, draft.ID, engine.TaskPatch{Title: &title})
	requireCode(t, err, engine.CodeNotCreator)

	require.NoError(t, env.Engine.AttachCheckout(env.Ctx, draft.ID, "cs_test_1"))

	task, changed, err := env.Engine.PublishTask(env.Ctx, draft.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.TaskOpen, task.Status)
	select {
	case id := <-published:
		assert.Equal(t, draft.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("publish hook not called")
	}

	task, changed, err = env.Engine.PublishTask(env.Ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.TaskOpen, task.Status)

	_, err = env.Engine.UpdateDraft(env.Ctx, owner.ID, draft.ID, engine.TaskPatch{Bounty: &bounty})
	requireCode(t, err, engine.CodeTaskNotDraft)
	requireCode(t, env.Engine.DeleteDraft(env.Ctx, owner.ID, draft.ID), engine.CodeTaskNotDraft)

	other, err := env.Engine.CreateDraft(env.Ctx, owner.ID, env.input(250, ""))
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteDraft(env.Ctx, owner.ID, other.ID))
	_, err = env.Engine.GetTask(env.Ctx, other.ID)
	requireCode(t, err, engine.CodeNotFound)
}

func TestUserCancelTriggersRefundHook(t *testing.T) {
	env := newTestEnv(t)
	owner, err := env.Engine.Signup(env.Ctx, "poster@example.com", "Poster", "password1")
	require.NoError(t, err)
	refunded := make(chan domain.Task, 1)
	env.Engine.OnUserRefund = func(_ context.Context, task domain.Task) { refunded <- task }

	draft, err := env.Engine.CreateDraft(env.Ctx, owner.ID, env.input(250, ""))
	require.NoError(t, err)
	_, _, err = env.Engine.PublishTask(env.Ctx, draft.ID)
	require.NoError(t, err)

	_, err = env.Engine.Cancel(env.Ctx, engine.UserActor(owner.ID), draft.ID)
	require.NoError(t, err)
	select {
	case task := <-refunded:
		assert.Equal(t, draft.ID, task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("refund hook not called")
	}
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM bp_transactions WHERE task_id=?`, draft.ID))
}

func TestExpireOverdue(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	worker := env.agent(t, "worker")
	idle := env.agentTask(t, creator.ID, 100, "")
	busy := env.agentTask(t, creator.ID, 100, "")
	env.submitted(t, worker.ID, busy.ID, "https://github.com/a/b")

	n, err := env.Engine.ExpireOverdue(env.Ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(49 * time.Hour)
	n, err = env.Engine.ExpireOverdue(env.Ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.Engine.GetTask(env.Ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	got, err = env.Engine.GetTask(env.Ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, got.Status)

	page, err := env.Engine.History(env.Ctx, creator.ID, string(domain.TxBakeExpired), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.EqualValues(t, 900, page.Balance)
}

func TestTaskViewHidesSubmissionsWhileOpen(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	w1 := env.agent(t, "worker-1")
	w2 := env.agent(t, "worker-2")
	task := env.agentTask(t, creator.ID, 100, "")
	s1 := env.submitted(t, w1.ID, task.ID, "https://github.com/a/one")
	env.submitted(t, w2.ID, task.ID, "https://github.com/a/two")

	view, err := env.Engine.ViewTask(env.Ctx, engine.AgentActor(w1.ID), task.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Submissions)
	assert.Equal(t, 2, view.SubmissionCount)
	require.NotNil(t, view.MySubmission)
	assert.Equal(t, s1.ID, view.MySubmission.ID)

	view, err = env.Engine.ViewTask(env.Ctx, engine.AgentActor(creator.ID), task.ID)
	require.NoError(t, err)
	assert.Len(t, view.Submissions, 2)
	assert.Len(t, view.Acceptances, 2)

	_, err = env.Engine.SelectWinner(env.Ctx, engine.AgentActor(creator.ID), task.ID, s1.ID)
	require.NoError(t, err)
	view, err = env.Engine.ViewTask(env.Ctx, engine.AgentActor(w2.ID), task.ID)
	require.NoError(t, err)
	assert.Len(t, view.Submissions, 2)
}

func TestListOpenAndRates(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	env.agentTask(t, creator.ID, 100, "")
	cutoff := env.Clock.Now()
	env.Clock.Advance(time.Second)
	second := env.agentTask(t, creator.ID, 300, "")

	all, err := env.Engine.ListOpen(env.Ctx, "", time.Time{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	recent, err := env.Engine.ListOpen(env.Ctx, "", cutoff, 10, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ID, recent[0].ID)

	none, err := env.Engine.ListOpen(env.Ctx, "research", time.Time{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	rates, err := env.Engine.Rates(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "code", rates[0].Category)
	assert.Equal(t, 2, rates[0].Count)
	assert.EqualValues(t, 100, rates[0].MinBounty)
	assert.EqualValues(t, 300, rates[0].MaxBounty)
	assert.InDelta(t, 200, rates[0].AvgBounty, 0.001)

	_, err = env.Engine.History(env.Ctx, creator.ID, "bogus", 0, 0)
	requireCode(t, err, engine.CodeValidation)
}
