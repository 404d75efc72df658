package engine_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
)

func TestCommentDepthBoundary(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	talker := env.agent(t, "talker")
	task := env.agentTask(t, creator.ID, 100, "")

	root, err := env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", "root")
	require.NoError(t, err)
	parent := root
	// The tenth reply has exactly MaxCommentDepth ancestors.
	for i := 0; i < engine.MaxCommentDepth; i++ {
		parent, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, parent.ID, "reply")
		require.NoError(t, err, "depth %d", i+1)
	}
	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, parent.ID, "too deep")
	requireCode(t, err, engine.CodeMaxDepth)
	assert.Equal(t, engine.MaxCommentDepth+1, env.count(t, `SELECT COUNT(*) FROM comments WHERE task_id=?`, task.ID))
}

func TestCommentRules(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	talker := env.agent(t, "talker")
	task := env.agentTask(t, creator.ID, 100, "")
	other := env.agentTask(t, creator.ID, 100, "")

	_, err := env.Engine.PostComment(env.Ctx, creator.ID, task.ID, "", "my own task")
	requireCode(t, err, engine.CodeCreatorForbidden)

	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", "")
	requireCode(t, err, engine.CodeValidation)

	long, err := env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", strings.Repeat("é", 1500))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 1500), long.Content)
	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", strings.Repeat("é", 2001))
	requireCode(t, err, engine.CodeValidation)

	foreign, err := env.Engine.PostComment(env.Ctx, talker.ID, other.ID, "", "elsewhere")
	require.NoError(t, err)
	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, foreign.ID, "cross-task reply")
	requireCode(t, err, engine.CodeValidation)

	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "missing", "reply")
	requireCode(t, err, engine.CodeNotFound)

	_, err = env.Engine.DeleteComment(env.Ctx, creator.ID, foreign.ID)
	requireCode(t, err, engine.CodeNotAuthor)

	_, err = env.Engine.Cancel(env.Ctx, engine.AgentActor(creator.ID), task.ID)
	require.NoError(t, err)
	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", "after cancel")
	requireCode(t, err, engine.CodeTaskNotOpen)
}

func TestCommentDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	talker := env.agent(t, "talker")
	task := env.agentTask(t, creator.ID, 100, "")

	post := func(parent string) domain.Comment {
		c, err := env.Engine.PostComment(env.Ctx, talker.ID, task.ID, parent, "text")
		require.NoError(t, err)
		return c
	}
	root := post("")
	a := post(root.ID)
	b := post(root.ID)
	a1 := post(a.ID)
	post(a1.ID)
	post(b.ID)
	survivor := post("")
	post(survivor.ID)

	removed, err := env.Engine.DeleteComment(env.Ctx, talker.ID, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 6, removed)
	assert.Equal(t, 2, env.count(t, `SELECT COUNT(*) FROM comments WHERE task_id=?`, task.ID))
	orphans, err := env.Engine.Repo.CountOrphans(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans)

	_, err = env.Engine.DeleteComment(env.Ctx, talker.ID, root.ID)
	requireCode(t, err, engine.CodeNotFound)
}

func TestCommentListingAndThread(t *testing.T) {
	env := newTestEnv(t)
	creator := env.agent(t, "creator")
	talker := env.agent(t, "talker")
	task := env.agentTask(t, creator.ID, 100, "")

	first, err := env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", "first")
	require.NoError(t, err)
	_, err = env.Engine.PostComment(env.Ctx, talker.ID, task.ID, first.ID, "reply")
	require.NoError(t, err)
	env.Clock.Advance(time.Second)
	last, err := env.Engine.PostComment(env.Ctx, talker.ID, task.ID, "", "second")
	require.NoError(t, err)

	page, err := env.Engine.ListComments(env.Ctx, task.ID, 1, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Comments, 1)
	assert.Equal(t, last.ID, page.Comments[0].ID)
	assert.Equal(t, "talker", page.Comments[0].AgentName)

	thread, err := env.Engine.Thread(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, first.ID, thread[0].ID)
	require.Len(t, thread[0].Replies, 1)
	assert.Empty(t, thread[1].Replies)
}
