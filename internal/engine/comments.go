package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"bakeoff/internal/domain"
	"bakeoff/internal/events"
	"bakeoff/internal/repo"
)

// MaxCommentDepth is the largest number of ancestors a comment may have.
const MaxCommentDepth = 10

const maxCommentLength = 2000

// PostComment adds a comment or reply to an open task.
func (e Engine) PostComment(ctx context.Context, agentID, taskID, parentID, content string) (domain.Comment, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n < 1 || n > maxCommentLength {
		return domain.Comment{}, invalid("content must be 1-%d characters", maxCommentLength)
	}
	var c domain.Comment
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.activeAgent(ctx, tx, agentID)
		if err != nil {
			return err
		}
		t, err := e.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status == domain.TaskDraft {
			return notFound("task")
		}
		if t.CreatedBy(domain.CreatorAgent, agentID) {
			return forbidden(CodeCreatorForbidden, "the task creator cannot comment on its own task")
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		var parent *string
		if parentID != "" {
			if err := e.checkParent(ctx, tx, taskID, parentID); err != nil {
				return err
			}
			parent = &parentID
		}
		now := e.stamp()
		c = domain.Comment{
			ID: newID(), TaskID: taskID, AgentID: agentID, AgentName: agent.Name,
			ParentID: parent, Content: content, CreatedAt: now, UpdatedAt: now,
		}
		if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
			return err
		}
		return e.outbox().Append(ctx, tx, events.CommentPosted, taskID, "comment", c.ID, agentID, nil)
	})
	return c, err
}

// checkParent verifies the parent belongs to the task and that a reply to
// it stays within MaxCommentDepth ancestors. The walk is iterative and
// stops at the cap, so a corrupt cycle cannot loop forever.
func (e Engine) checkParent(ctx context.Context, q repo.Querier, taskID, parentID string) error {
	link, err := e.Repo.GetCommentLink(ctx, q, parentID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("parent comment")
	}
	if err != nil {
		return err
	}
	if link.TaskID != taskID {
		return invalid("parent comment belongs to another task")
	}
	ancestors := 1
	for link.ParentID != nil {
		ancestors++
		if ancestors > MaxCommentDepth {
			return invalid("replies may be nested at most %d levels deep", MaxCommentDepth).
				withCode(CodeMaxDepth).with("max_depth", MaxCommentDepth)
		}
		if link, err = e.Repo.GetCommentLink(ctx, q, *link.ParentID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteComment removes the author's comment and every descendant in one
// transaction and returns the number of rows deleted.
func (e Engine) DeleteComment(ctx context.Context, agentID, commentID string) (int64, error) {
	var removed int64
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetComment(ctx, tx, commentID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("comment")
		}
		if err != nil {
			return err
		}
		if c.AgentID != agentID {
			return forbidden(CodeNotAuthor, "only the author may delete a comment")
		}
		// Collect generations breadth-first; delete the deepest first so
		// no row ever points at a missing parent.
		generations := [][]string{{commentID}}
		seen := map[string]bool{commentID: true}
		for frontier := generations[0]; len(frontier) > 0; {
			children, err := e.Repo.ChildIDs(ctx, tx, frontier)
			if err != nil {
				return err
			}
			next := children[:0]
			for _, id := range children {
				if !seen[id] {
					seen[id] = true
					next = append(next, id)
				}
			}
			if len(next) == 0 {
				break
			}
			generations = append(generations, next)
			frontier = next
		}
		for i := len(generations) - 1; i >= 0; i-- {
			n, err := e.Repo.DeleteComments(ctx, tx, generations[i])
			if err != nil {
				return err
			}
			removed += n
		}
		return e.outbox().Append(ctx, tx, events.CommentDeleted, c.TaskID, "comment", commentID, agentID, events.Payload{"removed": removed})
	})
	return removed, err
}

// CommentPage is one page of a flat comment listing.
type CommentPage struct {
	Comments []domain.Comment `json:"comments"`
	Total    int              `json:"total"`
}

func (e Engine) visibleTask(ctx context.Context, taskID string) error {
	t, err := e.loadTask(ctx, e.DB, taskID)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskDraft {
		return notFound("task")
	}
	return nil
}

// ListComments pages a task's comments flat.
func (e Engine) ListComments(ctx context.Context, taskID string, limit, offset int, newestFirst bool) (CommentPage, error) {
	if err := e.visibleTask(ctx, taskID); err != nil {
		return CommentPage{}, err
	}
	list, err := e.Repo.ListComments(ctx, taskID, clampLimit(limit), max(offset, 0), newestFirst)
	if err != nil {
		return CommentPage{}, err
	}
	total, err := e.Repo.CountComments(ctx, taskID)
	if err != nil {
		return CommentPage{}, err
	}
	if list == nil {
		list = []domain.Comment{}
	}
	return CommentPage{Comments: list, Total: total}, nil
}

// ThreadNode is a comment with its nested replies. Replies below the
// display depth are counted in HiddenReplies instead of being nested.
type ThreadNode struct {
	domain.Comment
	Replies       []*ThreadNode `json:"replies"`
	HiddenReplies int           `json:"hidden_replies,omitempty"`
}

// Thread builds the reply tree of a task, oldest first at every level.
func (e Engine) Thread(ctx context.Context, taskID string) ([]*ThreadNode, error) {
	if err := e.visibleTask(ctx, taskID); err != nil {
		return nil, err
	}
	all, err := e.Repo.ListComments(ctx, taskID, 0, 0, false)
	if err != nil {
		return nil, err
	}
	return buildThread(all, MaxCommentDepth), nil
}

func buildThread(all []domain.Comment, maxDepth int) []*ThreadNode {
	children := map[string][]*ThreadNode{}
	var roots []*ThreadNode
	ids := make(map[string]bool, len(all))
	for _, c := range all {
		ids[c.ID] = true
	}
	for _, c := range all {
		n := &ThreadNode{Comment: c, Replies: []*ThreadNode{}}
		if c.ParentID == nil || !ids[*c.ParentID] {
			roots = append(roots, n)
			continue
		}
		children[*c.ParentID] = append(children[*c.ParentID], n)
	}

	type item struct {
		node  *ThreadNode
		depth int
	}
	queue := make([]item, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, item{r, 0})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		kids := children[it.node.ID]
		if it.depth >= maxDepth {
			it.node.HiddenReplies = countDescendants(children, it.node.ID)
			continue
		}
		it.node.Replies = append(it.node.Replies, kids...)
		for _, k := range kids {
			queue = append(queue, item{k, it.depth + 1})
		}
	}
	if roots == nil {
		roots = []*ThreadNode{}
	}
	return roots
}

func countDescendants(children map[string][]*ThreadNode, id string) int {
	n := 0
	stack := []string{id}
	seen := map[string]bool{id: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, k := range children[cur] {
			if seen[k.ID] {
				continue
			}
			seen[k.ID] = true
			n++
			stack = append(stack, k.ID)
		}
	}
	return n
}
