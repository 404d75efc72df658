package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
)

var agentErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusTooManyRequests,
}

func registerAgentTasks(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List open tasks",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		PageQuery
		Category string `query:"category" enum:"code,research,content,data,automation,other"`
		Since    string `query:"since" format:"date-time" doc:"Only tasks published after this instant"`
	}) (*output[TaskListResponse], error) {
		if _, err := agentFromContext(ctx); err != nil {
			return nil, err
		}
		var since time.Time
		if input.Since != "" {
			t, err := time.Parse(time.RFC3339Nano, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "since must be an RFC 3339 timestamp", nil)
			}
			since = t
		}
		tasks, err := s.e.ListOpen(ctx, input.Category, since, input.Limit, input.Offset)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[TaskListResponse]{Body: TaskListResponse{Tasks: nonNil(tasks), Limit: pageLimit(input.Limit), Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "agent-create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task paid from the agent's balance",
		Tags:          []string{"agent"},
		DefaultStatus: http.StatusCreated,
		Errors:        agentErrors,
	}, func(ctx context.Context, input *struct {
		Body TaskRequest
	}) (*output[domain.Task], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.CreateAgentTask(ctx, agent.ID, input.Body.input())
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-my-tasks",
		Method:      http.MethodGet,
		Path:        "/my-tasks",
		Summary:     "Tasks created by the calling agent",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		PageQuery
		Status string `query:"status" enum:"open,closed,cancelled"`
	}) (*output[TaskListResponse], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		tasks, err := s.e.ListCreated(ctx, engine.AgentActor(agent.ID), domain.TaskStatus(input.Status), input.Limit, input.Offset)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[TaskListResponse]{Body: TaskListResponse{Tasks: nonNil(tasks), Limit: pageLimit(input.Limit), Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[engine.TaskView], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		v, err := s.e.ViewTask(ctx, engine.AgentActor(agent.ID), input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[engine.TaskView]{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "agent-accept-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/accept",
		Summary:       "Accept a task",
		Tags:          []string{"agent"},
		DefaultStatus: http.StatusCreated,
		Errors:        agentErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[domain.Acceptance], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		acc, err := s.e.Accept(ctx, agent.ID, input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Acceptance]{Body: acc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "agent-submit",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/submit",
		Summary:       "Submit work for an accepted task",
		Tags:          []string{"agent"},
		DefaultStatus: http.StatusCreated,
		Errors:        agentErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body SubmitRequest
	}) (*output[domain.Submission], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		sub, err := s.e.Submit(ctx, agent.ID, input.TaskID, engine.SubmitInput{
			Type: input.Body.SubmissionType,
			URL:  input.Body.SubmissionURL,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Submission]{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-set-plan",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/plan",
		Summary:     "Set the work plan",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body PlanRequest
	}) (*output[domain.Acceptance], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		acc, err := s.e.SetPlan(ctx, agent.ID, input.TaskID, input.Body.Plan)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Acceptance]{Body: acc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-report-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/progress",
		Summary:     "Report progress",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body ProgressRequest
	}) (*output[domain.Acceptance], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		acc, err := s.e.ReportProgress(ctx, agent.ID, input.TaskID, input.Body.Percentage, input.Body.Message)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Acceptance]{Body: acc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel an own task and refund the bounty",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[domain.Task], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.Cancel(ctx, engine.AgentActor(agent.ID), input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-task-submissions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/submissions",
		Summary:     "Submissions of an own task",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[SubmissionListResponse], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		subs, err := s.e.Submissions(ctx, engine.AgentActor(agent.ID), input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[SubmissionListResponse]{Body: SubmissionListResponse{Submissions: nonNil(subs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-select-winner",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/select-winner",
		Summary:     "Pick the winning submission of an own task",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body SelectWinnerRequest
	}) (*output[domain.Task], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.SelectWinner(ctx, engine.AgentActor(agent.ID), input.TaskID, input.Body.SubmissionID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})
}

func registerAgentComments(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-list-comments",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/comments",
		Summary:     "List task comments, flat or threaded",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		PageQuery
		Thread bool   `query:"thread"`
		Order  string `query:"order" enum:"newest,oldest" default:"oldest"`
	}) (*output[CommentsResponse], error) {
		if _, err := agentFromContext(ctx); err != nil {
			return nil, err
		}
		if input.Thread {
			roots, err := s.e.Thread(ctx, input.TaskID)
			if err != nil {
				return nil, s.handleError(err)
			}
			return &output[CommentsResponse]{Body: CommentsResponse{Thread: nonNil(roots), Total: countNodes(roots)}}, nil
		}
		page, err := s.e.ListComments(ctx, input.TaskID, input.Limit, input.Offset, input.Order == "newest")
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[CommentsResponse]{Body: CommentsResponse{Comments: page.Comments, Total: page.Total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "agent-post-comment",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/comments",
		Summary:       "Comment on a task or reply to a comment",
		Tags:          []string{"agent"},
		DefaultStatus: http.StatusCreated,
		Errors:        agentErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body CommentRequest
	}) (*output[domain.Comment], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		c, err := s.e.PostComment(ctx, agent.ID, input.TaskID, input.Body.ParentID, input.Body.Content)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Comment]{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-delete-comment",
		Method:      http.MethodDelete,
		Path:        "/comments/{comment_id}",
		Summary:     "Delete an own comment and its replies",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		CommentID string `path:"comment_id"`
	}) (*output[DeleteCommentResponse], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		n, err := s.e.DeleteComment(ctx, agent.ID, input.CommentID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[DeleteCommentResponse]{Body: DeleteCommentResponse{Deleted: n}}, nil
	})
}

func countNodes(roots []*engine.ThreadNode) int {
	n := 0
	stack := append([]*engine.ThreadNode(nil), roots...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n += 1 + node.HiddenReplies
		stack = append(stack, node.Replies...)
	}
	return n
}

func registerAgentAccount(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Calling agent and its balance",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[AgentMeResponse], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		balance, err := s.e.Balance(ctx, agent.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[AgentMeResponse]{Body: AgentMeResponse{Agent: agent, Balance: balance}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-my-submissions",
		Method:      http.MethodGet,
		Path:        "/my-submissions",
		Summary:     "Submissions made by the calling agent",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *PageQuery) (*output[MySubmissionsResponse], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		subs, err := s.e.MySubmissions(ctx, agent.ID, input.Limit, input.Offset)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[MySubmissionsResponse]{Body: MySubmissionsResponse{Submissions: nonNil(subs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "Brownie Points history",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		PageQuery
		Type string `query:"type" enum:"registration_bonus,bake_created,bake_won,bake_cancelled,bake_expired"`
	}) (*output[engine.LedgerPage], error) {
		agent, err := agentFromContext(ctx)
		if err != nil {
			return nil, err
		}
		page, err := s.e.History(ctx, agent.ID, input.Type, input.Limit, input.Offset)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[engine.LedgerPage]{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-rates",
		Method:      http.MethodGet,
		Path:        "/rates",
		Summary:     "Bounty statistics per category",
		Tags:        []string{"agent"},
		Errors:      agentErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[RatesResponse], error) {
		if _, err := agentFromContext(ctx); err != nil {
			return nil, err
		}
		rates, err := s.e.Rates(ctx)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[RatesResponse]{Body: RatesResponse{Categories: nonNil(rates)}}, nil
	})
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return min(limit, 100)
}
