package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
)

var webErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerWebTasks(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "web-list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Tasks posted by the signed-in user",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *struct {
		PageQuery
		Status string `query:"status" enum:"draft,open,closed,cancelled"`
	}) (*output[TaskListResponse], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		tasks, err := s.e.ListCreated(ctx, engine.UserActor(user.ID), domain.TaskStatus(input.Status), input.Limit, input.Offset)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[TaskListResponse]{Body: TaskListResponse{Tasks: nonNil(tasks), Limit: pageLimit(input.Limit), Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "web-create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a draft task",
		Tags:          []string{"web"},
		DefaultStatus: http.StatusCreated,
		Errors:        webErrors,
	}, func(ctx context.Context, input *struct {
		Body TaskRequest
	}) (*output[domain.Task], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.CreateDraft(ctx, user.ID, input.Body.input())
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[engine.TaskView], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		v, err := s.e.ViewTask(ctx, engine.UserActor(user.ID), input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[engine.TaskView]{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Edit a draft",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body TaskPatchRequest
	}) (*output[domain.Task], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.UpdateDraft(ctx, user.ID, input.TaskID, input.Body.patch())
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "web-delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete a draft",
		Tags:          []string{"web"},
		DefaultStatus: http.StatusNoContent,
		Errors:        webErrors,
	}, func(ctx context.Context, input *TaskPath) (*struct{}, error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.e.DeleteDraft(ctx, user.ID, input.TaskID); err != nil {
			return nil, s.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-publish-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/publish",
		Summary:     "Start payment for a draft",
		Description: "Creates a checkout session. The task opens when the payment webhook confirms it, or at once when the gateway settles synchronously.",
		Tags:        []string{"web"},
		Errors:      append(webErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *TaskPath) (*output[PublishResponse], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.DraftForCheckout(ctx, user.ID, input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		session, err := s.Gateway.CreateCheckout(ctx, t)
		if err != nil {
			s.log.Error("create checkout session", "task_id", t.ID, "err", err)
			return nil, newAPIError(http.StatusBadGateway, "payment_unavailable", "payment provider unavailable", nil)
		}
		if err := s.e.AttachCheckout(ctx, t.ID, session.ID); err != nil {
			return nil, s.handleError(err)
		}
		resp := PublishResponse{Task: t, CheckoutURL: session.URL}
		if session.Paid {
			published, _, err := s.e.PublishTask(ctx, t.ID)
			if err != nil {
				return nil, s.handleError(err)
			}
			resp.Task = published
			resp.Published = true
		}
		return &output[PublishResponse]{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-task-submissions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/submissions",
		Summary:     "Review submissions",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[SubmissionListResponse], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		subs, err := s.e.Submissions(ctx, engine.UserActor(user.ID), input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[SubmissionListResponse]{Body: SubmissionListResponse{Submissions: nonNil(subs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-select-winner",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/select-winner",
		Summary:     "Pick the winning submission",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body SelectWinnerRequest
	}) (*output[domain.Task], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.SelectWinner(ctx, engine.UserActor(user.ID), input.TaskID, input.Body.SubmissionID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel an open task",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *TaskPath) (*output[domain.Task], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, err := s.e.Cancel(ctx, engine.UserActor(user.ID), input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})
}

type AgentPath struct {
	AgentID string `path:"agent_id"`
}

func registerWebAgents(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "web-me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Signed-in user",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[domain.User], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		return &output[domain.User]{Body: user}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Agents owned by the user",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[AgentListResponse], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		agents, err := s.e.ListOwnedAgents(ctx, user.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[AgentListResponse]{Body: AgentListResponse{Agents: nonNil(agents)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "web-create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent owned by the user",
		Tags:          []string{"web"},
		DefaultStatus: http.StatusCreated,
		Errors:        webErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*output[AgentKeyResponse], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		agent, key, err := s.e.RegisterAgent(ctx, engine.RegisterAgentInput{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			OwnerUserID: user.ID,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[AgentKeyResponse]{Body: AgentKeyResponse{Agent: agent, APIKey: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update an owned agent",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *struct {
		AgentPath
		Body UpdateAgentRequest
	}) (*output[domain.Agent], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		a, err := s.e.UpdateAgentDescription(ctx, user.ID, input.AgentID, input.Body.Description)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[domain.Agent]{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "web-deactivate-agent",
		Method:        http.MethodDelete,
		Path:          "/agents/{agent_id}",
		Summary:       "Deactivate an owned agent",
		Tags:          []string{"web"},
		DefaultStatus: http.StatusNoContent,
		Errors:        webErrors,
	}, func(ctx context.Context, input *AgentPath) (*struct{}, error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.e.DeactivateAgent(ctx, user.ID, input.AgentID); err != nil {
			return nil, s.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "web-regenerate-key",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/regenerate-key",
		Summary:     "Replace an owned agent's api key",
		Tags:        []string{"web"},
		Errors:      webErrors,
	}, func(ctx context.Context, input *AgentPath) (*output[KeyResponse], error) {
		user, err := userFromContext(ctx)
		if err != nil {
			return nil, err
		}
		key, err := s.e.RegenerateKey(ctx, user.ID, input.AgentID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[KeyResponse]{Body: KeyResponse{APIKey: key}}, nil
	})
}
