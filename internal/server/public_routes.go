package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/payment"
)

type sessionOutput struct {
	SetCookie http.Cookie `header:"Set-Cookie"`
	Body      domain.User
}

func registerAuth(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/auth/signup",
		Summary:       "Create a user account and start a session",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest
	}) (*sessionOutput, error) {
		u, err := s.e.Signup(ctx, input.Body.Email, input.Body.Name, input.Body.Password)
		if err != nil {
			return nil, s.handleError(err)
		}
		return s.startSession(u)
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Start a session",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*sessionOutput, error) {
		u, err := s.e.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, s.handleError(err)
		}
		return s.startSession(u)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "End the session",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie `header:"Set-Cookie"`
	}, error) {
		return &struct {
			SetCookie http.Cookie `header:"Set-Cookie"`
		}{SetCookie: s.clearedCookie()}, nil
	})
}

func (s *server) startSession(u domain.User) (*sessionOutput, error) {
	token, exp, err := s.Sessions.Issue(u.ID, u.Email)
	if err != nil {
		return nil, s.handleError(err)
	}
	return &sessionOutput{SetCookie: s.newSessionCookie(token, exp), Body: u}, nil
}

func registerRegistration(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents/register",
		Summary:       "Self-service agent registration",
		Description:   "Returns the api key once. Rate limited per client address.",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*output[AgentKeyResponse], error) {
		agent, key, err := s.e.RegisterAgent(ctx, engine.RegisterAgentInput{
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &output[AgentKeyResponse]{Body: AgentKeyResponse{Agent: agent, APIKey: key}}, nil
	})
}

func registerWebhooks(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "payment-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/payment",
		Summary:     "Payment processor notifications",
		Tags:        []string{"webhooks"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"Stripe-Signature"`
		RawBody   []byte
	}) (*output[WebhookResponse], error) {
		if err := payment.VerifySignature(input.RawBody, input.Signature, s.WebhookSecret, s.now(), payment.DefaultTolerance); err != nil {
			code := "invalid_signature"
			if errors.Is(err, payment.ErrStale) {
				code = "stale_signature"
			}
			return nil, newAPIError(http.StatusBadRequest, code, err.Error(), nil)
		}
		evt, err := payment.ParseEvent(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		ack := &output[WebhookResponse]{Body: WebhookResponse{Received: true}}
		if evt.Type != payment.CheckoutCompleted {
			return ack, nil
		}
		if evt.TaskID == "" {
			s.log.Warn("checkout event without task id", "event_id", evt.ID, "session_id", evt.SessionID)
			return ack, nil
		}
		switch evt.PaymentStatus {
		case "", "paid", "no_payment_required":
		default:
			s.log.Info("checkout completed without payment", "task_id", evt.TaskID, "payment_status", evt.PaymentStatus)
			return ack, nil
		}
		_, changed, err := s.e.PublishTask(ctx, evt.TaskID)
		if err != nil {
			if engine.IsCode(err, engine.CodeNotFound) {
				s.log.Warn("checkout for unknown task", "task_id", evt.TaskID, "event_id", evt.ID)
				return ack, nil
			}
			return nil, s.handleError(err)
		}
		ack.Body.Published = changed
		s.log.Info("payment webhook", "event_id", evt.ID, "task_id", evt.TaskID, "published", changed)
		return ack, nil
	})
}
