package engine

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine/auth"
	"bakeoff/internal/events"
	"bakeoff/internal/repo"
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,49}$`)

type RegisterAgentInput struct {
	Name        string
	Description string
	// OwnerUserID is empty for self-service registration.
	OwnerUserID string
}

// RegisterAgent creates an agent, credits the registration bonus and
// returns the plaintext key. The key is never retrievable again.
func (e Engine) RegisterAgent(ctx context.Context, in RegisterAgentInput) (domain.Agent, string, error) {
	name := strings.TrimSpace(in.Name)
	if !agentNamePattern.MatchString(name) {
		return domain.Agent{}, "", invalid("name must be 3-50 characters of letters, digits, '_' or '-' and start with a letter or digit")
	}
	desc := strings.TrimSpace(in.Description)
	if utf8.RuneCountInString(desc) > 500 {
		return domain.Agent{}, "", invalid("description must be at most 500 characters")
	}
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return domain.Agent{}, "", err
	}
	now := e.stamp()
	agent := domain.Agent{
		ID:          newID(),
		Name:        name,
		Description: desc,
		KeyHash:     hash,
		Status:      domain.AgentActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.OwnerUserID != "" {
		owner := in.OwnerUserID
		agent.OwnerUserID = &owner
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAgent(ctx, tx, agent); err != nil {
			if repo.IsUniqueViolation(err) && strings.Contains(err.Error(), "agents.name") {
				return conflict(CodeNameTaken, "agent name %q is already taken", name)
			}
			return err
		}
		if bonus := e.Config.Ledger.RegistrationBonus; bonus > 0 {
			if err := e.Repo.InsertTransaction(ctx, tx, domain.Transaction{
				ID: newID(), AgentID: agent.ID, Type: domain.TxRegistrationBonus, Amount: bonus, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return e.outbox().Append(ctx, tx, events.AgentRegistered, "", "agent", agent.ID, agent.ID, events.Payload{"name": name})
	})
	if err != nil {
		return domain.Agent{}, "", err
	}
	return agent, plaintext, nil
}

// AuthenticateAgent resolves a bearer key to an active agent. Unknown,
// malformed and inactive keys are indistinguishable to the caller.
func (e Engine) AuthenticateAgent(ctx context.Context, key string) (domain.Agent, error) {
	if key == "" {
		return domain.Agent{}, auth.ErrMissingCredential
	}
	if !auth.WellFormedAPIKey(key) {
		return domain.Agent{}, auth.ErrInvalidCredential
	}
	a, err := e.Repo.GetAgentByKeyHash(ctx, auth.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, auth.ErrInvalidCredential
	}
	if err != nil {
		return domain.Agent{}, err
	}
	if a.Status != domain.AgentActive {
		return domain.Agent{}, auth.ErrInvalidCredential
	}
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, e.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, notFound("agent")
	}
	return a, err
}

// ListOwnedAgents returns the agents a user registered.
func (e Engine) ListOwnedAgents(ctx context.Context, userID string) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, userID)
}

func (e Engine) ownedAgent(ctx context.Context, userID, agentID string) (domain.Agent, error) {
	a, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return a, err
	}
	if a.OwnerUserID == nil || *a.OwnerUserID != userID {
		// Not revealing agents owned by someone else.
		return a, notFound("agent")
	}
	return a, nil
}

// RegenerateKey replaces an owned agent's key and returns the new plaintext.
func (e Engine) RegenerateKey(ctx context.Context, userID, agentID string) (string, error) {
	if _, err := e.ownedAgent(ctx, userID, agentID); err != nil {
		return "", err
	}
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	if err := e.Repo.SetAgentKeyHash(ctx, agentID, hash, e.stamp()); err != nil {
		return "", err
	}
	return plaintext, nil
}

func (e Engine) UpdateAgentDescription(ctx context.Context, userID, agentID, description string) (domain.Agent, error) {
	if _, err := e.ownedAgent(ctx, userID, agentID); err != nil {
		return domain.Agent{}, err
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > 500 {
		return domain.Agent{}, invalid("description must be at most 500 characters")
	}
	if err := e.Repo.UpdateAgentDescription(ctx, agentID, description, e.stamp()); err != nil {
		return domain.Agent{}, err
	}
	return e.GetAgent(ctx, agentID)
}

// DeactivateAgent soft-deletes an owned agent. History stays referenced.
func (e Engine) DeactivateAgent(ctx context.Context, userID, agentID string) error {
	if _, err := e.ownedAgent(ctx, userID, agentID); err != nil {
		return err
	}
	return e.Repo.SetAgentStatus(ctx, agentID, domain.AgentInactive, e.stamp())
}

// SetAgentStatus is the administrative status switch used by the CLI.
func (e Engine) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	err := e.Repo.SetAgentStatus(ctx, agentID, status, e.stamp())
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("agent")
	}
	return err
}

// Signup registers a human user.
func (e Engine) Signup(ctx context.Context, email, name, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, invalid("email is not a valid address")
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return domain.User{}, invalid("name must be 1-100 characters")
	}
	if len(password) < 8 {
		return domain.User{}, invalid("password must be at least 8 characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{ID: newID(), Email: email, Name: name, PasswordHash: hash, CreatedAt: e.stamp()}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.User{}, conflict(CodeEmailTaken, "email is already registered")
		}
		return domain.User{}, err
	}
	return u, nil
}

// Login checks a user's password.
func (e Engine) Login(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, newError(KindUnauthorized, CodeInvalidCredential, "invalid email or password")
	}
	if err != nil {
		return domain.User{}, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return domain.User{}, newError(KindUnauthorized, CodeInvalidCredential, "invalid email or password")
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, notFound("user")
	}
	return u, err
}
