package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/events"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/metrics"
)

// Logger is the logging interface used by the orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Failure reasons carried by auth.login_failed and the login metrics.
const (
	ReasonUnknownPrincipal = "unknown_principal"
	ReasonInactive         = "inactive"
	ReasonNoCode           = "no_code"
	ReasonExpired          = "expired"
	ReasonMismatch         = "mismatch"
	ReasonTooManyAttempts  = "too_many_attempts"
	ReasonDeliveryFailed   = "delivery_failed"
)

// Deps are the collaborators an Orchestrator composes.
type Deps struct {
	Store    auth.Store
	Tokens   *auth.TokenService
	Verifier *auth.Verifier
	Notifier auth.Notifier
	Emitter  auth.EventEmitter
	Logger   Logger
}

// Config tunes orchestrator behaviour.
type Config struct {
	// TrackRefreshGeneration rejects superseded refresh tokens.
	TrackRefreshGeneration bool

	// WelcomeMessage is sent after registration. Empty disables it.
	WelcomeMessage string

	// DefaultRole is assigned to newly registered principals when it exists.
	DefaultRole string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Orchestrator composes the verifier, token service and credential store
// into the login flow: Start -> CodeSent -> Verified -> TokensIssued.
// Event publication is best-effort and never fails an operation.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Orchestrator struct {
	store    auth.Store
	tokens   *auth.TokenService
	verifier *auth.Verifier
	notifier auth.Notifier
	emitter  auth.EventEmitter
	logger   Logger
	cfg      Config
}

// New validates deps and creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("session: store is required")
	case deps.Tokens == nil:
		return nil, errors.New("session: token service is required")
	case deps.Verifier == nil:
		return nil, errors.New("session: verifier is required")
	case deps.Emitter == nil:
		return nil, errors.New("session: event emitter is required")
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		store:    deps.Store,
		tokens:   deps.Tokens,
		verifier: deps.Verifier,
		notifier: deps.Notifier,
		emitter:  deps.Emitter,
		logger:   deps.Logger,
		cfg:      cfg,
	}, nil
}

// Pending describes a login waiting for its one-time code.
type Pending struct {
	ExternalID string    `json:"external_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	ExpiresIn  int64     `json:"expires_in"`
}

// Result is a completed login or refresh.
type Result struct {
	Tokens    auth.TokenPair  `json:"tokens"`
	Principal *auth.Principal `json:"principal"`
}

// ProfileUpdate carries optional profile changes.
type ProfileUpdate struct {
	Name   *string `json:"name,omitempty"`
	Handle *string `json:"handle,omitempty"`
}

// Register creates an active principal bound to externalID.
func (o *Orchestrator) Register(ctx context.Context, externalID, name, handle string) (*auth.Principal, error) {
	externalID = strings.TrimSpace(externalID)
	name = strings.TrimSpace(name)
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id is required", auth.ErrInvalidInput)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", auth.ErrInvalidInput)
	}

	if _, err := o.store.GetPrincipalByExternalID(ctx, externalID); err == nil {
		return nil, fmt.Errorf("%w: external id %s already registered", auth.ErrConflict, externalID)
	} else if !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}

	p := &auth.Principal{
		ExternalID: externalID,
		Name:       name,
		Handle:     strings.TrimPrefix(strings.TrimSpace(handle), "@"),
		IsActive:   true,
	}
	if err := o.store.CreatePrincipal(ctx, p); err != nil {
		return nil, err
	}
	o.assignDefaultRole(ctx, p)

	o.emitter.Emit(ctx, events.UserCreated, p.ID, p)
	o.logger.Info("principal registered", "principal_id", p.ID, "external_id", p.ExternalID)

	if o.cfg.WelcomeMessage != "" && o.notifier != nil {
		if err := o.notifier.Send(ctx, p.ExternalID, o.cfg.WelcomeMessage); err != nil {
			o.logger.Warn("welcome notification failed", "principal_id", p.ID, "error", err)
		}
	}
	return p, nil
}

func (o *Orchestrator) assignDefaultRole(ctx context.Context, p *auth.Principal) {
	if o.cfg.DefaultRole == "" {
		return
	}
	role, err := o.store.GetRoleByName(ctx, o.cfg.DefaultRole)
	if err != nil {
		o.logger.Warn("default role unavailable", "role", o.cfg.DefaultRole, "error", err)
		return
	}
	if err := o.store.AssignRole(ctx, p.ID, role.ID); err != nil {
		o.logger.Warn("default role assignment failed", "principal_id", p.ID, "role", role.Name, "error", err)
	}
}

// CodeTTL returns the lifetime of issued login codes.
func (o *Orchestrator) CodeTTL() time.Duration { return o.verifier.CodeTTL() }

// Login issues a one-time code to an active principal. An unknown or
// inactive external ID fails with ErrNotFound.
func (o *Orchestrator) Login(ctx context.Context, externalID string) (*Pending, error) {
	externalID = strings.TrimSpace(externalID)
	p, err := o.store.GetPrincipalByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			o.loginFailed(ctx, "", externalID, ReasonUnknownPrincipal)
			metrics.ObserveLogin(ReasonUnknownPrincipal)
		}
		return nil, err
	}
	if !p.IsActive {
		o.loginFailed(ctx, p.ID, externalID, ReasonInactive)
		metrics.ObserveLogin(ReasonInactive)
		return nil, fmt.Errorf("%w: principal %s is inactive", auth.ErrNotFound, p.ID)
	}

	if _, err := o.verifier.Issue(ctx, p.ExternalID); err != nil {
		if errors.Is(err, auth.ErrDeliveryFailed) {
			metrics.ObserveLogin(ReasonDeliveryFailed)
		}
		return nil, err
	}

	expiresAt := o.cfg.Now().Add(o.verifier.CodeTTL()).UTC()
	o.emitter.Emit(ctx, events.AuthLoginAttempt, p.ID, map[string]any{
		"external_id": p.ExternalID,
		"expires_at":  expiresAt.Format(time.RFC3339),
	})
	metrics.ObserveLogin("code_sent")

	return &Pending{
		ExternalID: p.ExternalID,
		ExpiresAt:  expiresAt,
		ExpiresIn:  int64(o.verifier.CodeTTL().Seconds()),
	}, nil
}

// Verify checks the code, records the login and issues a token pair.
func (o *Orchestrator) Verify(ctx context.Context, externalID, code string) (*Result, error) {
	externalID = strings.TrimSpace(externalID)
	code = strings.TrimSpace(code)
	if err := o.verifier.Verify(ctx, externalID, code); err != nil {
		reason := verificationReason(err)
		metrics.ObserveVerification(reason)

		entityID := ""
		if p, lookupErr := o.store.GetPrincipalByExternalID(ctx, externalID); lookupErr == nil {
			entityID = p.ID
		}
		o.loginFailed(ctx, entityID, externalID, reason)
		return nil, err
	}

	p, err := o.store.GetPrincipalByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		metrics.ObserveVerification(ReasonInactive)
		o.loginFailed(ctx, p.ID, externalID, ReasonInactive)
		return nil, auth.ErrInactive
	}

	now := o.cfg.Now().UTC()
	if err := o.store.TouchLastAuthenticated(ctx, p.ID, now); err != nil {
		return nil, err
	}
	p.LastAuthenticatedAt = &now

	pair, err := o.issue(p)
	if err != nil {
		return nil, err
	}

	o.emitter.Emit(ctx, events.AuthLoginSuccess, p.ID, map[string]any{
		"external_id": p.ExternalID,
	})
	metrics.ObserveVerification("success")
	o.logger.Info("login verified", "principal_id", p.ID)

	return &Result{Tokens: pair, Principal: p}, nil
}

// Refresh exchanges a refresh token for a new pair. The principal must still
// be active. With generation tracking enabled a superseded token fails with
// ErrTokenReuse.
func (o *Orchestrator) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	rc, err := o.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	p, err := o.activePrincipal(ctx, rc.PrincipalID)
	if err != nil {
		return nil, err
	}

	generation := rc.Generation
	if o.cfg.TrackRefreshGeneration {
		if rc.Generation != p.RefreshGeneration {
			o.logger.Warn("superseded refresh token presented", "principal_id", p.ID, "token_id", rc.TokenID)
			return nil, auth.ErrTokenReuse
		}
		generation, err = o.store.AdvanceRefreshGeneration(ctx, p.ID, rc.Generation)
		if err != nil {
			if errors.Is(err, auth.ErrConflict) {
				return nil, auth.ErrTokenReuse
			}
			return nil, err
		}
		p.RefreshGeneration = generation
	}

	pair, err := o.tokens.IssueTokenPairAt(p.ID, generation)
	if err != nil {
		return nil, err
	}

	o.emitter.Emit(ctx, events.AuthTokenRefreshed, p.ID, map[string]any{
		"generation": generation,
	})
	return &Result{Tokens: pair, Principal: p}, nil
}

// Logout records the logout. Tokens stay valid until they expire.
func (o *Orchestrator) Logout(ctx context.Context, principalID string) {
	o.emitter.Emit(ctx, events.AuthLogout, principalID, map[string]any{
		"principal_id": principalID,
	})
}

// Authenticate resolves an access token to an active principal.
func (o *Orchestrator) Authenticate(ctx context.Context, accessToken string) (*auth.Principal, error) {
	id, err := o.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	return o.activePrincipal(ctx, id)
}

// GetPrincipal returns the principal with id.
func (o *Orchestrator) GetPrincipal(ctx context.Context, id string) (*auth.Principal, error) {
	return o.store.GetPrincipal(ctx, id)
}

// ListPrincipals returns every principal, active or not.
func (o *Orchestrator) ListPrincipals(ctx context.Context) ([]auth.Principal, error) {
	return o.store.ListPrincipals(ctx)
}

// UpdateProfile applies the non-nil fields of upd.
func (o *Orchestrator) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*auth.Principal, error) {
	p, err := o.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", auth.ErrInvalidInput)
		}
		p.Name = name
	}
	if upd.Handle != nil {
		p.Handle = strings.TrimPrefix(strings.TrimSpace(*upd.Handle), "@")
	}

	if err := o.store.UpdatePrincipal(ctx, p); err != nil {
		return nil, err
	}
	o.emitter.Emit(ctx, events.UserUpdated, p.ID, p)
	return p, nil
}

// Deactivate soft-deletes a principal. Deactivating twice is a no-op.
func (o *Orchestrator) Deactivate(ctx context.Context, id string) (*auth.Principal, error) {
	p, err := o.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return p, nil
	}

	p.IsActive = false
	if err := o.store.UpdatePrincipal(ctx, p); err != nil {
		return nil, err
	}
	o.emitter.Emit(ctx, events.UserDeactivated, p.ID, p)
	o.logger.Info("principal deactivated", "principal_id", p.ID)
	return p, nil
}

func (o *Orchestrator) activePrincipal(ctx context.Context, id string) (*auth.Principal, error) {
	p, err := o.store.GetPrincipal(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown principal", auth.ErrUnauthenticated)
		}
		return nil, err
	}
	if !p.IsActive {
		return nil, auth.ErrInactive
	}
	return p, nil
}

// issue signs a pair, embedding the stored generation when tracking.
func (o *Orchestrator) issue(p *auth.Principal) (auth.TokenPair, error) {
	if o.cfg.TrackRefreshGeneration {
		return o.tokens.IssueTokenPairAt(p.ID, p.RefreshGeneration)
	}
	return o.tokens.IssueTokenPair(p.ID)
}

func (o *Orchestrator) loginFailed(ctx context.Context, principalID, externalID, reason string) {
	o.logger.Info("login failed", "external_id", externalID, "reason", reason)
	o.emitter.Emit(ctx, events.AuthLoginFailed, principalID, map[string]any{
		"external_id": externalID,
		"reason":      reason,
	})
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoCodeIssued):
		return ReasonNoCode
	case errors.Is(err, auth.ErrCodeExpired):
		return ReasonExpired
	case errors.Is(err, auth.ErrTooManyAttempts):
		return ReasonTooManyAttempts
	case errors.Is(err, auth.ErrCodeMismatch):
		return ReasonMismatch
	}
	return "error"
}
