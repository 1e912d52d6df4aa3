// ABOUTME: RPC method bodies: wizard, auth flows, profiles, agents, approvals, audit
// ABOUTME: Handlers mutate stores, append audit entries, and shape wire payloads

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/sigil-gateway/internal/approval"
	"github.com/2389/sigil-gateway/internal/auditlog"
	"github.com/2389/sigil-gateway/internal/auth"
	"github.com/2389/sigil-gateway/internal/authflow"
	"github.com/2389/sigil-gateway/internal/configstore"
	"github.com/2389/sigil-gateway/internal/credentials"
	"github.com/2389/sigil-gateway/internal/credstore"
	"github.com/2389/sigil-gateway/internal/protocol"
	"github.com/2389/sigil-gateway/internal/session"
	"github.com/2389/sigil-gateway/internal/wizard"
)

// stepResult is the wire shape of a session advance shared by the wizard
// and the auth flow. Result is populated only when the auth flow completes.
type stepResult struct {
	SessionID string             `json:"sessionId,omitempty"`
	Done      bool               `json:"done"`
	Step      *session.Step      `json:"step,omitempty"`
	Status    session.Status     `json:"status"`
	Error     string             `json:"error,omitempty"`
	Result    *flowResultPayload `json:"result,omitempty"`
}

// flowResultPayload is the persisted-and-masked rendering of a completed
// flow. Secret material never leaves the gateway.
type flowResultPayload struct {
	Profiles     []credstore.MaskedProfile  `json:"profiles"`
	ConfigPatch  map[string]json.RawMessage `json:"configPatch,omitempty"`
	DefaultModel *configstore.ModelRef      `json:"defaultModel,omitempty"`
	Notes        []string                   `json:"notes,omitempty"`
	Workspace    string                     `json:"workspace,omitempty"`
}

func renderStep(id string, res *session.NextResult) *stepResult {
	out := &stepResult{SessionID: id, Done: res.Done, Step: res.Step, Status: res.Status}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// --- wizard ---

func (g *Gateway) handleWizardStart(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		Mode      string `json:"mode"`
		Workspace string `json:"workspace"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Mode == "" {
		p.Mode = wizard.ModeQuickstart
	}
	flow, err := wizard.New(g.catalog, p.Mode, p.Workspace)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}

	s, res, err := g.sessions.Start(ctx, wizard.SessionKind, c.deviceID(), flow)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionSessionStarted, "session", s.ID, map[string]any{"kind": wizard.SessionKind, "mode": p.Mode})
	return g.finishWizardStep(ctx, s.ID, res), nil
}

func (g *Gateway) handleWizardCurrent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return g.sessions.Current(wizard.SessionKind, c.deviceID()), nil
}

func (g *Gateway) handleWizardNext(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Answer    any    `json:"answer"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidRequest("sessionId is required")
	}
	res, err := g.sessions.Advance(ctx, p.SessionID, c.deviceID(), p.Answer)
	if err != nil {
		return nil, err
	}
	return g.finishWizardStep(ctx, p.SessionID, res), nil
}

// finishWizardStep persists a completed wizard's result before reporting it.
func (g *Gateway) finishWizardStep(ctx context.Context, sessionID string, res *session.NextResult) *stepResult {
	out := renderStep(sessionID, res)
	if !res.Done || res.Status != session.StatusCompleted {
		return out
	}
	result, ok := res.Result.(*wizard.Result)
	if !ok {
		return out
	}
	payload, err := g.persistFlowResult(ctx, &result.Result)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	payload.Workspace = result.Workspace
	out.Result = payload
	return out
}

func (g *Gateway) handleWizardCancel(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cancelled, err := g.sessions.Cancel(p.SessionID, c.deviceID())
	if err != nil {
		return nil, err
	}
	if cancelled {
		g.auditAppend(ctx, auditlog.ActionSessionCancelled, "session", p.SessionID, nil)
	}
	return map[string]bool{"cancelled": cancelled}, nil
}

func (g *Gateway) handleWizardCancelCurrent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	cancelled, err := g.sessions.CancelCurrent(wizard.SessionKind, c.deviceID())
	if err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": cancelled}, nil
}

// --- auth flow ---

func (g *Gateway) handleFlowList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return map[string]any{"flows": g.catalog.List()}, nil
}

func (g *Gateway) handleFlowStart(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		ProviderID string `json:"providerId"`
		MethodID   string `json:"methodId"`
		Mode       string `json:"mode"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ProviderID == "" || p.MethodID == "" {
		return nil, invalidRequest("providerId and methodId are required")
	}
	if p.Mode == "" {
		p.Mode = "local"
	}
	flow, err := authflow.New(g.catalog, p.ProviderID, p.MethodID, p.Mode)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}

	s, res, err := g.sessions.Start(ctx, authflow.SessionKind, c.deviceID(), flow)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionSessionStarted, "session", s.ID,
		map[string]any{"kind": authflow.SessionKind, "provider": p.ProviderID, "method": p.MethodID})
	return g.finishFlowStep(ctx, s.ID, res), nil
}

func (g *Gateway) handleFlowNext(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Answer    any    `json:"answer"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidRequest("sessionId is required")
	}
	res, err := g.sessions.Advance(ctx, p.SessionID, c.deviceID(), p.Answer)
	if err != nil {
		return nil, err
	}
	return g.finishFlowStep(ctx, p.SessionID, res), nil
}

func (g *Gateway) finishFlowStep(ctx context.Context, sessionID string, res *session.NextResult) *stepResult {
	out := renderStep(sessionID, res)
	if !res.Done || res.Status != session.StatusCompleted {
		return out
	}
	result, ok := res.Result.(*authflow.Result)
	if !ok {
		return out
	}
	payload, err := g.persistFlowResult(ctx, result)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Result = payload
	return out
}

func (g *Gateway) handleFlowCurrent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return g.sessions.Current(authflow.SessionKind, c.deviceID()), nil
}

func (g *Gateway) handleFlowCancelCurrent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	cancelled, err := g.sessions.CancelCurrent(authflow.SessionKind, c.deviceID())
	if err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": cancelled}, nil
}

// persistFlowResult writes a completed flow's profiles and config changes,
// then renders a masked payload for the response. Persistence runs without
// a base hash: the flow's answers are authoritative for the keys it sets.
func (g *Gateway) persistFlowResult(ctx context.Context, result *authflow.Result) (*flowResultPayload, error) {
	if len(result.Profiles) > 0 {
		if _, err := g.creds.SaveProfiles(ctx, "", result.Profiles); err != nil {
			return nil, fmt.Errorf("saving profiles: %w", err)
		}
		for _, p := range result.Profiles {
			g.auditAppend(ctx, auditlog.ActionUpsertProfile, "profile", p.ID, map[string]any{"provider": p.Provider, "via": "flow"})
		}
	}

	patch := make(map[string]json.RawMessage, len(result.ConfigPatch)+1)
	for k, v := range result.ConfigPatch {
		patch[k] = v
	}
	if result.DefaultModel != nil {
		raw, err := json.Marshal(result.DefaultModel)
		if err != nil {
			return nil, err
		}
		patch["defaultModel"] = raw
	}
	if len(patch) > 0 {
		if _, err := g.runtime.ApplyPatch(ctx, "", patch); err != nil {
			return nil, fmt.Errorf("applying config patch: %w", err)
		}
		g.auditAppend(ctx, auditlog.ActionApplyConfigPatch, "config", g.runtime.Path(), map[string]any{"paths": patchPaths(patch), "via": "flow"})
	}

	masked := make([]credstore.MaskedProfile, 0, len(result.Profiles))
	if len(result.Profiles) > 0 {
		byID := make(map[string]credstore.Profile, len(result.Profiles))
		for _, p := range result.Profiles {
			byID[p.ID] = p
		}
		masked = credstore.Masked(&credstore.Document{Profiles: byID})
	}
	return &flowResultPayload{
		Profiles:     masked,
		ConfigPatch:  result.ConfigPatch,
		DefaultModel: result.DefaultModel,
		Notes:        result.Notes,
	}, nil
}

func patchPaths(patch map[string]json.RawMessage) []string {
	paths := make([]string, 0, len(patch))
	for k := range patch {
		paths = append(paths, k)
	}
	return paths
}

// --- credential profiles ---

func (g *Gateway) handleProfilesGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	doc, baseHash, exists, err := g.creds.Load()
	if err != nil {
		return nil, err
	}
	out := map[string]any{"exists": exists}
	if !exists {
		return out, nil
	}
	out["baseHash"] = baseHash
	out["profiles"] = credstore.Masked(doc)
	if len(doc.Order) > 0 {
		out["order"] = doc.Order
	}
	if len(doc.LastGood) > 0 {
		out["lastGood"] = doc.LastGood
	}
	return out, nil
}

func (g *Gateway) handleProfilesUpsertAPIKey(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		BaseHash  string `json:"baseHash"`
		ProfileID string `json:"profileId"`
		Provider  string `json:"provider"`
		APIKey    string `json:"apiKey"`
		Email     string `json:"email"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ProfileID == "" || p.Provider == "" || p.APIKey == "" {
		return nil, invalidRequest("profileId, provider, and apiKey are required")
	}
	baseHash, err := g.creds.UpsertAPIKey(ctx, p.BaseHash, p.ProfileID, p.Provider, p.APIKey, p.Email)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionUpsertProfile, "profile", p.ProfileID, map[string]any{"provider": p.Provider})
	return map[string]string{"baseHash": baseHash}, nil
}

func (g *Gateway) handleProfilesDelete(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		BaseHash  string `json:"baseHash"`
		ProfileID string `json:"profileId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ProfileID == "" {
		return nil, invalidRequest("profileId is required")
	}
	baseHash, err := g.creds.Delete(ctx, p.BaseHash, p.ProfileID)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionDeleteProfile, "profile", p.ProfileID, nil)
	return map[string]string{"baseHash": baseHash}, nil
}

func (g *Gateway) handleProfilesSetOrder(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		BaseHash string   `json:"baseHash"`
		Provider string   `json:"provider"`
		Order    []string `json:"order"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Provider == "" {
		return nil, invalidRequest("provider is required")
	}
	baseHash, err := g.creds.SetOrder(ctx, p.BaseHash, p.Provider, p.Order)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionSetOrder, "profile", p.Provider, map[string]any{"order": p.Order})
	return map[string]string{"baseHash": baseHash}, nil
}

func (g *Gateway) handleUsageReport(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		ProfileID       string `json:"profileId"`
		CooldownSeconds int64  `json:"cooldownSeconds"`
		Disable         *struct {
			UntilMs int64  `json:"untilMs"`
			Reason  string `json:"reason"`
		} `json:"disable"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ProfileID == "" {
		return nil, invalidRequest("profileId is required")
	}

	var stats credstore.UsageStats
	if p.CooldownSeconds > 0 {
		stats.CooldownUntilMs = time.Now().Add(time.Duration(p.CooldownSeconds) * time.Second).UnixMilli()
	}
	if p.Disable != nil {
		stats.DisabledUntilMs = p.Disable.UntilMs
		stats.DisabledReason = p.Disable.Reason
	}
	if err := g.creds.ReportUsage(ctx, p.ProfileID, stats); err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionReportUsage, "profile", p.ProfileID,
		map[string]any{"cooldownSeconds": p.CooldownSeconds, "disabled": p.Disable != nil})
	return map[string]bool{"ok": true}, nil
}

// --- agent configuration ---

// agentView is one agent's effective configuration as reported by
// agents.profile.get.
type agentView struct {
	AgentID       string                 `json:"agentId"`
	Model         string                 `json:"model,omitempty"`
	Provider      string                 `json:"provider,omitempty"`
	AuthProfileID string                 `json:"authProfileId,omitempty"`
	LockMode      configstore.LockMode   `json:"lockMode"`
	ImageLockMode configstore.LockMode   `json:"imageLockMode"`
	Fallbacks     []configstore.ModelRef `json:"fallbacks,omitempty"`
}

func (g *Gateway) handleAgentsGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	doc, baseHash, exists, err := g.runtime.Load()
	if err != nil {
		return nil, err
	}
	out := map[string]any{"exists": exists}
	if !exists {
		return out, nil
	}

	views := make([]agentView, 0, len(doc.Agents))
	for _, id := range doc.AgentIDs() {
		entry, _ := doc.Agent(id)
		view := agentView{
			AgentID:       id,
			Model:         entry.Model,
			Provider:      entry.Provider,
			AuthProfileID: entry.AuthProfileID,
			LockMode:      entry.TextLockMode(),
			ImageLockMode: entry.ImageLockMode(),
			Fallbacks:     entry.Fallbacks,
		}
		// Agents without their own model pick up the document default.
		if view.Model == "" && doc.DefaultModel != nil {
			view.Model = doc.DefaultModel.Model
			view.Provider = doc.DefaultModel.Provider
		}
		views = append(views, view)
	}

	out["baseHash"] = baseHash
	out["agents"] = views
	if doc.DefaultModel != nil {
		out["defaultModel"] = doc.DefaultModel
	}
	return out, nil
}

func (g *Gateway) handleAgentsUpdate(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		BaseHash string         `json:"baseHash"`
		AgentID  string         `json:"agentId"`
		Set      map[string]any `json:"set"`
		Unset    []string       `json:"unset"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return nil, invalidRequest("agentId is required")
	}
	if len(p.Set) == 0 && len(p.Unset) == 0 {
		return nil, invalidRequest("nothing to change")
	}

	entry, baseHash, err := g.runtime.UpdateAgent(ctx, p.BaseHash, p.AgentID, p.Set, p.Unset, g.resolver.ValidateAgentLock)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionUpdateAgent, "agent", p.AgentID,
		map[string]any{"set": patchKeys(p.Set), "unset": p.Unset})
	return map[string]any{
		"baseHash": baseHash,
		"agent": agentView{
			AgentID:       p.AgentID,
			Model:         entry.Model,
			Provider:      entry.Provider,
			AuthProfileID: entry.AuthProfileID,
			LockMode:      entry.TextLockMode(),
			ImageLockMode: entry.ImageLockMode(),
			Fallbacks:     entry.Fallbacks,
		},
	}, nil
}

func patchKeys(set map[string]any) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (g *Gateway) handleConfigApply(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		BaseHash string                     `json:"baseHash"`
		Patch    map[string]json.RawMessage `json:"patch"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Patch) == 0 {
		return nil, invalidRequest("patch is required")
	}
	baseHash, err := g.runtime.ApplyPatch(ctx, p.BaseHash, p.Patch)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionApplyConfigPatch, "config", g.runtime.Path(), map[string]any{"paths": patchPaths(p.Patch)})
	return map[string]string{"baseHash": baseHash}, nil
}

// handleCredentialsResolve runs the resolution chain for an agent (or a
// bare provider) and reports where the credential came from, with the
// secret masked.
func (g *Gateway) handleCredentialsResolve(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		AgentID    string `json:"agentId"`
		Provider   string `json:"provider"`
		ProfileID  string `json:"profileId"`
		Capability string `json:"capability"` // "text" (default) or "image"
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var resolved *credentials.Resolved
	var err error
	switch {
	case p.AgentID != "":
		doc, _, _, loadErr := g.runtime.Load()
		if loadErr != nil {
			return nil, loadErr
		}
		entry, ok := doc.Agent(p.AgentID)
		if !ok {
			return nil, configstore.ErrAgentNotFound
		}
		if p.Capability == "image" {
			resolved, err = g.resolver.ResolveImageForAgent(ctx, entry)
		} else {
			resolved, err = g.resolver.ResolveForAgent(ctx, entry)
		}
	case p.Provider != "":
		resolved, err = g.resolver.Resolve(ctx, credentials.Request{Provider: p.Provider, ProfileID: p.ProfileID})
	default:
		return nil, invalidRequest("agentId or provider is required")
	}
	if err != nil {
		return nil, err
	}
	// A profile that just produced a credential becomes the provider's
	// last-good choice for future order walks.
	if resolved.ProfileID != "" {
		if err := g.creds.MarkLastGood(ctx, resolved.ProfileID); err != nil {
			g.logger.Warn("recording last-good profile failed", "profile_id", resolved.ProfileID, "error", err)
		}
	}
	return map[string]any{
		"profileId": resolved.ProfileID,
		"source":    resolved.Source,
		"mode":      resolved.Mode,
		"masked":    credstore.MaskSecret(resolved.APIKey),
	}, nil
}

// --- workflow approvals ---

func (g *Gateway) handleApprovalsList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	records, err := g.approvals.ListPending()
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": records}, nil
}

type approvalParams struct {
	ID             string               `json:"id"`
	IdempotencyKey string               `json:"idempotencyKey"`
	TimeoutMs      int64                `json:"timeoutMs"`
	Request        approval.RequestInfo `json:"request"`
}

func (p approvalParams) toCreate() approval.Params {
	out := approval.Params{
		ID:             p.ID,
		IdempotencyKey: p.IdempotencyKey,
		Request:        p.Request,
	}
	if p.TimeoutMs > 0 {
		out.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return out
}

func (g *Gateway) handleApprovalCreate(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p approvalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	record, err := g.approvals.Request(ctx, p.toCreate())
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (g *Gateway) handleApprovalRequest(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p approvalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	record, decision, err := g.approvals.RequestAndWait(ctx, p.toCreate())
	if err != nil {
		return nil, err
	}
	return waitPayload(record, decision), nil
}

func (g *Gateway) handleApprovalWait(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		ID        string `json:"id"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidRequest("id is required")
	}

	waitCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	decision, err := g.approvals.WaitForDecision(waitCtx, p.ID)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			// The caller's own deadline elapsed; report no decision yet.
			decision = nil
		} else {
			return nil, err
		}
	}
	record, err := g.approvals.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return waitPayload(record, decision), nil
}

func waitPayload(record approval.Record, decision *approval.Decision) map[string]any {
	return map[string]any{
		"id":          record.ID,
		"decision":    decision,
		"createdAtMs": record.CreatedAtMs,
		"expiresAtMs": record.ExpiresAtMs,
	}
}

func (g *Gateway) handleApprovalResolve(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidRequest("id is required")
	}
	decision := approval.Decision(p.Decision)
	if decision != approval.DecisionApprove && decision != approval.DecisionDeny {
		return nil, invalidRequest("decision must be %q or %q", approval.DecisionApprove, approval.DecisionDeny)
	}

	ok, err := g.approvals.Resolve(ctx, p.ID, decision, c.deviceID())
	if err != nil {
		return nil, err
	}
	if ok {
		g.auditAppend(ctx, auditlog.ActionApprovalResolved, "approval", p.ID, map[string]any{"decision": string(decision)})
	}
	return map[string]bool{"ok": ok}, nil
}

// --- audit and device tokens ---

func (g *Gateway) handleAuditList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p struct {
		Limit      int     `json:"limit"`
		DeviceID   *string `json:"deviceId"`
		Action     *string `json:"action"`
		TargetType *string `json:"targetType"`
		TargetID   *string `json:"targetId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	filter := auditlog.Filter{
		Limit:      p.Limit,
		DeviceID:   p.DeviceID,
		TargetType: p.TargetType,
		TargetID:   p.TargetID,
	}
	if p.Action != nil {
		action := auditlog.Action(*p.Action)
		filter.Action = &action
	}
	entries, err := g.audit.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

// handleDeviceToken mints a device JWT. With auth enabled only an already
// authenticated device may mint tokens; the bootstrap token comes from the
// CLI, which shares the secret.
func (g *Gateway) handleDeviceToken(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	if g.verifier == nil {
		return nil, invalidRequest("auth is disabled; no tokens to mint")
	}
	if c.device == nil {
		return nil, protocol.Errorf(protocol.CodeNotOwner, "authenticated device required")
	}
	var p struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.DeviceID == "" {
		return nil, invalidRequest("deviceId is required")
	}
	token, err := g.verifier.Generate(p.DeviceID, g.config.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	g.auditAppend(ctx, auditlog.ActionTokenIssued, "device", p.DeviceID, nil)
	return map[string]string{"token": token}, nil
}

// auditAppend records a mutation without failing the request when the
// ledger write itself fails.
func (g *Gateway) auditAppend(ctx context.Context, action auditlog.Action, targetType, targetID string, detail map[string]any) {
	entry := &auditlog.Entry{
		DeviceID:   auth.DeviceID(ctx),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		g.logger.Warn("audit append failed", "action", string(action), "error", err)
	}
}
