// ABOUTME: Request dispatch: method table, params decoding, error taxonomy mapping
// ABOUTME: Handlers return a payload or an ErrorDetail; dispatch writes the response

package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/sigil-gateway/internal/approval"
	"github.com/2389/sigil-gateway/internal/credentials"
	"github.com/2389/sigil-gateway/internal/credstore"
	"github.com/2389/sigil-gateway/internal/filestate"
	"github.com/2389/sigil-gateway/internal/protocol"
	"github.com/2389/sigil-gateway/internal/session"
)

// handler is one RPC method body. It returns either a payload or an error
// detail; returning a plain error defers taxonomy mapping to mapError.
type handler func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

func (g *Gateway) buildMethods() map[string]handler {
	return map[string]handler{
		"wizard.start":         g.handleWizardStart,
		"wizard.current":       g.handleWizardCurrent,
		"wizard.next":          g.handleWizardNext,
		"wizard.cancel":        g.handleWizardCancel,
		"wizard.cancelCurrent": g.handleWizardCancelCurrent,

		"auth.flow.list":          g.handleFlowList,
		"auth.flow.start":         g.handleFlowStart,
		"auth.flow.next":          g.handleFlowNext,
		"auth.flow.current":       g.handleFlowCurrent,
		"auth.flow.cancelCurrent": g.handleFlowCancelCurrent,

		"auth.profiles.get":          g.handleProfilesGet,
		"auth.profiles.upsertApiKey": g.handleProfilesUpsertAPIKey,
		"auth.profiles.delete":       g.handleProfilesDelete,
		"auth.profiles.setOrder":     g.handleProfilesSetOrder,
		"auth.usage.report":          g.handleUsageReport,

		"agents.profile.get":    g.handleAgentsGet,
		"agents.profile.update": g.handleAgentsUpdate,
		"config.apply":          g.handleConfigApply,

		"credentials.resolve": g.handleCredentialsResolve,

		"workflow.approvals.list":   g.handleApprovalsList,
		"workflow.approval.create":  g.handleApprovalCreate,
		"workflow.approval.request": g.handleApprovalRequest,
		"workflow.approval.wait":    g.handleApprovalWait,
		"workflow.approval.resolve": g.handleApprovalResolve,

		"audit.list":   g.handleAuditList,
		"device.token": g.handleDeviceToken,
	}
}

// dispatch runs one request frame to completion and writes the response.
func (g *Gateway) dispatch(ctx context.Context, c *conn, frame *protocol.Frame) {
	h, ok := g.methods[frame.Method]
	if !ok {
		resp := protocol.NewErrorResponse(frame.ID,
			protocol.Errorf(protocol.CodeMethodNotFound, "unknown method %q", frame.Method))
		g.respond(ctx, c, frame, resp)
		return
	}

	payload, err := h(c.requestContext(ctx), c, frame.Params)
	if err != nil {
		g.respond(ctx, c, frame, protocol.NewErrorResponse(frame.ID, mapError(err)))
		return
	}
	resp, err := protocol.NewResponse(frame.ID, payload)
	if err != nil {
		c.logger.Error("marshaling response", "method", frame.Method, "error", err)
		resp = protocol.NewErrorResponse(frame.ID,
			protocol.Errorf(protocol.CodeInternal, "encoding response"))
	}
	g.respond(ctx, c, frame, resp)
}

func (g *Gateway) respond(ctx context.Context, c *conn, req *protocol.Frame, resp *protocol.Frame) {
	if err := c.sendResponse(ctx, resp); err != nil {
		c.logger.Debug("response write failed", "method", req.Method, "error", err)
	}
}

// decodeParams unmarshals request params into dst, mapping failures to
// invalid_request. Absent params decode as the zero value.
func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid params: %v", err)
	}
	return nil
}

// invalidRequest builds an invalid_request error. Handlers use it for
// semantic parameter failures after decoding succeeds.
func invalidRequest(format string, args ...any) error {
	return protocol.Errorf(protocol.CodeInvalidRequest, format, args...)
}

// mapError folds an internal error onto the wire taxonomy.
func mapError(err error) *protocol.ErrorDetail {
	var detail *protocol.ErrorDetail
	if errors.As(err, &detail) {
		return detail
	}

	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, approval.ErrUnknownApproval),
		errors.Is(err, credstore.ErrProfileNotFound):
		return &protocol.ErrorDetail{Code: protocol.CodeNotFound, Message: err.Error()}
	case errors.Is(err, session.ErrNotOwner):
		return &protocol.ErrorDetail{Code: protocol.CodeNotOwner, Message: err.Error()}
	case errors.Is(err, session.ErrAlreadyRunning):
		return &protocol.ErrorDetail{Code: protocol.CodeAlreadyRunning, Message: err.Error()}
	case errors.Is(err, filestate.ErrConcurrentModification):
		return &protocol.ErrorDetail{Code: protocol.CodeConcurrentModification, Message: err.Error(), Retryable: true}
	case errors.Is(err, filestate.ErrLockUnavailable):
		return &protocol.ErrorDetail{Code: protocol.CodeUnavailable, Message: err.Error(), Retryable: true}
	}

	var notFound *credentials.ProfileNotFoundError
	if errors.As(err, &notFound) {
		return &protocol.ErrorDetail{Code: protocol.CodeNotFound, Message: err.Error()}
	}
	var mismatch *credentials.ProviderMismatchError
	if errors.As(err, &mismatch) {
		return &protocol.ErrorDetail{Code: protocol.CodeProviderMismatch, Message: err.Error()}
	}
	var unavailable *credentials.ProfileUnavailableError
	if errors.As(err, &unavailable) {
		return &protocol.ErrorDetail{Code: protocol.CodeUnavailable, Message: err.Error(), Retryable: true}
	}
	var exhausted *credentials.ExhaustedError
	if errors.As(err, &exhausted) {
		return &protocol.ErrorDetail{Code: protocol.CodeExhausted, Message: err.Error()}
	}
	var fallbackMismatch *credentials.FallbackProviderMismatchError
	if errors.As(err, &fallbackMismatch) {
		return &protocol.ErrorDetail{Code: protocol.CodeProviderMismatch, Message: err.Error()}
	}

	return &protocol.ErrorDetail{Code: protocol.CodeInternal, Message: err.Error()}
}
