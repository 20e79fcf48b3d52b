package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry is one record in the authorization audit trail: who attempted a
// launch, callback, session read or logout, from where, and how it ended.
// Query strings are never captured; callback URLs carry the authorization
// code and state nonce.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	Action     string // launch_ehr, launch_standalone, callback, session_info, logout
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Outcome    string // success, rejected, error
}

// AuditRecorder persists audit entries. It decouples the middleware from the
// concrete sink so tests provide a mock and deployments can write to SIEM
// pipelines.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// auditActions maps the launch endpoints to audit action names. Requests to
// any other path are not audited.
var auditActions = map[string]string{
	"/launch":     "launch_ehr",
	"/standalone": "launch_standalone",
	"/callback":   "callback",
	"/session":    "session_info",
	"/logout":     "logout",
}

// Audit returns middleware that records every authorization-flow request.
// Clinical deployments keep a login audit trail; the launch and callback
// endpoints are the login surface of a SMART app. Entries always go to the
// structured log; an optional AuditRecorder receives them as well.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action, auditable := auditActions[req.URL.Path]
			if !auditable {
				return next(c)
			}

			// Run the handler first so the entry captures the outcome.
			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Action:     action,
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if herr, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = herr.Code
			}
			entry.Outcome = outcomeForStatus(entry.StatusCode)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Outcome != "success" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "auth_audit").
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Str("outcome", entry.Outcome).
				Msg("authorization_event")

			return err
		}
	}
}

// outcomeForStatus buckets a response status. Redirects are the success path
// of the launch endpoints.
func outcomeForStatus(status int) string {
	switch {
	case status < 400:
		return "success"
	case status < 500:
		return "rejected"
	default:
		return "error"
	}
}
