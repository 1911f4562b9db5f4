package api

import (
	"errors"
	"net/http"

	"github.com/example/courier/internal/reconcile"
)

const signatureHeader = "X-Provider-Signature"

// statusWebhook ingests provider delivery callbacks. Everything past
// authentication is acknowledged with 200 so the provider does not retry-
// storm: unknown messages, unknown vocabulary and exhausted store retries
// are logged, not surfaced.
func (s *Server) statusWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "status_webhook")
	defer span.End()

	if !s.Limiter.Allow(clientIP(r)) {
		s.respondErr(ctx, w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		return
	}

	if err := r.ParseForm(); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid form payload", Details: err.Error()})
		return
	}

	if err := s.Reconciler.VerifySignature(s.requestURL(r), r.PostForm, r.Header.Get(signatureHeader)); err != nil {
		s.respondErr(ctx, w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}

	cb, err := reconcile.ParseCallback(r.PostForm)
	if err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "malformed callback", Details: err.Error()})
		return
	}

	if err := s.Reconciler.Reconcile(ctx, cb); err != nil {
		// Acknowledge anyway; the provider will re-deliver and reconciliation
		// is idempotent.
		s.Logger.Error().Err(err).Str("provider_id", cb.ProviderID).Msg("reconciliation failed")
	}
	w.WriteHeader(http.StatusOK)
}

// inboundWebhook ingests incoming messages from the provider.
func (s *Server) inboundWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "inbound_webhook")
	defer span.End()

	if !s.Limiter.Allow(clientIP(r)) {
		s.respondErr(ctx, w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		return
	}

	if err := r.ParseForm(); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid form payload", Details: err.Error()})
		return
	}

	if err := s.Reconciler.VerifySignature(s.requestURL(r), r.PostForm, r.Header.Get(signatureHeader)); err != nil {
		s.respondErr(ctx, w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}

	in, err := reconcile.ParseInbound(r.PostForm)
	if err != nil {
		if errors.Is(err, reconcile.ErrMalformedPayload) {
			s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "malformed callback", Details: err.Error()})
			return
		}
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	if err := s.Reconciler.Inbound(ctx, in); err != nil {
		s.Logger.Error().Err(err).Str("provider_id", in.ProviderID).Msg("inbound ingestion failed")
	}
	w.WriteHeader(http.StatusOK)
}
