package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"paylock/payments"
)

const processorSignatureHeader = "X-Processor-Signature"

// ProcessorWebhook ingests processor status events. Requests carry an HMAC
// signature over the raw body instead of a bearer token; an invalid signature
// is rejected before the payload is even parsed.
func (s *Server) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unable to read payload", http.StatusBadRequest)
		return
	}
	if !s.verifyProcessorSignature(body, r.Header.Get(processorSignatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var req struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Payments.ReconcileFromEvent(r.Context(), payments.Event{
		EventID:           req.EventID,
		EventType:         req.EventType,
		ExternalReference: req.Reference,
		ReportedStatus:    req.Status,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) verifyProcessorSignature(body []byte, header string) bool {
	if s.WebhookSecret == "" {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
