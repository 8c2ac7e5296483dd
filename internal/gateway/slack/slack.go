// Package slack implements the Slack webhook gateway: HMAC-SHA256 request
// signature verification and translation of Slack event payloads into
// TaskEvents published on the Dispatch Bus. Named an external collaborator
// by spec.md §1 ("plumbing"), it is still built end to end here because
// something has to own the boundary between an inbound webhook and the
// Dispatch Bus's routing keys.
package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
)

// maxTimestampSkew bounds how old a signed request may be, guarding against
// replay of a captured request (mirrors slack_gateway.py's 5-minute window).
const maxTimestampSkew = 5 * time.Minute

// Gateway verifies inbound Slack webhook requests and republishes their
// parsed events onto the Dispatch Bus.
type Gateway struct {
	bus           *bus.Bus
	signingSecret string
	logger        *slog.Logger
	now           func() time.Time
}

// New constructs a Gateway. signingSecret is the Slack app's signing secret
// used to verify the X-Slack-Signature header.
func New(b *bus.Bus, signingSecret string, logger *slog.Logger) *Gateway {
	return &Gateway{bus: b, signingSecret: signingSecret, logger: logger, now: time.Now}
}

// VerifySignature checks a Slack request's v0 HMAC-SHA256 signature against
// the raw body, timestamp, and this gateway's signing secret. Rejects
// requests whose timestamp is more than maxTimestampSkew from now.
func (g *Gateway) VerifySignature(body []byte, timestamp, signature string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if age := g.now().UTC().Sub(time.Unix(ts, 0).UTC()); age > maxTimestampSkew || age < -maxTimestampSkew {
		g.logger.Warn("slack: rejecting request outside timestamp window", "age", age)
		return false
	}

	mac := hmac.New(sha256.New, []byte(g.signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature)) &&
		subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// ServeHTTP handles POST /gateway/slack/events: verifies the signature,
// parses the Slack payload, and publishes it as a TaskEvent. Responds
// within the request lifecycle so Slack's own delivery timeout (3s) is the
// only latency budget this handler needs to respect; the Dispatch Bus
// publish is a single row insert, not an LLM call.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if !g.VerifySignature(body, timestamp, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "malformed json", http.StatusBadRequest)
		return
	}

	if raw["type"] == "url_verification" {
		challenge, _ := raw["challenge"].(string)
		writeJSON(w, map[string]string{"challenge": challenge})
		return
	}

	parsed, routingKey, ok := parseSlackEvent(raw)
	if !ok {
		writeJSON(w, map[string]string{"status": "ignored"})
		return
	}

	traceID := model.NewTraceID()
	ev, err := model.NewTaskEvent(routingKey, traceID, map[string]any{
		"source":       "slack",
		"parsed_event": parsed,
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := g.bus.Publish(r.Context(), ev.EventType, ev, true); err != nil {
		g.logger.Error("slack: publish failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, hasResponseURL := parsed["response_url"]; hasResponseURL {
		writeJSON(w, map[string]string{"response_type": "in_channel", "text": "Processing your request..."})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// parseSlackEvent mirrors slack_gateway.py's parse_slack_event: it
// classifies the payload as an event callback, slash command, or
// interactive component, and derives the routing key it publishes under.
func parseSlackEvent(raw map[string]any) (parsed map[string]any, routingKey string, ok bool) {
	if _, isCallback := raw["event"]; raw["type"] == "event_callback" && isCallback {
		event, _ := raw["event"].(map[string]any)
		subtype, _ := event["type"].(string)
		if subtype == "" {
			subtype = "message"
		}
		return map[string]any{
			"event_subtype": subtype,
			"user":          event["user"],
			"text":          event["text"],
			"channel":       event["channel"],
			"ts":            event["ts"],
			"raw_event":     event,
		}, "slack.event." + subtype, true
	}

	if cmd, isCmd := raw["command"].(string); isCmd && cmd != "" {
		return map[string]any{
			"command":       strings.TrimPrefix(cmd, "/"),
			"text":          raw["text"],
			"user_id":       raw["user_id"],
			"channel_id":    raw["channel_id"],
			"response_url":  raw["response_url"],
			"trigger_id":    raw["trigger_id"],
		}, "slack.command." + strings.TrimPrefix(cmd, "/"), true
	}

	if payloadStr, isInteractive := raw["payload"].(string); isInteractive {
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadStr), &payload); err == nil {
			componentType, _ := payload["type"].(string)
			if componentType == "" {
				componentType = "interaction"
			}
			return map[string]any{
				"component_type": componentType,
				"actions":        payload["actions"],
				"user":           payload["user"],
				"channel":        payload["channel"],
				"response_url":   payload["response_url"],
				"raw_payload":    payload,
			}, "slack.interaction." + componentType, true
		}
	}

	return nil, "", false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
