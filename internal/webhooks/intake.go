package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/core"
)

const maxPayloadBytes = 1 << 20 // 1 MiB

// PlanRunner is the slice of the executor the intake is allowed to use.
type PlanRunner interface {
	SubmitPlan(ctx context.Context, userID string, plan core.Plan) ([]*actionlog.ActionRecord, error)
}

// Trigger inspects a stored event and, when it matches, produces a plan
// to run on behalf of a user. Returning ok=false skips the trigger.
type Trigger func(ev *Event) (userID string, plan core.Plan, ok bool)

// Intake verifies, persists, and processes inbound webhooks.
type Intake struct {
	store    Store
	runner   PlanRunner
	secrets  map[core.Service]string
	triggers map[core.Service][]Trigger
	timeout  time.Duration
	logger   *log.Logger
}

func NewIntake(store Store, runner PlanRunner, secrets map[core.Service]string) *Intake {
	return &Intake{
		store:    store,
		runner:   runner,
		secrets:  secrets,
		triggers: make(map[core.Service][]Trigger),
		timeout:  60 * time.Second,
		logger:   log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

// RegisterTrigger adds a trigger for one service's events. Not safe to
// call after the intake starts serving requests.
func (in *Intake) RegisterTrigger(service core.Service, t Trigger) {
	in.triggers[service] = append(in.triggers[service], t)
}

// SignPayload computes the hex HMAC-SHA256 tag callers put in the
// X-Webhook-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(payload []byte, secret, header string) bool {
	sig := strings.TrimPrefix(header, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(sig), []byte(expected))
}

// ServeHTTP handles POST /api/v1/webhooks/{service}.
func (in *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := core.Service(mux.Vars(r)["service"])
	secret, ok := in.secrets[service]
	if !ok {
		http.Error(w, "unknown webhook source", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("X-Webhook-Signature")
	if !verifySignature(body, secret, sigHeader) {
		in.logger.Printf("rejected %s webhook: bad signature", service)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev := &Event{
		Service:    service,
		EventType:  r.Header.Get("X-Webhook-Event"),
		EventID:    r.Header.Get("X-Webhook-Delivery"),
		Payload:    json.RawMessage(body),
		Signature:  sigHeader,
		ReceivedAt: time.Now().UTC(),
	}
	if err := in.store.Append(r.Context(), ev); err != nil {
		in.logger.Printf("persisting %s webhook: %v", service, err)
		http.Error(w, "failed to persist event", http.StatusInternalServerError)
		return
	}

	// Ack before processing: providers retry on slow responses, and
	// the event is already durable.
	w.WriteHeader(http.StatusAccepted)
	go in.process(ev)
}

func (in *Intake) process(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()

	var res ProcessingResult
	for _, trigger := range in.triggers[ev.Service] {
		userID, plan, ok := trigger(ev)
		if !ok {
			continue
		}
		records, err := in.runner.SubmitPlan(ctx, userID, plan)
		for _, rec := range records {
			// A slot stays nil when the step's record could not even
			// be created; err carries the cause.
			if rec == nil {
				continue
			}
			res.ActionIDs = append(res.ActionIDs, rec.ID)
		}
		if err != nil {
			res.Error = err.Error()
			break
		}
	}

	if err := in.store.MarkProcessed(ctx, ev.ID, res); err != nil {
		in.logger.Printf("marking event %d processed: %v", ev.ID, err)
		return
	}
	if res.Error != "" {
		in.logger.Printf("event %d (%s %s) processed with error: %s", ev.ID, ev.Service, ev.EventType, res.Error)
	} else {
		in.logger.Printf("event %d (%s %s) processed, %d actions", ev.ID, ev.Service, ev.EventType, len(res.ActionIDs))
	}
}
