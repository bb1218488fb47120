package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/hmacsig"
)

// dispatchTimeout bounds one delivery attempt end to end.
const dispatchTimeout = 15 * time.Second

// Message is the payload POSTed to the receiving agent's message endpoint.
// Descriptions are always the sanitised form; raw input never leaves the
// delegating process.
type Message struct {
	TaskID      string            `json:"task_id"`
	Type        string            `json:"type"`
	Description string            `json:"description_sanitised"`
	Priority    graph.Priority    `json:"priority"`
	DelegatedBy graph.AgentID     `json:"delegated_by"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Dispatcher delivers signed messages to agents through the gateway. One
// retry on network failure only; HTTP error statuses are not retried, the
// gateway already received the request once.
type Dispatcher struct {
	base    *url.URL
	token   string
	keyring *hmacsig.Keyring
	keys    hmacsig.KeyProvider
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	// healthy tracks whether the gateway answered the most recent delivery.
	// Any HTTP response counts as reachable; only exhausted network attempts
	// flip it off. Surfaced through /health.
	healthy atomic.Bool
}

func NewDispatcher(gatewayURL, gatewayToken string, keyring *hmacsig.Keyring, keys hmacsig.KeyProvider, logger *zap.Logger) (*Dispatcher, error) {
	base, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("delegation: gateway url: %w", err)
	}
	d := &Dispatcher{
		base:    base,
		token:   gatewayToken,
		keyring: keyring,
		keys:    keys,
		client:  &http.Client{Timeout: dispatchTimeout},
		// Pace outbound deliveries: sustained 2/s, bursts of 10.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 10),
		logger:  logger.Named("dispatch"),
	}
	d.healthy.Store(true)
	return d, nil
}

// Healthy reports whether the gateway answered the last delivery attempt.
func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }

// Send delivers msg to the target agent on behalf of msg.DelegatedBy.
func (d *Dispatcher) Send(ctx context.Context, to graph.AgentID, msg Message) error {
	if !graph.ValidAgent(to) {
		return fmt.Errorf("delegation: send: target %q: %w", to, graph.ErrInvalidInput)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("delegation: send: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("delegation: send: encode: %w", err)
	}

	activeHash, err := d.keys.ActiveKeyHash(ctx, msg.DelegatedBy)
	if err != nil {
		return fmt.Errorf("delegation: send: sender key: %w", err)
	}
	key, err := d.keyring.ActiveKey(msg.DelegatedBy, activeHash, time.Now())
	if err != nil {
		return fmt.Errorf("delegation: send: sender key: %w", err)
	}

	endpoint := d.base.JoinPath("agent", string(to), "message")

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("delegation: send: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+d.token)
		hmacsig.SignRequest(req, string(msg.DelegatedBy), key, body)

		resp, err := d.client.Do(req)
		if err != nil {
			// Network-level failure: retry once with a fresh signature.
			lastErr = err
			d.logger.Warn("delivery attempt failed",
				zap.String("to", string(to)),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		resp.Body.Close()
		d.healthy.Store(true)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("delegation: send to %s: gateway returned %d", to, resp.StatusCode)
	}
	d.healthy.Store(false)
	return fmt.Errorf("delegation: send to %s: %w", to, lastErr)
}

// gatewayPathFor is exposed for tests asserting endpoint construction.
func (d *Dispatcher) gatewayPathFor(to graph.AgentID) string {
	return strings.TrimSuffix(d.base.JoinPath("agent", string(to), "message").Path, "/")
}
