package hmacsig

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// maxClockSkew is the accepted distance between a request timestamp and the
// verifier's clock, in either direction.
const maxClockSkew = 300 * time.Second

// KeyProvider resolves an agent's active key hash. *graph.Client satisfies
// it.
type KeyProvider interface {
	ActiveKeyHash(ctx context.Context, agent graph.AgentID) (string, error)
}

// Verifier authenticates signed inter-agent requests. Every failure path
// returns the same ErrUnauthenticated; the reason is only logged at debug
// level so responses stay uniform.
type Verifier struct {
	keyring *Keyring
	keys    KeyProvider
	replay  *replayCache
	logger  *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewVerifier(keyring *Keyring, keys KeyProvider, logger *zap.Logger) *Verifier {
	return &Verifier{
		keyring: keyring,
		keys:    keys,
		replay:  newReplayCache(),
		logger:  logger.Named("hmacsig"),
		now:     time.Now,
	}
}

// Verify checks a request's auth headers against the body it carried.
// Returns the authenticated sender on success.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (graph.AgentID, error) {
	agent := graph.AgentID(req.Header.Get(HeaderAgentID))
	tsRaw := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sig := req.Header.Get(HeaderSignature)

	if agent == "" || tsRaw == "" || nonce == "" || sig == "" {
		return "", v.fail("missing auth headers", agent)
	}
	if !graph.ValidAgent(agent) {
		return "", v.fail("unknown agent", agent)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", v.fail("malformed timestamp", agent)
	}
	now := v.now().UTC()
	stamped := time.Unix(ts, 0).UTC()
	if d := now.Sub(stamped); d > maxClockSkew || d < -maxClockSkew {
		return "", v.fail("timestamp outside window", agent)
	}

	activeHash, err := v.keys.ActiveKeyHash(ctx, agent)
	if err != nil {
		return "", v.fail("no active key", agent)
	}
	key, err := v.keyring.ActiveKey(agent, activeHash, now)
	if err != nil {
		return "", v.fail("derived key does not match active hash", agent)
	}

	want := Sign(key, req.Method, req.URL.Path, stamped, nonce, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", v.fail("signature mismatch", agent)
	}

	// Replay check last: an attacker must present a valid signature before
	// consuming a nonce slot.
	if !v.replay.remember(string(agent), nonce, now) {
		return "", v.fail("nonce replayed", agent)
	}
	return agent, nil
}

func (v *Verifier) fail(reason string, agent graph.AgentID) error {
	v.logger.Debug("verification failed",
		zap.String("reason", reason),
		zap.String("agent", string(agent)))
	return ErrUnauthenticated
}
