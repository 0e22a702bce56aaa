// Package auth verifies signed JSON-RPC callers. A request is accepted only
// when the secp256k1 signature over its canonical form recovers to the
// address announced in X-Caller.
package auth

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"deedescrow/crypto"
)

const (
	// HeaderCaller carries the caller address (bech32 or 0x hex).
	HeaderCaller = "X-Caller"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded 65-byte recoverable signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew  = 2 * time.Minute
	defaultTimestampSkew     = maxAllowedTimestampSkew
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	// ErrMissingCredentials is returned when any signing header is absent.
	ErrMissingCredentials = errors.New("auth: missing signing headers")
	// ErrBadSignature is returned when the signature does not recover to the caller.
	ErrBadSignature = errors.New("auth: signature does not match caller")
	// ErrStale is returned when the timestamp falls outside the allowed skew.
	ErrStale = errors.New("auth: timestamp outside allowed skew")
	// ErrReplay is returned for reused nonces and timestamps that move backwards.
	ErrReplay = errors.New("auth: replayed request")
)

// Caller is the identity recovered from a signed request.
type Caller struct {
	Address [20]byte
}

// String renders the caller in bech32 form.
func (c Caller) String() string { return crypto.FormatAddress(c.Address) }

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Caller     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for caller nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies caller signatures on incoming requests.
type Authenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator. Skew, TTL and capacity are clamped
// to their maximums; zero values select the defaults.
func NewAuthenticator(skew time.Duration, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Authenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[string]*nonceStore),
		lastSeen:             make(map[string]int64),
		persistence:          persistence,
	}
}

// Authenticate validates the signing headers against body and returns the
// recovered caller.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Caller, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	callerHeader := strings.TrimSpace(r.Header.Get(HeaderCaller))
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	switch {
	case callerHeader == "":
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, HeaderCaller)
	case timestampHeader == "":
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, HeaderTimestamp)
	case nonce == "":
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, HeaderNonce)
	case providedSig == "":
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, HeaderSignature)
	}
	claimed, err := crypto.ParseAddress(callerHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid caller: %w", err)
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("%w of %s", ErrStale, a.allowedTimestampSkew)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(providedSig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	digest := SigningDigest(callerHeader, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if recovered != claimed {
		return nil, ErrBadSignature
	}
	key := crypto.FormatAddress(claimed)
	duplicate, err := a.registerNonce(r.Context(), key, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, fmt.Errorf("%w: nonce already used", ErrReplay)
	}
	if a.isTimestampReplay(key, ts, now) {
		return nil, fmt.Errorf("%w: timestamp moved backwards", ErrReplay)
	}
	return &Caller{Address: claimed}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Caller) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Caller).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, caller, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(caller)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Caller:     caller,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

// isTimestampReplay rejects timestamps older than the newest one seen for the
// caller inside the skew window. Equal timestamps pass; the nonce cache
// separates them.
func (a *Authenticator) isTimestampReplay(caller string, ts time.Time, now time.Time) bool {
	cutoff := now.Add(-a.allowedTimestampSkew)
	current := ts.Unix()

	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()

	last, ok := a.lastSeen[caller]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current < last {
				return true
			}
		} else {
			delete(a.lastSeen, caller)
			ok = false
		}
	}
	if !ok || current > last {
		a.lastSeen[caller] = current
	}
	return false
}

func (a *Authenticator) nonceStore(caller string) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[caller]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[caller] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// SigningDigest is keccak256 over the newline-joined request metadata.
func SigningDigest(caller, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{caller, timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	return ethcrypto.Keccak256([]byte(payload))
}

// Sign produces the headers for a request signed by key. It is used by the
// CLI and by tests.
func Sign(key *crypto.PrivateKey, r *http.Request, body []byte, timestamp time.Time, nonce string) error {
	if key == nil {
		return errors.New("signing key required")
	}
	caller := key.PubKey().Address().String()
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	digest := SigningDigest(caller, ts, nonce, r.Method, CanonicalRequestPath(r), body)
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderCaller, caller)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether the nonce was observed inside the TTL window.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce, evicting the oldest entries past capacity.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	n.order.Remove(front)
	delete(n.entries, front.Value.(nonceEntry).key)
}
