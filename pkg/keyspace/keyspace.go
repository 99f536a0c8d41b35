// Package keyspace is the single authority for every Redis key the platform
// uses. No other component builds a key by string concatenation.
//
// Keys follow the form:
//
//	<root>:<env>:<service>:<kind>[:<segment>...]
package keyspace

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the fixed segment that makes collisions across key families
// impossible by construction.
type Kind string

// Key kinds
const (
	KindActions   Kind = "actions"   // stream of domain actions
	KindResponses Kind = "responses" // single-use response list
	KindCallbacks Kind = "callbacks" // stream of callback actions
	KindDLQ       Kind = "dlq"       // dead-letter stream
	KindState     Kind = "state"     // cached entity
	KindUsage     Kind = "usage"     // per-window usage counter
	KindRateLimit Kind = "ratelimit" // per-window rate-limit counter
)

var knownKinds = map[Kind]bool{
	KindActions:   true,
	KindResponses: true,
	KindCallbacks: true,
	KindDLQ:       true,
	KindState:     true,
	KindUsage:     true,
	KindRateLimit: true,
}

// segmentPattern rejects the separator and anything else that would make a
// key unparseable
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)

// Keyspace generates keys for one deployment (root prefix + environment)
type Keyspace struct {
	root string
	env  string
}

// New creates a Keyspace. root is the fleetwide application prefix, env the
// deployment environment (dev, prod, ...).
func New(root, env string) (*Keyspace, error) {
	if !segmentPattern.MatchString(root) {
		return nil, fmt.Errorf("invalid root prefix %q", root)
	}
	if !segmentPattern.MatchString(env) {
		return nil, fmt.Errorf("invalid environment %q", env)
	}
	return &Keyspace{root: root, env: env}, nil
}

// MustNew is New for configuration known valid at compile time
func MustNew(root, env string) *Keyspace {
	ks, err := New(root, env)
	if err != nil {
		panic(err)
	}
	return ks
}

// build assembles and validates a key. Dynamic segments (service names,
// tenant IDs, correlation IDs) arrive from envelopes, so every one is gated
// against the segment grammar; a generator never emits a key that Parse
// would reject.
func (k *Keyspace) build(service string, kind Kind, segments ...string) (string, error) {
	if !segmentPattern.MatchString(service) {
		return "", fmt.Errorf("invalid service segment %q", service)
	}
	for _, s := range segments {
		if !segmentPattern.MatchString(s) {
			return "", fmt.Errorf("invalid key segment %q", s)
		}
	}

	parts := make([]string, 0, 4+len(segments))
	parts = append(parts, k.root, k.env, service, string(kind))
	parts = append(parts, segments...)
	return strings.Join(parts, ":"), nil
}

// ActionStream returns the stream a service consumes actions from
func (k *Keyspace) ActionStream(service string) (string, error) {
	return k.build(service, KindActions)
}

// ResponseList returns the single-use response list for one pseudo-sync
// request, derived from its correlation ID
func (k *Keyspace) ResponseList(service, correlationID string) (string, error) {
	return k.build(service, KindResponses, correlationID)
}

// CallbackStream returns the stream a service receives callbacks on
func (k *Keyspace) CallbackStream(service string) (string, error) {
	return k.build(service, KindCallbacks)
}

// DLQStream returns the dead-letter stream of a service
func (k *Keyspace) DLQStream(service string) (string, error) {
	return k.build(service, KindDLQ)
}

// StateKey returns the key of a cached entity owned by service
func (k *Keyspace) StateKey(service string, segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("state keys need at least one segment")
	}
	return k.build(service, KindState, segments...)
}

// UsageKey returns the per-window usage counter for (tenant, resource).
// The window is part of the key name, so counters reset by rotation.
func (k *Keyspace) UsageKey(service, tenantID, resource, window string) (string, error) {
	return k.build(service, KindUsage, tenantID, resource, window)
}

// RateLimitKey returns the per-window rate-limit counter for (tenant, resource)
func (k *Keyspace) RateLimitKey(service, tenantID, resource, window string) (string, error) {
	return k.build(service, KindRateLimit, tenantID, resource, window)
}

// ConsumerGroup returns the consumer-group name for a service's action
// stream. Group names share the key grammar so operational tooling can
// attribute them, but they are not keys and are not parseable.
func (k *Keyspace) ConsumerGroup(service string) (string, error) {
	if !segmentPattern.MatchString(service) {
		return "", fmt.Errorf("invalid service segment %q", service)
	}
	return fmt.Sprintf("%s:%s:%s:group", k.root, k.env, service), nil
}

// ValidSegment reports whether s may appear as a key segment
func ValidSegment(s string) bool {
	return segmentPattern.MatchString(s)
}

// Key is a parsed key
type Key struct {
	Root     string
	Env      string
	Service  string
	Kind     Kind
	Segments []string
}

// Parse recovers the components of a generated key. Every generator output
// round-trips; everything else is rejected.
func Parse(raw string) (*Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("key %q has %d segments, need at least 4", raw, len(parts))
	}
	for i, p := range parts {
		if !segmentPattern.MatchString(p) {
			return nil, fmt.Errorf("key %q has invalid segment at position %d", raw, i)
		}
	}

	kind := Kind(parts[3])
	if !knownKinds[kind] {
		return nil, fmt.Errorf("key %q has unknown kind %q", raw, parts[3])
	}

	key := &Key{
		Root:     parts[0],
		Env:      parts[1],
		Service:  parts[2],
		Kind:     kind,
		Segments: parts[4:],
	}

	switch kind {
	case KindActions, KindCallbacks, KindDLQ:
		if len(key.Segments) != 0 {
			return nil, fmt.Errorf("key %q: %s keys take no extra segments", raw, kind)
		}
	case KindResponses:
		if len(key.Segments) != 1 {
			return nil, fmt.Errorf("key %q: responses keys take exactly one segment", raw)
		}
	case KindState:
		if len(key.Segments) == 0 {
			return nil, fmt.Errorf("key %q: state keys need at least one segment", raw)
		}
	case KindUsage, KindRateLimit:
		if len(key.Segments) != 3 {
			return nil, fmt.Errorf("key %q: %s keys take tenant, resource and window segments", raw, kind)
		}
	}

	return key, nil
}

// String re-assembles the key; Parse(k.String()) yields k
func (key *Key) String() string {
	parts := make([]string, 0, 4+len(key.Segments))
	parts = append(parts, key.Root, key.Env, key.Service, string(key.Kind))
	parts = append(parts, key.Segments...)
	return strings.Join(parts, ":")
}
