// Package envelope implements the cache logic contract of spec §4.1: mapping
// a message to its routing envelope, decoding payloads back into messages
// (with prefix fallback for scan-size specialisations), and maintaining the
// bounded per-envelope history the broker replays to late subscribers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"spmfabric/internal/model"
	"spmfabric/internal/units"
)

// ErrUnknownEnvelope is returned by Decode when no registered base envelope
// is a prefix of the received envelope.
var ErrUnknownEnvelope = errors.New("envelope: unknown envelope")

// DecodeFunc turns a raw payload into a concrete model.Message.
type DecodeFunc func(payload []byte) (model.Message, error)

// EnvelopeOf computes the routing envelope for msg (§4.1). Scan2d messages
// are specialised by channel and rounded ROI size so that caches are kept
// per-channel and per-resolution; every other message type uses its bare
// type name.
func EnvelopeOf(msg model.Message) string {
	if scan, ok := msg.(model.Scan2d); ok {
		return scanEnvelope(scan.EnvelopeType(), scan.Channel, scan.ROI.Size.X)
	}
	return msg.EnvelopeType()
}

func scanEnvelope(base, channel string, sizeX float64) string {
	return fmt.Sprintf("%s_%s_%s", base, channel, strconv.FormatInt(units.RoundHalfToEven(sizeX), 10))
}

// DefaultDecoders registers decode functions for every message type defined
// in internal/model. Callers needing additional message types can extend the
// map returned here before constructing a Logic.
func DefaultDecoders() map[string]DecodeFunc {
	return map[string]DecodeFunc{
		"Scan2d": func(payload []byte) (model.Message, error) {
			var v model.Scan2d
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"ScanParameters2d": func(payload []byte) (model.Message, error) {
			var v model.ScanParameters2d
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"ScanState": func(payload []byte) (model.Message, error) {
			var v model.ScanStateMessage
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"ControlState": func(payload []byte) (model.Message, error) {
			var v model.ControlState
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"Heartbeat": func(payload []byte) (model.Message, error) {
			var v model.HeartbeatMessage
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"KILL": func(payload []byte) (model.Message, error) {
			var v model.KillMessage
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Config controls per-envelope cache depth (§3, §6.4).
type Config struct {
	// DefaultDepth applies to any base envelope without a more specific entry.
	DefaultDepth int
	// BaseDepths overrides DefaultDepth per base envelope (e.g. "Scan2d").
	BaseDepths map[string]int
	// ScanDepths overrides the depth for one (channel, roundedSizeX) pair.
	ScanDepths map[ScanDepthKey]int
}

// ScanDepthKey identifies a scan specialisation for depth configuration.
type ScanDepthKey struct {
	Channel string
	SizeX   int64
}

// ScanDepthsFromStrings converts the "channel:sizeX" -> depth form used by
// internal/config (flat env vars can't carry a struct key) into the
// ScanDepthKey-keyed form Config expects. Malformed keys are skipped.
func ScanDepthsFromStrings(raw map[string]int) map[ScanDepthKey]int {
	out := make(map[ScanDepthKey]int, len(raw))
	for key, depth := range raw {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		sizeX, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out[ScanDepthKey{Channel: parts[0], SizeX: sizeX}] = depth
	}
	return out
}

// Logic is the cache-logic contract of §4.1: envelope derivation, decode
// with prefix fallback, and admission into bounded per-envelope FIFOs.
type Logic struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
	cfg      Config

	caches   map[string]*lru.Cache[uint64, model.Message]
	counters map[string]uint64
	order    []string // envelopes in first-admitted order, for replay ordering
}

// NewLogic constructs a Logic with the given decoders (DefaultDecoders() in
// the common case) and depth configuration.
func NewLogic(decoders map[string]DecodeFunc, cfg Config) *Logic {
	if cfg.DefaultDepth <= 0 {
		cfg.DefaultDepth = 1
	}
	return &Logic{
		decoders: decoders,
		cfg:      cfg,
		caches:   make(map[string]*lru.Cache[uint64, model.Message]),
		counters: make(map[string]uint64),
	}
}

// baseMatch finds the longest registered base envelope that is either equal
// to envelope or a "_"-delimited prefix of it. This is the prefix-fallback
// rule of §4.1/§9: a bare substring match is not enough, the boundary must
// land on a "_" so a hypothetical Scan2dX_topo_1 envelope never resolves
// against the Scan2d base.
func (l *Logic) baseMatch(envelope string) (string, DecodeFunc, bool) {
	if fn, ok := l.decoders[envelope]; ok {
		return envelope, fn, true
	}
	var bestBase string
	var bestFn DecodeFunc
	found := false
	for base, fn := range l.decoders {
		if envelope == base || strings.HasPrefix(envelope, base+"_") {
			if !found || len(base) > len(bestBase) {
				bestBase, bestFn, found = base, fn, true
			}
		}
	}
	return bestBase, bestFn, found
}

// Known reports whether envelope resolves to a registered decoder, either
// directly or through prefix fallback. Publishers call this before
// transport: "every published message's envelope exists in the sender's
// logic map, or is rejected before transport" (§4.1 invariant).
func (l *Logic) Known(envelope string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, _, ok := l.baseMatch(envelope)
	return ok
}

// Decode turns a wire payload into a message, applying prefix fallback when
// the exact envelope was never registered (scan-size specialisations).
func (l *Logic) Decode(envelope string, payload []byte) (model.Message, error) {
	l.mu.RLock()
	_, fn, ok := l.baseMatch(envelope)
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, envelope)
	}
	return fn(payload)
}

func (l *Logic) depthFor(envelope, base string) int {
	if base == "Scan2d" {
		if rest := strings.TrimPrefix(envelope, "Scan2d_"); rest != envelope {
			if idx := strings.LastIndex(rest, "_"); idx >= 0 {
				channel := rest[:idx]
				if sizeX, err := strconv.ParseInt(rest[idx+1:], 10, 64); err == nil {
					if depth, ok := l.cfg.ScanDepths[ScanDepthKey{Channel: channel, SizeX: sizeX}]; ok {
						return depth
					}
				}
			}
		}
	}
	if depth, ok := l.cfg.BaseDepths[base]; ok {
		return depth
	}
	return l.cfg.DefaultDepth
}

// Admit appends msg to the FIFO for its envelope, creating the FIFO (with
// the configured depth for its base envelope) on first use. This is the sole
// mutator of broker/subscriber cache state (§4.1).
func (l *Logic) Admit(msg model.Message) (string, error) {
	envelope := EnvelopeOf(msg)
	l.mu.Lock()
	defer l.mu.Unlock()

	base, _, ok := l.baseMatch(envelope)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvelope, envelope)
	}

	cache, exists := l.caches[envelope]
	if !exists {
		depth := l.depthFor(envelope, base)
		if depth <= 0 {
			depth = 1
		}
		var err error
		cache, err = lru.New[uint64, model.Message](depth)
		if err != nil {
			return "", err
		}
		l.caches[envelope] = cache
		l.order = append(l.order, envelope)
	}
	l.counters[envelope]++
	// Add-only usage: every key is unique and monotonically increasing, so
	// the LRU cache's "least recently used" eviction is, in practice, "least
	// recently admitted" — a strict FIFO of the configured depth.
	cache.Add(l.counters[envelope], msg)
	return envelope, nil
}

// Snapshot is a read-only, insertion-ordered view of one envelope's cache.
type Snapshot struct {
	Envelope string
	Messages []model.Message // oldest first
}

// MatchingEnvelopes returns, in broker-insertion order, the envelopes whose
// cache has ever been admitted to and that match the given subscription
// prefix (§4.4 replay ordering).
func (l *Logic) MatchingEnvelopes(subscriptionPrefix string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matches []string
	for _, envelope := range l.order {
		if envelope == subscriptionPrefix || strings.HasPrefix(envelope, subscriptionPrefix) {
			matches = append(matches, envelope)
		}
	}
	return matches
}

// Snapshot returns the oldest-to-newest FIFO contents for one envelope.
func (l *Logic) Snapshot(envelope string) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cache, ok := l.caches[envelope]
	if !ok {
		return Snapshot{Envelope: envelope}
	}
	keys := cache.Keys() // ascending insertion order for an Add-only LRU
	messages := make([]model.Message, 0, len(keys))
	for _, k := range keys {
		if v, ok := cache.Peek(k); ok {
			messages = append(messages, v)
		}
	}
	return Snapshot{Envelope: envelope, Messages: messages}
}

// Len reports how many messages are currently cached for envelope.
func (l *Logic) Len(envelope string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cache, ok := l.caches[envelope]; ok {
		return cache.Len()
	}
	return 0
}
