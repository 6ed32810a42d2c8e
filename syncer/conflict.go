package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hirewire/hiresync/localstore"
)

// Strategy selects how a divergence between local and server versions of an
// entity is resolved.
type Strategy string

const (
	StrategyLocalWins   Strategy = "local-wins"
	StrategyServerWins  Strategy = "server-wins"
	StrategyMergeFields Strategy = "merge-fields"
	StrategyKeepBoth    Strategy = "keep-both"
	StrategyManual      Strategy = "manual"
)

// ErrManualResolution is returned when a conflict's strategy defers the
// decision to the caller. The engine never silently picks a winner for it.
var ErrManualResolution = errors.New("syncer: manual conflict resolution required")

// Conflict is a detected divergence handed to a Resolver.
type Conflict struct {
	Entity          string
	EntityID        string
	Local           json.RawMessage
	Server          json.RawMessage
	LocalUpdatedAt  int64
	ServerUpdatedAt int64
	// LocalPending marks that an unacknowledged local mutation is still
	// queued. Such a mutation will be replayed after the pull, so the merge
	// treats the local side as authoritative for scalar fields either way.
	LocalPending bool
	Strategy     Strategy
}

// Resolver decides conflict outcomes per entity kind.
type Resolver interface {
	// StrategyFor returns the resolution strategy for an entity table.
	StrategyFor(entity string) Strategy
	// Resolve returns the version to keep locally, or ErrManualResolution.
	Resolve(c Conflict) (json.RawMessage, error)
}

// PolicyResolver maps entity tables to strategies with a fallback default.
type PolicyResolver struct {
	Strategies map[string]Strategy
	Default    Strategy
}

// DefaultResolver reflects the product policy: messages are append-only so
// parallel inserts are kept as-is, user-authored documents merge field by
// field, everything else follows server authority.
func DefaultResolver() *PolicyResolver {
	return &PolicyResolver{
		Strategies: map[string]Strategy{
			localstore.TableMessages:    StrategyKeepBoth,
			localstore.TableProfiles:    StrategyMergeFields,
			localstore.TablePreferences: StrategyMergeFields,
		},
		Default: StrategyServerWins,
	}
}

func (r *PolicyResolver) StrategyFor(entity string) Strategy {
	if s, ok := r.Strategies[entity]; ok {
		return s
	}
	if r.Default != "" {
		return r.Default
	}
	return StrategyServerWins
}

func (r *PolicyResolver) Resolve(c Conflict) (json.RawMessage, error) {
	switch c.Strategy {
	case StrategyLocalWins:
		return c.Local, nil
	case StrategyServerWins:
		return c.Server, nil
	case StrategyKeepBoth:
		// Append-only entities: the "conflict" is two independent inserts,
		// the local one stays and the server one arrives under its own ID.
		return c.Local, nil
	case StrategyMergeFields:
		return MergeFields(c)
	case StrategyManual:
		return nil, ErrManualResolution
	default:
		return c.Server, nil
	}
}

// MergeFields reconciles two versions field by field: timestamp-suffixed
// fields take the max, collection fields take the deduplicated union, nested
// objects merge recursively with server as base and local as override, and
// remaining scalars follow whichever side is newer (a still-pending local
// mutation counts as newer).
func MergeFields(c Conflict) (json.RawMessage, error) {
	var local, server map[string]any
	if err := json.Unmarshal(c.Local, &local); err != nil {
		return nil, fmt.Errorf("failed to parse local version: %w", err)
	}
	if err := json.Unmarshal(c.Server, &server); err != nil {
		return nil, fmt.Errorf("failed to parse server version: %w", err)
	}

	localNewer := c.LocalPending || c.LocalUpdatedAt > c.ServerUpdatedAt
	merged := mergeDocs(local, server, localNewer)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged version: %w", err)
	}
	return out, nil
}

func mergeDocs(local, server map[string]any, localWins bool) map[string]any {
	merged := make(map[string]any, len(server))
	keys := make(map[string]struct{}, len(local)+len(server))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range server {
		keys[k] = struct{}{}
	}

	for key := range keys {
		lv, lok := local[key]
		sv, sok := server[key]
		switch {
		case !lok:
			merged[key] = sv
		case !sok:
			merged[key] = lv
		default:
			merged[key] = mergeValue(key, lv, sv, localWins)
		}
	}
	return merged
}

func mergeValue(key string, lv, sv any, localWins bool) any {
	if isTimestampField(key) {
		if lf, lok := toFloat(lv); lok {
			if sf, sok := toFloat(sv); sok {
				if lf >= sf {
					return lv
				}
				return sv
			}
		}
	}

	la, laok := lv.([]any)
	sa, saok := sv.([]any)
	if laok || saok {
		return unionArrays(la, sa)
	}

	lm, lmok := lv.(map[string]any)
	sm, smok := sv.(map[string]any)
	if lmok && smok {
		// Server as base, local as override.
		return mergeDocs(lm, sm, true)
	}

	if localWins {
		return lv
	}
	return sv
}

func isTimestampField(key string) bool {
	return strings.HasSuffix(key, "At") || strings.HasSuffix(key, "Date")
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// unionArrays deduplicates by serialized element value, keeping first-seen
// order across local then server. Set-wise the result is symmetric.
func unionArrays(local, server []any) []any {
	seen := make(map[string]struct{}, len(local)+len(server))
	out := make([]any, 0, len(local)+len(server))
	for _, arr := range [][]any{local, server} {
		for _, el := range arr {
			b, err := json.Marshal(el)
			if err != nil {
				continue
			}
			if _, dup := seen[string(b)]; dup {
				continue
			}
			seen[string(b)] = struct{}{}
			out = append(out, el)
		}
	}
	return out
}
