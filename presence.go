package gophxchannels

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Default presence event names.
const (
	PresenceStateEvent = "presence_state"
	PresenceDiffEvent  = "presence_diff"
)

// PresenceMeta is one tracked session of a presence key, e.g. one device.
type PresenceMeta map[string]interface{}

// Ref returns the server-assigned phx_ref identifying the meta.
func (m PresenceMeta) Ref() string {
	ref, _ := m["phx_ref"].(string)
	return ref
}

// PresenceEntry is everything tracked under one presence key. Fields holds
// any keys besides "metas" the server attached.
type PresenceEntry struct {
	Metas  []PresenceMeta
	Fields map[string]interface{}
}

func (e PresenceEntry) clone() PresenceEntry {
	out := PresenceEntry{Metas: make([]PresenceMeta, len(e.Metas))}
	copy(out.Metas, e.Metas)
	if e.Fields != nil {
		out.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func (e PresenceEntry) refs() map[string]bool {
	refs := make(map[string]bool, len(e.Metas))
	for _, m := range e.Metas {
		refs[m.Ref()] = true
	}
	return refs
}

// PresenceState maps presence keys to their entries. A key is present iff
// its meta list is non-empty.
type PresenceState map[string]PresenceEntry

// Clone returns a copy that shares no slices with s.
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, e := range s {
		out[k] = e.clone()
	}
	return out
}

func (s PresenceState) keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PresenceDiff is an incremental presence update.
type PresenceDiff struct {
	Joins  PresenceState
	Leaves PresenceState
}

// JoinCallback is called for each joined key. current is nil for a key that
// was not tracked before.
type JoinCallback func(key string, current *PresenceEntry, joined PresenceEntry)

// LeaveCallback is called for each left key with the entry as it is after
// the leave.
type LeaveCallback func(key string, current PresenceEntry, left PresenceEntry)

// SyncState merges a full server state into current and returns the new
// state. Differences are reported through onJoin and onLeave exactly as
// SyncDiff would for the equivalent diff.
func SyncState(current, newState PresenceState, onJoin JoinCallback, onLeave LeaveCallback) PresenceState {
	state := current.Clone()
	diff := PresenceDiff{Joins: PresenceState{}, Leaves: PresenceState{}}

	for _, key := range state.keys() {
		if _, ok := newState[key]; !ok {
			diff.Leaves[key] = state[key]
		}
	}

	for _, key := range newState.keys() {
		newPresence := newState[key]
		currentPresence, ok := state[key]
		if !ok {
			diff.Joins[key] = newPresence
			continue
		}

		newRefs := newPresence.refs()
		curRefs := currentPresence.refs()

		joined := newPresence.clone()
		joined.Metas = joined.Metas[:0]
		for _, m := range newPresence.Metas {
			if !curRefs[m.Ref()] {
				joined.Metas = append(joined.Metas, m)
			}
		}

		left := currentPresence.clone()
		left.Metas = left.Metas[:0]
		for _, m := range currentPresence.Metas {
			if !newRefs[m.Ref()] {
				left.Metas = append(left.Metas, m)
			}
		}

		if len(joined.Metas) > 0 {
			diff.Joins[key] = joined
		}
		if len(left.Metas) > 0 {
			diff.Leaves[key] = left
		}
	}

	return SyncDiff(state, diff, onJoin, onLeave)
}

// SyncDiff applies diff to a copy of state, joins first, and returns it.
// Metas of a joined key that the diff does not mention are kept in front of
// the incoming ones.
func SyncDiff(state PresenceState, diff PresenceDiff, onJoin JoinCallback, onLeave LeaveCallback) PresenceState {
	state = state.Clone()
	joins := diff.Joins.Clone()
	leaves := diff.Leaves.Clone()

	for _, key := range joins.keys() {
		newPresence := joins[key]
		currentPresence, existed := state[key]

		merged := newPresence.clone()
		if existed {
			joinedRefs := merged.refs()
			var kept []PresenceMeta
			for _, m := range currentPresence.Metas {
				if !joinedRefs[m.Ref()] {
					kept = append(kept, m)
				}
			}
			merged.Metas = append(kept, merged.Metas...)
		}
		state[key] = merged

		if onJoin != nil {
			if existed {
				prev := currentPresence
				onJoin(key, &prev, newPresence)
			} else {
				onJoin(key, nil, newPresence)
			}
		}
		if len(merged.Metas) == 0 {
			delete(state, key)
		}
	}

	for _, key := range leaves.keys() {
		leftPresence := leaves[key]
		currentPresence, ok := state[key]
		if !ok {
			continue
		}

		refsToRemove := leftPresence.refs()
		var remaining []PresenceMeta
		for _, m := range currentPresence.Metas {
			if !refsToRemove[m.Ref()] {
				remaining = append(remaining, m)
			}
		}
		currentPresence.Metas = remaining
		state[key] = currentPresence

		if onLeave != nil {
			onLeave(key, currentPresence, leftPresence)
		}
		if len(currentPresence.Metas) == 0 {
			delete(state, key)
		}
	}

	return state
}

// ListPresences maps every entry of state through chooser, in key order.
func ListPresences[T any](state PresenceState, chooser func(key string, entry PresenceEntry) T) []T {
	out := make([]T, 0, len(state))
	for _, key := range state.keys() {
		out = append(out, chooser(key, state[key]))
	}
	return out
}

// ParsePresenceState converts a decoded "presence_state" payload.
func ParsePresenceState(payload interface{}) (PresenceState, error) {
	switch p := payload.(type) {
	case PresenceState:
		return p.Clone(), nil
	case map[string]interface{}:
		state := make(PresenceState, len(p))
		for key, raw := range p {
			entry, err := parsePresenceEntry(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "presence key %q", key)
			}
			state[key] = entry
		}
		return state, nil
	case nil:
		return PresenceState{}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedFrame, "presence state of type %T", payload)
	}
}

// ParsePresenceDiff converts a decoded "presence_diff" payload.
func ParsePresenceDiff(payload interface{}) (PresenceDiff, error) {
	switch p := payload.(type) {
	case PresenceDiff:
		return PresenceDiff{Joins: p.Joins.Clone(), Leaves: p.Leaves.Clone()}, nil
	case map[string]interface{}:
		joins, err := ParsePresenceState(p["joins"])
		if err != nil {
			return PresenceDiff{}, errors.Wrap(err, "joins")
		}
		leaves, err := ParsePresenceState(p["leaves"])
		if err != nil {
			return PresenceDiff{}, errors.Wrap(err, "leaves")
		}
		return PresenceDiff{Joins: joins, Leaves: leaves}, nil
	default:
		return PresenceDiff{}, errors.Wrapf(ErrMalformedFrame, "presence diff of type %T", payload)
	}
}

func parsePresenceEntry(raw interface{}) (PresenceEntry, error) {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return PresenceEntry{}, errors.Wrapf(ErrMalformedFrame, "entry of type %T", raw)
	}

	entry := PresenceEntry{}
	for k, v := range fields {
		if k == "metas" {
			continue
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{})
		}
		entry.Fields[k] = v
	}

	metas, ok := fields["metas"].([]interface{})
	if !ok && fields["metas"] != nil {
		return PresenceEntry{}, errors.Wrapf(ErrMalformedFrame, "metas of type %T", fields["metas"])
	}
	for _, m := range metas {
		meta, ok := m.(map[string]interface{})
		if !ok {
			return PresenceEntry{}, errors.Wrapf(ErrMalformedFrame, "meta of type %T", m)
		}
		entry.Metas = append(entry.Metas, PresenceMeta(meta))
	}
	return entry, nil
}

// PresenceOptions overrides the event names a Presence listens on.
type PresenceOptions struct {
	StateEvent string
	DiffEvent  string
}

// Presence keeps a local replica of a channel's presence set. Diffs that
// arrive after a rejoin but before the next full state are held back and
// replayed once that state arrives.
type Presence struct {
	channel      *Channel
	state        PresenceState
	pendingDiffs []PresenceDiff
	joinRef      string
	onJoin       JoinCallback
	onLeave      LeaveCallback
	onSync       func()
}

// NewPresence attaches a Presence to channel.
func NewPresence(channel *Channel, opts *PresenceOptions) *Presence {
	stateEvent, diffEvent := PresenceStateEvent, PresenceDiffEvent
	if opts != nil {
		if opts.StateEvent != "" {
			stateEvent = opts.StateEvent
		}
		if opts.DiffEvent != "" {
			diffEvent = opts.DiffEvent
		}
	}

	p := &Presence{
		channel: channel,
		state:   PresenceState{},
		onSync:  func() {},
	}

	channel.On(stateEvent, func(payload interface{}) {
		newState, err := ParsePresenceState(payload)
		if err != nil {
			p.log().WithError(err).Warn("dropping presence state")
			return
		}

		p.joinRef = p.channel.JoinRef()
		p.state = SyncState(p.state, newState, p.onJoin, p.onLeave)
		for _, diff := range p.pendingDiffs {
			p.state = SyncDiff(p.state, diff, p.onJoin, p.onLeave)
		}
		p.pendingDiffs = nil
		p.onSync()
	})

	channel.On(diffEvent, func(payload interface{}) {
		diff, err := ParsePresenceDiff(payload)
		if err != nil {
			p.log().WithError(err).Warn("dropping presence diff")
			return
		}

		if p.InPendingSyncState() {
			p.pendingDiffs = append(p.pendingDiffs, diff)
			return
		}
		p.state = SyncDiff(p.state, diff, p.onJoin, p.onLeave)
		p.onSync()
	})

	return p
}

func (p *Presence) log() *logrus.Entry {
	return p.channel.socket.log(logPresence).WithField("topic", p.channel.topic)
}

// OnJoin sets the callback for joined keys.
func (p *Presence) OnJoin(callback JoinCallback) {
	p.onJoin = callback
}

// OnLeave sets the callback for left keys.
func (p *Presence) OnLeave(callback LeaveCallback) {
	p.onLeave = callback
}

// OnSync sets the callback run after every applied state or diff.
func (p *Presence) OnSync(callback func()) {
	if callback == nil {
		callback = func() {}
	}
	p.onSync = callback
}

// InPendingSyncState reports whether the channel rejoined since the last
// full state.
func (p *Presence) InPendingSyncState() bool {
	return p.joinRef == "" || p.joinRef != p.channel.JoinRef()
}

// List returns chooser's result for each key in key order. A nil chooser
// returns the entries themselves.
func (p *Presence) List(chooser func(key string, entry PresenceEntry) interface{}) []interface{} {
	if chooser == nil {
		chooser = func(_ string, entry PresenceEntry) interface{} { return entry }
	}
	return ListPresences(p.state, chooser)
}

// State returns a copy of the replica.
func (p *Presence) State() PresenceState {
	return p.state.Clone()
}
