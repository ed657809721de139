// Package heartbeat implements the discovery and lifecycle controller: it
// consumes heartbeat broadcasts from remote peers, tracks which
// server/facility pairs are currently alive under a TTL, and emits
// Register/Deregister/NoChange actions for every transport channel the
// application is interested in.
//
// Grounded on original_source/tm_kit/transport/HeartbeatMessageToRemoteFacilityCommand.hpp
// (declaration) and spec.md §4.2 (algorithm).
package heartbeat

import (
	"regexp"
	"time"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/facility"
	"github.com/matrixspace/fabric/locator"
)

// Message is the externally-defined heartbeat record consumed by the
// tracker. FacilityChannels maps a facility name to its textual channel
// spec, e.g. "tcp://host:5561" or "redis://host:6379".
type Message struct {
	SenderName       string
	Timestamp        time.Time
	FacilityChannels map[string]string
}

type trackerKey struct {
	sender   string
	facility string
}

type trackerEntry struct {
	connType    facility.ConnectionType
	locator     locator.ConnectionLocator
	description string
	lastSeen    time.Time
	lastAction  facility.ActionType
}

// Tracker implements HeartbeatTracker / HeartbeatMessageToRemoteFacilityCommand.
// A Tracker is not safe for concurrent use — per spec.md §5 it is externally
// single-threaded (the caller serializes ProcessHeartbeat/ProcessTick calls).
type Tracker struct {
	senderRE   *regexp.Regexp
	facilityRE *regexp.Regexp
	ttl        time.Duration

	// order preserves insertion order of keys so action emission follows
	// spec.md's insertion-ordered tracker map — Go maps don't preserve
	// iteration order, so a parallel key slice stands in for it.
	order   []trackerKey
	entries map[trackerKey]*trackerEntry
}

// NewTracker constructs a Tracker. senderRE gates which heartbeat senders
// are considered; facilityRE gates which facility-channel keys within an
// accepted heartbeat are tracked; ttl is the liveness window.
func NewTracker(senderRE, facilityRE *regexp.Regexp, ttl time.Duration) *Tracker {
	return &Tracker{
		senderRE:   senderRE,
		facilityRE: facilityRE,
		ttl:        ttl,
		entries:    make(map[trackerKey]*trackerEntry),
	}
}

// ProcessHeartbeat ingests one heartbeat observation, refreshing lastSeen
// for every matching (sender, facility) pair. It never itself returns
// actions — those are emitted only by ProcessTick, since liveness
// transitions are only meaningful relative to "now", not to the moment a
// heartbeat happened to arrive.
func (t *Tracker) ProcessHeartbeat(observed time.Time, msg Message) []facility.Action {
	if t.senderRE != nil && !t.senderRE.MatchString(msg.SenderName) {
		return nil
	}
	for name, spec := range msg.FacilityChannels {
		if t.facilityRE != nil && !t.facilityRE.MatchString(name) {
			continue
		}
		connType, loc, err := parseChannel(spec)
		if err != nil {
			continue
		}

		key := trackerKey{sender: msg.SenderName, facility: name}
		e, existed := t.entries[key]
		if !existed {
			e = &trackerEntry{lastAction: facility.NoChange}
			t.entries[key] = e
			t.order = append(t.order, key)
		}
		e.connType = connType
		e.locator = loc
		e.description = spec
		e.lastSeen = observed
	}
	return nil
}

// parseChannel accepts either a broadcast channel spec (multicast, rabbitmq,
// redis, zeromq, nng) or a facility connection spec (tcp, grpc, rest) —
// heartbeats advertise whichever kind of channel the facility actually uses.
func parseChannel(spec string) (facility.ConnectionType, locator.ConnectionLocator, error) {
	if parsed, err := broadcast.ParseChannelSpec(spec); err == nil {
		return facility.ConnectionTypeFromBroadcastProtocol(parsed.Protocol), parsed.Locator, nil
	}
	return facility.ParseConnectionSpec(spec)
}

// ProcessTick walks all tracked entries in insertion order and emits one
// action per entry: Register on first becoming alive, Deregister on first
// becoming not-alive, NoChange otherwise — exactly spec.md's S2/S3
// scenarios, where every tick yields one action per tracked entry.
func (t *Tracker) ProcessTick(now time.Time) []facility.Action {
	actions := make([]facility.Action, 0, len(t.order))
	for _, key := range t.order {
		e := t.entries[key]
		alive := now.Sub(e.lastSeen) <= t.ttl

		actionType := facility.NoChange
		switch {
		case alive && e.lastAction != facility.Register:
			actionType = facility.Register
		case !alive && e.lastAction == facility.Register:
			actionType = facility.Deregister
		}
		if actionType != facility.NoChange {
			e.lastAction = actionType
		}

		actions = append(actions, facility.Action{
			Type:        actionType,
			ConnType:    e.connType,
			Locator:     e.locator,
			Description: BuildStatusInfo(e.connType, e.locator),
		})
	}
	return actions
}

// BuildStatusInfo formats a connection type and locator as
// "<connection-type>://<locator-serialization>", matching spec.md §4.2.
func BuildStatusInfo(connType facility.ConnectionType, loc locator.ConnectionLocator) string {
	return connType.String() + "://" + loc.String()
}

// ParseStatusInfo parses the output of BuildStatusInfo back into an Action
// with the given ActionType, round-tripping losslessly.
func ParseStatusInfo(actionType facility.ActionType, statusInfo string) (*facility.Action, bool) {
	connType, loc, err := facility.ParseConnectionSpec(statusInfo)
	if err != nil {
		return nil, false
	}
	return &facility.Action{
		Type:        actionType,
		ConnType:    connType,
		Locator:     loc,
		Description: statusInfo,
	}, true
}
