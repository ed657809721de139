package heartbeat

import (
	"regexp"
	"testing"
	"time"

	"github.com/matrixspace/fabric/facility"
	"github.com/matrixspace/fabric/locator"
)

func actionTypes(actions []facility.Action) []facility.ActionType {
	out := make([]facility.ActionType, len(actions))
	for i, a := range actions {
		out[i] = a.Type
	}
	return out
}

func sameTypes(got, want []facility.ActionType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// TestHeartbeatRegisterThenNoChange implements scenario S2: ttl=3s, sender
// regex ^svc.*, facility regex ^f$. Heartbeats at t=0,1,2 from sender svc1
// advertise facility f at redis://h:6379. Ticks at t=0.5,1.5,2.5 must yield
// [Register, NoChange, NoChange].
func TestHeartbeatRegisterThenNoChange(t *testing.T) {
	base := time.Unix(0, 0)
	tr := NewTracker(regexp.MustCompile(`^svc.*`), regexp.MustCompile(`^f$`), 3*time.Second)

	for _, sec := range []int{0, 1, 2} {
		tr.ProcessHeartbeat(base.Add(time.Duration(sec)*time.Second), Message{
			SenderName:       "svc1",
			Timestamp:        base.Add(time.Duration(sec) * time.Second),
			FacilityChannels: map[string]string{"f": "redis://h:6379"},
		})
	}

	var got []facility.ActionType
	for _, ms := range []float64{0.5, 1.5, 2.5} {
		actions := tr.ProcessTick(base.Add(time.Duration(ms * float64(time.Second))))
		if len(actions) != 1 {
			t.Fatalf("tick at %.1fs: expected exactly one tracked action, got %d", ms, len(actions))
		}
		got = append(got, actions[0].Type)
	}

	want := []facility.ActionType{facility.Register, facility.NoChange, facility.NoChange}
	if !sameTypes(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestHeartbeatDeregisterAfterTTL implements scenario S3: continue S2 with
// no heartbeats after t=2. Ticks at t=3.5,4.5 must stay Register-steady
// (NoChange), and Deregister must appear at the first tick strictly after
// t=5 (last_seen=2 + ttl=3).
func TestHeartbeatDeregisterAfterTTL(t *testing.T) {
	base := time.Unix(0, 0)
	tr := NewTracker(regexp.MustCompile(`^svc.*`), regexp.MustCompile(`^f$`), 3*time.Second)

	for _, sec := range []int{0, 1, 2} {
		tr.ProcessHeartbeat(base.Add(time.Duration(sec)*time.Second), Message{
			SenderName:       "svc1",
			FacilityChannels: map[string]string{"f": "redis://h:6379"},
		})
	}
	tr.ProcessTick(base.Add(500 * time.Millisecond)) // Register

	at := func(seconds float64) facility.ActionType {
		actions := tr.ProcessTick(base.Add(time.Duration(seconds * float64(time.Second))))
		return actions[0].Type
	}

	if got := at(3.5); got != facility.NoChange {
		t.Fatalf("tick at 3.5s: got %v, want NoChange", got)
	}
	if got := at(4.5); got != facility.NoChange {
		t.Fatalf("tick at 4.5s: got %v, want NoChange", got)
	}
	if got := at(5.5); got != facility.Deregister {
		t.Fatalf("tick at 5.5s: got %v, want Deregister", got)
	}
}

// TestHeartbeatIgnoresNonMatchingSenderAndFacility checks that both the
// sender and facility regexes gate what gets tracked at all.
func TestHeartbeatIgnoresNonMatchingSenderAndFacility(t *testing.T) {
	tr := NewTracker(regexp.MustCompile(`^svc.*`), regexp.MustCompile(`^f$`), time.Second)
	now := time.Unix(0, 0)

	tr.ProcessHeartbeat(now, Message{SenderName: "other", FacilityChannels: map[string]string{"f": "redis://h:6379"}})
	tr.ProcessHeartbeat(now, Message{SenderName: "svc1", FacilityChannels: map[string]string{"g": "redis://h:6379"}})

	if actions := tr.ProcessTick(now); len(actions) != 0 {
		t.Fatalf("expected no tracked entries, got %d", len(actions))
	}
}

// TestBuildAndParseStatusInfoRoundTrip verifies the BuildStatusInfo /
// ParseStatusInfo pair losslessly round-trips an action's connection info.
func TestBuildAndParseStatusInfoRoundTrip(t *testing.T) {
	info := BuildStatusInfo(facility.TCP, mustLocator(t, "tcp://127.0.0.1:9000/svc"))

	action, ok := ParseStatusInfo(facility.Register, info)
	if !ok {
		t.Fatalf("ParseStatusInfo failed on %q", info)
	}
	if action.ConnType != facility.TCP || action.Locator.Address() != "127.0.0.1:9000" || action.Locator.Identifier != "svc" {
		t.Fatalf("round trip mismatch: %+v", action)
	}
}

func mustLocator(t *testing.T, spec string) locator.ConnectionLocator {
	t.Helper()
	_, l, err := facility.ParseConnectionSpec(spec)
	if err != nil {
		t.Fatalf("ParseConnectionSpec(%q): %v", spec, err)
	}
	return l
}
