package media

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"call-orchestrator/internal/calls"
)

var fullCaps = Capabilities{Version: SupportedVersion, SessionBinding: true, DefaultLayout: true, AudioOnlyToggle: true}

func TestBuild_RequiresInit(t *testing.T) {
	b := NewBuilder()
	s := calls.NewIncoming("s1", "alice", calls.CallTypeVideo, calls.ReceiverUser, time.Now())

	if _, err := b.Build(s); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestBuild_AudioOnlyFollowsCallType(t *testing.T) {
	b := NewBuilder()
	if err := b.Init(fullCaps); err != nil {
		t.Fatalf("init: %v", err)
	}

	audio, err := b.Build(calls.NewIncoming("s1", "alice", calls.CallTypeAudio, calls.ReceiverUser, time.Now()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !audio.AudioOnly() || audio.Layout() != LayoutDefault || audio.SessionID() != "s1" {
		t.Fatalf("unexpected audio settings: %+v", audio)
	}

	video, _ := b.Build(calls.NewIncoming("s2", "alice", calls.CallTypeVideo, calls.ReceiverUser, time.Now()))
	if video.AudioOnly() {
		t.Fatalf("expected video call not audio only")
	}
}

func TestBuild_RejectsUnboundSession(t *testing.T) {
	b := NewBuilder()
	_ = b.Init(fullCaps)

	if _, err := b.Build(calls.NewOutgoing("bob", calls.CallTypeAudio, calls.ReceiverUser, time.Now())); !errors.Is(err, ErrSessionUnbound) {
		t.Fatalf("expected ErrSessionUnbound, got %v", err)
	}
}

func TestInit_ValidatesDescriptorOnce(t *testing.T) {
	b := NewBuilder()
	if err := b.Init(Capabilities{Version: 2, SessionBinding: true, DefaultLayout: true, AudioOnlyToggle: true}); !errors.Is(err, ErrUnsupportedEngine) {
		t.Fatalf("expected ErrUnsupportedEngine for version, got %v", err)
	}
	if err := b.Init(Capabilities{Version: SupportedVersion, SessionBinding: true}); !errors.Is(err, ErrUnsupportedEngine) {
		t.Fatalf("expected ErrUnsupportedEngine for missing capabilities, got %v", err)
	}
	if b.Ready() {
		t.Fatalf("expected not ready after failed init")
	}

	if err := b.Init(fullCaps); err != nil {
		t.Fatalf("init: %v", err)
	}
	// Already initialized counts as success, even with a different descriptor.
	if err := b.Init(Capabilities{}); err != nil {
		t.Fatalf("expected re-init to be a no-op, got %v", err)
	}
	if caps, ok := b.Capabilities(); !ok || caps != fullCaps {
		t.Fatalf("expected original descriptor kept, got %+v", caps)
	}
}

func TestSettings_MarshalJSON(t *testing.T) {
	b := NewBuilder()
	_ = b.Init(fullCaps)
	s, _ := b.Build(calls.NewIncoming("s9", "alice", calls.CallTypeAudio, calls.ReceiverUser, time.Now()))

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	if out["session_id"] != "s9" || out["layout"] != "default" || out["audio_only"] != true {
		t.Fatalf("unexpected json: %s", raw)
	}
	if (Settings{}).IsZero() != true || s.IsZero() {
		t.Fatalf("unexpected IsZero results")
	}
}
