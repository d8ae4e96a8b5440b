package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"call-orchestrator/internal/calls"
)

var (
	ErrEngineUnavailable = errors.New("media: calling engine not initialized")
	ErrSessionUnbound    = errors.New("media: session has no session id")
	ErrUnsupportedEngine = errors.New("media: unsupported calling engine")
)

type Layout string

const LayoutDefault Layout = "default"

// SupportedVersion is the capability descriptor version this builder understands.
const SupportedVersion = 1

// Capabilities is the descriptor the calling engine reports once at start-up.
type Capabilities struct {
	Version         int  `json:"version"`
	SessionBinding  bool `json:"session_binding"`
	DefaultLayout   bool `json:"default_layout"`
	AudioOnlyToggle bool `json:"audio_only_toggle"`
}

func (c Capabilities) Validate() error {
	if c.Version != SupportedVersion {
		return fmt.Errorf("%w: descriptor version %d, want %d", ErrUnsupportedEngine, c.Version, SupportedVersion)
	}
	var missing []string
	if !c.SessionBinding {
		missing = append(missing, "session_binding")
	}
	if !c.DefaultLayout {
		missing = append(missing, "default_layout")
	}
	if !c.AudioOnlyToggle {
		missing = append(missing, "audio_only_toggle")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrUnsupportedEngine, missing)
	}
	return nil
}

// Settings is the immutable configuration handed to the calling engine for one connected call.
type Settings struct {
	sessionID string
	layout    Layout
	audioOnly bool
}

func (s Settings) SessionID() string { return s.sessionID }
func (s Settings) Layout() Layout    { return s.layout }
func (s Settings) AudioOnly() bool   { return s.audioOnly }

// IsZero reports whether s was never built.
func (s Settings) IsZero() bool { return s.sessionID == "" }

func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SessionID string `json:"session_id"`
		Layout    Layout `json:"layout"`
		AudioOnly bool   `json:"audio_only"`
	}{s.sessionID, s.layout, s.audioOnly})
}

// Builder turns a bound session into Settings once the calling engine is ready.
// It is safe for concurrent use.
type Builder struct {
	mu   sync.RWMutex
	caps *Capabilities
}

func NewBuilder() *Builder { return &Builder{} }

// Init records the engine capabilities. A second Init after a successful one is a no-op.
func (b *Builder) Init(caps Capabilities) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.caps != nil {
		return nil
	}
	if err := caps.Validate(); err != nil {
		return err
	}
	b.caps = &caps
	return nil
}

func (b *Builder) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caps != nil
}

// Capabilities returns the reported descriptor, if any.
func (b *Builder) Capabilities() (Capabilities, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.caps == nil {
		return Capabilities{}, false
	}
	return *b.caps, true
}

func (b *Builder) Build(s calls.Session) (Settings, error) {
	if !b.Ready() {
		return Settings{}, ErrEngineUnavailable
	}
	if !s.Bound() {
		return Settings{}, ErrSessionUnbound
	}
	return Settings{
		sessionID: s.SessionID,
		layout:    LayoutDefault,
		audioOnly: s.CallType == calls.CallTypeAudio,
	}, nil
}
