package notify

import (
	"sync"

	"TratoChat/tools/decode"
	"TratoChat/tools/errs"
)

// Settings is the per-user notification profile, defaulted on first
// access and mutated only by explicit update.
type Settings struct {
	SoundEnabled             bool `json:"sound_enabled"`
	DesktopEnabled           bool `json:"desktop_enabled"`
	EmailEnabled             bool `json:"email_enabled"`
	PushEnabled              bool `json:"push_enabled"`
	ReadConfirmationsEnabled bool `json:"read_confirmations_enabled"`
}

func DefaultSettings() Settings {
	return Settings{
		SoundEnabled:             true,
		DesktopEnabled:           true,
		EmailEnabled:             true,
		PushEnabled:              true,
		ReadConfirmationsEnabled: true,
	}
}

var settingsFields = map[string]bool{
	"sound_enabled":              true,
	"desktop_enabled":            true,
	"email_enabled":              true,
	"push_enabled":               true,
	"read_confirmations_enabled": true,
}

type settingsTable struct {
	mu sync.RWMutex
	m  map[string]Settings
}

func newSettingsTable() *settingsTable {
	return &settingsTable{m: make(map[string]Settings)}
}

func (t *settingsTable) get(userID string) Settings {
	t.mu.RLock()
	s, ok := t.m[userID]
	t.mu.RUnlock()
	if ok {
		return s
	}
	// default on first access, persisted so later reads are stable
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[userID]; ok {
		return s
	}
	s = DefaultSettings()
	t.m[userID] = s
	return s
}

// update merges only the supplied fields; a validation failure applies
// nothing.
func (t *settingsTable) update(userID string, raw map[string]any) (Settings, error) {
	for k, v := range raw {
		if !settingsFields[k] {
			return Settings{}, errs.ErrValidation.WrapMsg("unknown field", "field", k)
		}
		if _, ok := v.(bool); !ok {
			return Settings{}, errs.ErrValidation.WrapMsg("field must be boolean", "field", k)
		}
	}

	patch, present, err := decode.DecodePartial[Settings](raw)
	if err != nil {
		return Settings{}, errs.ErrValidation.WrapMsg(err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.m[userID]
	if !ok {
		cur = DefaultSettings()
	}
	if present["sound_enabled"] {
		cur.SoundEnabled = patch.SoundEnabled
	}
	if present["desktop_enabled"] {
		cur.DesktopEnabled = patch.DesktopEnabled
	}
	if present["email_enabled"] {
		cur.EmailEnabled = patch.EmailEnabled
	}
	if present["push_enabled"] {
		cur.PushEnabled = patch.PushEnabled
	}
	if present["read_confirmations_enabled"] {
		cur.ReadConfirmationsEnabled = patch.ReadConfirmationsEnabled
	}
	t.m[userID] = cur
	return cur, nil
}
