package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/skylink/storage"
)

// SettingsKey is the storage key of the persisted application settings.
const SettingsKey = "app/config"

// Setting defines one application setting.
type Setting struct {
	Key     string
	Default string
	Help    string
	// Validate rejects bad values. Optional.
	Validate func(value string) error
}

// Settings holds the application settings edited by "app config".
// Changes take effect immediately and persist on Save.
type Settings struct {
	store *storage.Store

	mu       sync.Mutex
	defs     map[string]Setting
	order    []string
	values   map[string]string
	watchers []func(key, value string)
}

// NewSettings creates an empty settings registry persisted in store.
// A nil store keeps settings in memory only.
func NewSettings(store *storage.Store) *Settings {
	return &Settings{
		store:  store,
		defs:   make(map[string]Setting),
		values: make(map[string]string),
	}
}

// Define registers a setting at its default value.
func (s *Settings) Define(def Setting) error {
	if def.Key == "" || strings.ContainsAny(def.Key, " \t\"") {
		return fmt.Errorf("shell: invalid setting key %q", def.Key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.defs[def.Key]; dup {
		return fmt.Errorf("shell: setting %q already defined", def.Key)
	}
	s.defs[def.Key] = def
	s.order = append(s.order, def.Key)
	s.values[def.Key] = def.Default
	return nil
}

// Watch registers fn to be called after every change.
func (s *Settings) Watch(fn func(key, value string)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Get returns the value of key.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// ErrUnknownSetting is returned for keys never defined.
var ErrUnknownSetting = errors.New("unknown setting")

// Set validates and changes one setting.
func (s *Settings) Set(key, value string) error {
	s.mu.Lock()
	def, ok := s.defs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if def.Validate != nil {
		if err := def.Validate(value); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	s.values[key] = value
	watchers := append([]func(string, string){}, s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		w(key, value)
	}
	return nil
}

// Reset restores every setting to its default.
func (s *Settings) Reset() {
	s.mu.Lock()
	changed := make(map[string]string)
	for _, k := range s.order {
		if d := s.defs[k].Default; s.values[k] != d {
			s.values[k] = d
			changed[k] = d
		}
	}
	watchers := append([]func(string, string){}, s.watchers...)
	s.mu.Unlock()

	for k, v := range changed {
		for _, w := range watchers {
			w(k, v)
		}
	}
}

// Each calls fn for every setting in definition order.
func (s *Settings) Each(fn func(def Setting, value string)) {
	s.mu.Lock()
	defs := make([]Setting, 0, len(s.order))
	vals := make([]string, 0, len(s.order))
	for _, k := range s.order {
		defs = append(defs, s.defs[k])
		vals = append(vals, s.values[k])
	}
	s.mu.Unlock()
	for i := range defs {
		fn(defs[i], vals[i])
	}
}

// quote renders v so Split reads it back as one word.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}

// Render returns the settings as "app config" command lines.
func (s *Settings) Render() string {
	var b strings.Builder
	s.Each(func(def Setting, value string) {
		fmt.Fprintf(&b, "app config %s %s\r\n", def.Key, quote(value))
	})
	return b.String()
}

// Save persists the current values.
func (s *Settings) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("shell: encode settings: %w", err)
	}
	return s.store.Save(ctx, SettingsKey, data)
}

// Load restores persisted values. Unknown or invalid persisted entries are
// skipped and a missing record is not an error.
func (s *Settings) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	data, err := s.store.Load(ctx, SettingsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var saved map[string]string
	if err := msgpack.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("shell: decode settings: %w", err)
	}
	for k, v := range saved {
		if err := s.Set(k, v); err != nil && !errors.Is(err, ErrUnknownSetting) {
			return err
		}
	}
	return nil
}
