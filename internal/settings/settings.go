// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// SETTINGS MODEL
// =============================================================================

// Defaults and bounds for the four user preferences.
const (
	DefaultModel     = "mercury-2"
	DefaultMaxTokens = 16384
	DefaultTheme     = "dark"

	// MaxTokensCap is the hard upper bound for maxTokens.
	MaxTokensCap = 16384
)

// validModels is the fixed allow-list of model identifiers.
var validModels = map[string]bool{
	"mercury":       true,
	"mercury-2":     true,
	"mercury-2-pro": true,
}

var validThemes = map[string]bool{
	"dark":  true,
	"light": true,
	"auto":  true,
}

// Settings is the merged view returned by Load. On disk the APIKey lives
// in its own file, separate from the three general preferences.
type Settings struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	Theme     string `json:"theme"`
	APIKey    string `json:"apiKey"`
}

// Defaults returns the built-in settings used when no files exist.
func Defaults() Settings {
	return Settings{
		Model:     DefaultModel,
		MaxTokens: DefaultMaxTokens,
		Theme:     DefaultTheme,
		APIKey:    "",
	}
}

// Update is a partial settings change. Nil fields are left untouched.
// Every supplied field is validated before anything is written; one bad
// field fails the whole save.
type Update struct {
	Model     *string
	MaxTokens *int
	Theme     *string
	APIKey    *string
}

// prefsFile is the on-disk shape of the general preferences file. It
// deliberately has no apiKey field: marshaling through it strips the
// secret from the general location.
type prefsFile struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	Theme     string `json:"theme"`
}

// secretFile is the on-disk shape of the dedicated secret file.
type secretFile struct {
	APIKey string `json:"apiKey"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one rejected settings field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// validate checks every supplied field of an update. All fields are
// checked so the caller sees the full list of problems at once.
func (u Update) validate() error {
	var errs ValidateErrors

	if u.Model != nil && !validModels[*u.Model] {
		errs = append(errs, ValidationError{
			Field:   "model",
			Message: fmt.Sprintf("unknown model %q", *u.Model),
		})
	}
	if u.MaxTokens != nil && (*u.MaxTokens < 1 || *u.MaxTokens > MaxTokensCap) {
		errs = append(errs, ValidationError{
			Field:   "maxTokens",
			Message: fmt.Sprintf("must be 1-%d, got %d", MaxTokensCap, *u.MaxTokens),
		})
	}
	if u.Theme != nil && !validThemes[*u.Theme] {
		errs = append(errs, ValidationError{
			Field:   "theme",
			Message: fmt.Sprintf("invalid theme %q, must be one of: dark, light, auto", *u.Theme),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// PATHS
// =============================================================================

const (
	prefsFileName  = "settings.json"
	secretFileName = "credentials.json"
)

// DataDir returns the quill data directory holding general preferences
// and the conversation database.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".quill"), nil
}

// SecretDir returns the per-user configuration directory holding only the
// API key. Kept distinct from DataDir so the secret can carry tighter
// permissions and a separate backup policy.
func SecretDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(dir, "quill"), nil
}

// ensureSecurePermissions fixes overly permissive modes on the secret
// file. SECURITY: the API key file must stay 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// STORE
// =============================================================================

// Store reads and writes the two settings locations.
type Store struct {
	prefsPath  string
	secretPath string
	logger     *zap.Logger
}

// NewStore creates a store rooted at the default locations.
func NewStore(logger *zap.Logger) (*Store, error) {
	dataDir, err := DataDir()
	if err != nil {
		return nil, err
	}
	secretDir, err := SecretDir()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPaths(
		filepath.Join(dataDir, prefsFileName),
		filepath.Join(secretDir, secretFileName),
		logger,
	), nil
}

// NewStoreWithPaths creates a store with explicit file locations.
func NewStoreWithPaths(prefsPath, secretPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		prefsPath:  prefsPath,
		secretPath: secretPath,
		logger:     logger,
	}
}

// PrefsPath returns the general preferences file location.
func (s *Store) PrefsPath() string { return s.prefsPath }

// SecretPath returns the secret file location.
func (s *Store) SecretPath() string { return s.secretPath }

// =============================================================================
// LOAD
// =============================================================================

// Load returns defaults overlaid with valid values from the preferences
// file, overlaid with the API key from its dedicated file. Corrupt or
// out-of-range stored values are dropped in favor of defaults, never
// returned raw. When the dedicated secret file has no key but the general
// file still carries a legacy co-located one, the key is migrated before
// Load returns.
func (s *Store) Load() (Settings, error) {
	out := Defaults()

	legacyKey, hadLegacyKey := s.loadPrefs(&out)
	s.loadSecret(&out)

	if out.APIKey == "" && hadLegacyKey && legacyKey != "" {
		if err := s.migrateLegacyKey(&out, legacyKey); err != nil {
			// The legacy key stays in the general file, so the
			// migration will be retried on the next load.
			s.logger.Warn("api key migration failed", zap.Error(err))
			out.APIKey = legacyKey
		}
	}

	return out, nil
}

// loadPrefs overlays valid general preferences onto out and reports
// whether the file carried a legacy apiKey field.
func (s *Store) loadPrefs(out *Settings) (legacyKey string, hadLegacyKey bool) {
	data, err := os.ReadFile(s.prefsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("could not read preferences file", zap.Error(err))
		}
		return "", false
	}

	// Field-by-field decoding: one corrupt value must not discard the
	// rest of the file.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("preferences file is not valid JSON, using defaults", zap.Error(err))
		return "", false
	}

	if v, ok := decodeString(raw["model"]); ok && validModels[v] {
		out.Model = v
	}
	if v, ok := decodeInt(raw["maxTokens"]); ok && v >= 1 && v <= MaxTokensCap {
		out.MaxTokens = v
	}
	if v, ok := decodeString(raw["theme"]); ok && validThemes[v] {
		out.Theme = v
	}
	if v, ok := decodeString(raw["apiKey"]); ok {
		return v, true
	}
	return "", false
}

// loadSecret overlays the API key from the dedicated secret file.
func (s *Store) loadSecret(out *Settings) {
	if err := ensureSecurePermissions(s.secretPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("could not ensure secret file permissions", zap.Error(err))
	}

	data, err := os.ReadFile(s.secretPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("could not read secret file", zap.Error(err))
		}
		return
	}

	var sf secretFile
	if err := json.Unmarshal(data, &sf); err != nil {
		s.logger.Warn("secret file is not valid JSON", zap.Error(err))
		return
	}
	out.APIKey = sf.APIKey
}

// migrateLegacyKey moves a co-located API key from the general file to
// the dedicated secret location. The secret is written and verified
// first; only then is the key removed from the general file, so a crash
// in between leaves the key recoverable from its old location.
func (s *Store) migrateLegacyKey(out *Settings, key string) error {
	if err := s.writeSecret(key); err != nil {
		return err
	}

	// Verify the secret landed before touching the old location.
	data, err := os.ReadFile(s.secretPath)
	if err != nil {
		return fmt.Errorf("secret verification read failed: %w", err)
	}
	var sf secretFile
	if err := json.Unmarshal(data, &sf); err != nil || sf.APIKey != key {
		return fmt.Errorf("secret verification mismatch")
	}

	if err := s.writePrefs(*out); err != nil {
		return fmt.Errorf("failed to rewrite preferences without api key: %w", err)
	}

	out.APIKey = key
	s.logger.Info("migrated legacy api key to dedicated secret file")
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save applies a partial update. Every supplied field is validated before
// any write happens; a single invalid field aborts the whole save and
// leaves stored settings unchanged.
func (s *Store) Save(u Update) error {
	if err := u.validate(); err != nil {
		return err
	}

	current, err := s.Load()
	if err != nil {
		return err
	}

	if u.Model != nil {
		current.Model = *u.Model
	}
	if u.MaxTokens != nil {
		current.MaxTokens = *u.MaxTokens
	}
	if u.Theme != nil {
		current.Theme = *u.Theme
	}

	if u.Model != nil || u.MaxTokens != nil || u.Theme != nil {
		if err := s.writePrefs(current); err != nil {
			return err
		}
	}
	if u.APIKey != nil {
		if err := s.writeSecret(*u.APIKey); err != nil {
			return err
		}
	}

	return nil
}

// writePrefs persists the three general preferences. The apiKey never
// passes through here; prefsFile has no field for it.
func (s *Store) writePrefs(st Settings) error {
	data, err := json.MarshalIndent(prefsFile{
		Model:     st.Model,
		MaxTokens: st.MaxTokens,
		Theme:     st.Theme,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(s.prefsPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write preferences file: %w", err)
	}
	return nil
}

// writeSecret persists the API key to its dedicated location.
// SECURITY: 0600 file in a 0700 directory.
func (s *Store) writeSecret(key string) error {
	data, err := json.MarshalIndent(secretFile{APIKey: key}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}

	if err := util.AtomicWriteFileWithDir(s.secretPath, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}

// =============================================================================
// JSON HELPERS
// =============================================================================

func decodeString(raw json.RawMessage) (string, bool) {
	if raw == nil {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

func decodeInt(raw json.RawMessage) (int, bool) {
	if raw == nil {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(v), true
}
