// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStoreWithPaths(
		filepath.Join(dir, "settings.json"),
		filepath.Join(dir, "secrets", "credentials.json"),
		nil,
	)
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestLoad_FreshEnvironmentReturnsDefaults(t *testing.T) {
	store := newTestStore(t)

	st, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, Settings{
		Model:     "mercury-2",
		MaxTokens: 16384,
		Theme:     "dark",
		APIKey:    "",
	}, st)
}

func TestLoad_DropsInvalidValuesIndividually(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.PrefsPath(),
		[]byte(`{"model":"mercury","maxTokens":"lots","theme":"neon"}`), 0600))

	st, err := store.Load()
	require.NoError(t, err)

	// The valid field survives; the corrupt ones fall back to defaults.
	assert.Equal(t, "mercury", st.Model)
	assert.Equal(t, DefaultMaxTokens, st.MaxTokens)
	assert.Equal(t, DefaultTheme, st.Theme)
}

func TestLoad_OutOfRangeMaxTokensDropped(t *testing.T) {
	store := newTestStore(t)

	for _, raw := range []string{`0`, `-5`, `20000`, `1.5`} {
		require.NoError(t, os.WriteFile(store.PrefsPath(),
			[]byte(`{"maxTokens":`+raw+`}`), 0600))

		st, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxTokens, st.MaxTokens, "maxTokens=%s", raw)
	}
}

func TestLoad_CorruptPrefsFileUsesDefaults(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.PrefsPath(), []byte("{not json"), 0600))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), st)
}

func TestLoad_ReadsSecretFromDedicatedFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.SecretPath()), 0700))
	require.NoError(t, os.WriteFile(store.SecretPath(), []byte(`{"apiKey":"sk-123"}`), 0600))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-123", st.APIKey)
}

func TestLoad_FixesSecretFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission semantics")
	}

	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.SecretPath()), 0700))
	require.NoError(t, os.WriteFile(store.SecretPath(), []byte(`{"apiKey":"k"}`), 0644))

	_, err := store.Load()
	require.NoError(t, err)

	info, err := os.Stat(store.SecretPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// =============================================================================
// MIGRATION TESTS
// =============================================================================

func TestLoad_MigratesLegacyCoLocatedKey(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.PrefsPath(),
		[]byte(`{"apiKey":"abc","model":"mercury"}`), 0600))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc", st.APIKey)
	assert.Equal(t, "mercury", st.Model)

	// The secret file now holds the key.
	secretData, err := os.ReadFile(store.SecretPath())
	require.NoError(t, err)
	var secret map[string]string
	require.NoError(t, json.Unmarshal(secretData, &secret))
	assert.Equal(t, "abc", secret["apiKey"])

	// The general file no longer contains it.
	prefsData, err := os.ReadFile(store.PrefsPath())
	require.NoError(t, err)
	var prefs map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(prefsData, &prefs))
	assert.NotContains(t, prefs, "apiKey")
	assert.Contains(t, prefs, "model")
}

func TestLoad_MigrationPreservesOtherPrefs(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.PrefsPath(),
		[]byte(`{"apiKey":"abc","model":"mercury","maxTokens":512,"theme":"light"}`), 0600))

	_, err := store.Load()
	require.NoError(t, err)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "mercury", st.Model)
	assert.Equal(t, 512, st.MaxTokens)
	assert.Equal(t, "light", st.Theme)
	assert.Equal(t, "abc", st.APIKey)
}

func TestLoad_DedicatedSecretWinsOverLegacy(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.PrefsPath(), []byte(`{"apiKey":"old"}`), 0600))
	require.NoError(t, os.MkdirAll(filepath.Dir(store.SecretPath()), 0700))
	require.NoError(t, os.WriteFile(store.SecretPath(), []byte(`{"apiKey":"new"}`), 0600))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new", st.APIKey)
}

func TestLoad_MissingLegacyFileIsNotAnError(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load()
	assert.NoError(t, err)
}

// =============================================================================
// SAVE TESTS
// =============================================================================

func TestSave_Roundtrip(t *testing.T) {
	store := newTestStore(t)

	err := store.Save(Update{
		Model:     strPtr("mercury-2-pro"),
		MaxTokens: intPtr(2048),
		Theme:     strPtr("light"),
		APIKey:    strPtr("sk-456"),
	})
	require.NoError(t, err)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "mercury-2-pro", st.Model)
	assert.Equal(t, 2048, st.MaxTokens)
	assert.Equal(t, "light", st.Theme)
	assert.Equal(t, "sk-456", st.APIKey)
}

func TestSave_InvalidFieldFailsWholeSave(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Update{Model: strPtr("mercury"), MaxTokens: intPtr(100)}))

	invalid := []Update{
		{MaxTokens: intPtr(0)},
		{MaxTokens: intPtr(20000)},
		{Model: strPtr("not-a-model")},
		{Theme: strPtr("neon")},
		{Model: strPtr("mercury-2"), Theme: strPtr("neon")}, // one bad field poisons all
	}

	for _, u := range invalid {
		err := store.Save(u)
		require.Error(t, err)

		var verrs ValidateErrors
		assert.ErrorAs(t, err, &verrs)

		// Previously stored settings are untouched.
		st, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "mercury", st.Model)
		assert.Equal(t, 100, st.MaxTokens)
	}
}

func TestSave_PartialUpdatePreservesOtherFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Update{
		Model:     strPtr("mercury"),
		MaxTokens: intPtr(100),
		Theme:     strPtr("auto"),
	}))

	require.NoError(t, store.Save(Update{MaxTokens: intPtr(200)}))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "mercury", st.Model)
	assert.Equal(t, 200, st.MaxTokens)
	assert.Equal(t, "auto", st.Theme)
}

func TestSave_APIKeyNeverWrittenToPrefsFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Update{
		Theme:  strPtr("light"),
		APIKey: strPtr("sk-secret"),
	}))

	prefsData, err := os.ReadFile(store.PrefsPath())
	require.NoError(t, err)
	assert.NotContains(t, string(prefsData), "sk-secret")
	assert.NotContains(t, string(prefsData), "apiKey")
}

func TestSave_SecretFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission semantics")
	}

	store := newTestStore(t)
	require.NoError(t, store.Save(Update{APIKey: strPtr("sk-789")}))

	info, err := os.Stat(store.SecretPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(store.SecretPath()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestSave_APIKeyOnlyDoesNotCreatePrefsFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Update{APIKey: strPtr("sk-only")}))

	_, err := os.Stat(store.PrefsPath())
	assert.True(t, os.IsNotExist(err))
}

// =============================================================================
// WATCHER TESTS
// =============================================================================

func TestWatcher_ReloadsOnExternalEdit(t *testing.T) {
	store := newTestStore(t)

	changed := make(chan Settings, 1)
	w, err := NewWatcher(store, 100*time.Millisecond, func(st Settings) {
		select {
		case changed <- st:
		default:
		}
	}, nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	// Simulate an external edit of the preferences file.
	require.NoError(t, os.WriteFile(store.PrefsPath(), []byte(`{"theme":"light"}`), 0600))

	select {
	case st := <-changed:
		assert.Equal(t, "light", st.Theme)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	store := newTestStore(t)

	changed := make(chan Settings, 1)
	w, err := NewWatcher(store, 100*time.Millisecond, func(st Settings) {
		select {
		case changed <- st:
		default:
		}
	}, nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	other := filepath.Join(filepath.Dir(store.PrefsPath()), "unrelated.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0600))

	select {
	case <-changed:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(1 * time.Second):
	}
}
