package envsecrets

import (
	"os"
	"path/filepath"
	"testing"

	"ploinky/internal/manifest"
)

func newStoreWithSecrets(t *testing.T, secrets map[string]string) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets")
	var raw string
	for k, v := range secrets {
		raw += k + "=" + v + "\n"
	}
	if err := os.WriteFile(secretsPath, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(dir, secretsPath, "")
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestParseDotenvQuotesAndComments(t *testing.T) {
	got := ParseDotenv([]byte("# comment\nFOO=\"bar baz\"\nBAR='q'\n\nBAZ=plain\n"))
	if got["FOO"] != "bar baz" || got["BAR"] != "q" || got["BAZ"] != "plain" {
		t.Fatalf("unexpected parse: %+v", got)
	}
}

func TestAliasChainResolution(t *testing.T) {
	s, _ := newStoreWithSecrets(t, map[string]string{
		"REAL":  "value",
		"ALIAS": "$REAL",
	})
	val, ok, err := s.resolveAlias("ALIAS")
	if err != nil || !ok || val != "value" {
		t.Fatalf("got %q, %v, %v", val, ok, err)
	}
}

func TestAliasCycleDetected(t *testing.T) {
	s, _ := newStoreWithSecrets(t, map[string]string{
		"A": "$B",
		"B": "$A",
	})
	_, _, err := s.resolveAlias("A")
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestWildcardExpansionExcludesAPIKeyForBareStar(t *testing.T) {
	universe := []string{"LLM_MODEL_01", "LLM_MODEL_02", "OPENAI_API_KEY", "DB_URL"}
	explicit := map[string]bool{"OPENAI_API_KEY": true}

	modelMatches := ExpandWildcard("LLM_MODEL_*", universe, explicit)
	if len(modelMatches) != 2 {
		t.Fatalf("expected 2 model matches, got %v", modelMatches)
	}

	starMatches := ExpandWildcard("*", universe, map[string]bool{})
	for _, n := range starMatches {
		if n == "OPENAI_API_KEY" {
			t.Fatalf("bare * must not include API key names that are not listed explicitly: %v", starMatches)
		}
	}
}

func TestScenario3WildcardEnvFromSpec(t *testing.T) {
	s, _ := newStoreWithSecrets(t, map[string]string{
		"LLM_MODEL_01":   "m1",
		"LLM_MODEL_02":   "m2",
		"OPENAI_API_KEY": "sk",
		"DB_URL":         "postgres://h",
	})
	// Isolate from the real process environment so "*" only sees these names.
	s.process = map[string]string{}
	spec := manifest.EnvSpec{Entries: []manifest.EnvEntry{
		{Name: "LLM_MODEL_*"},
		{Name: "*"},
		{Name: "OPENAI_API_KEY"},
	}}
	kvs, err := s.ResolveEntries(spec)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, kv := range kvs {
		got[kv.Name] = kv.Value
	}
	want := map[string]string{
		"LLM_MODEL_01":   "m1",
		"LLM_MODEL_02":   "m2",
		"DB_URL":         "postgres://h",
		"OPENAI_API_KEY": "sk",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("got[%s]=%q, want %q", k, got[k], v)
		}
	}
}

func TestResolveEntriesMissingAggregates(t *testing.T) {
	s, _ := newStoreWithSecrets(t, map[string]string{})
	spec := manifest.EnvSpec{Entries: []manifest.EnvEntry{{Name: "NEEDED_A"}, {Name: "NEEDED_B"}}}
	_, err := s.ResolveEntries(spec)
	if err == nil {
		t.Fatal("expected missing-env error")
	}
	if got := err.Error(); !contains(got, "NEEDED_A") || !contains(got, "NEEDED_B") {
		t.Fatalf("expected both missing names in error, got %q", got)
	}
}

func TestSetSecretAtomicWriteRoundTrips(t *testing.T) {
	s, dir := newStoreWithSecrets(t, map[string]string{"A": "1"})
	if err := s.SetSecret("B", "2"); err != nil {
		t.Fatal(err)
	}
	reloaded, err := Load(dir, s.secretsPath, "")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := reloaded.rawLookup("B"); !ok || v != "2" {
		t.Fatalf("expected B=2 after reload, got %q %v", v, ok)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
