package manifest

import "testing"

func TestParseMinimal(t *testing.T) {
	m, err := Parse([]byte(`{"container":"alpine:3","agent":"echo-server"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Container != "alpine:3" || m.Agent != "echo-server" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestParseRequiresContainer(t *testing.T) {
	if _, err := Parse([]byte(`{"agent":"x"}`)); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestParsePreservesUnknownKeys(t *testing.T) {
	m, err := Parse([]byte(`{"container":"alpine:3","futureThing":{"a":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Extra["futureThing"]; !ok {
		t.Fatal("expected futureThing to be preserved in Extra")
	}
}

func TestEnvSpecArrayForm(t *testing.T) {
	m, err := Parse([]byte(`{"container":"x","env":["LLM_MODEL_*","*","OPENAI_API_KEY","PORT=8080"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Env.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(m.Env.Entries))
	}
	last := m.Env.Entries[3]
	if last.Name != "PORT" || !last.HasDefault || last.Default != "8080" {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestEnvSpecMapForm(t *testing.T) {
	m, err := Parse([]byte(`{"container":"x","env":{"PORT":"8080"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Env.Entries) != 1 || m.Env.Entries[0].Name != "PORT" {
		t.Fatalf("unexpected entries: %+v", m.Env.Entries)
	}
}

func TestEffectiveCommandSelection(t *testing.T) {
	cases := []struct {
		name           string
		m              Manifest
		wantMain       string
		wantSidecar    string
	}{
		{"start and agent", Manifest{Start: "supervisord", Agent: "node server.js"}, "supervisord", "node server.js"},
		{"start only", Manifest{Start: "supervisord"}, "supervisord", ""},
		{"agent only", Manifest{Agent: "node server.js"}, "node server.js", ""},
		{"neither", Manifest{}, "default-supervisor", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := EffectiveCommand(&c.m, "default-supervisor")
			if got.Main != c.wantMain || got.Sidecar != c.wantSidecar {
				t.Fatalf("got %+v, want main=%q sidecar=%q", got, c.wantMain, c.wantSidecar)
			}
		})
	}
}

func TestResolveProfileDefaults(t *testing.T) {
	m := &Manifest{Container: "x"}
	eff, err := Resolve(m, ProfileDev)
	if err != nil {
		t.Fatal(err)
	}
	if eff.CodeMountMode != "rw" || eff.SkillsMountMode != "rw" {
		t.Fatalf("expected rw defaults in dev, got %+v", eff)
	}

	eff, err = Resolve(m, ProfileProd)
	if err != nil {
		t.Fatal(err)
	}
	if eff.CodeMountMode != "ro" || eff.SkillsMountMode != "ro" {
		t.Fatalf("expected ro defaults in prod, got %+v", eff)
	}
}

func TestResolveOverlayReplacesEnvAugmentsHooks(t *testing.T) {
	m := &Manifest{
		Container:  "x",
		Env:        EnvSpec{Entries: []EnvEntry{{Name: "BASE"}}},
		Preinstall: StringOrList{Values: []string{"echo base"}},
		Profiles: map[string]ProfileOverlay{
			"prod": {
				Env:        EnvSpec{Entries: []EnvEntry{{Name: "PROD_ONLY"}}},
				Preinstall: StringOrList{Values: []string{"echo prod"}},
			},
		},
	}
	eff, err := Resolve(m, ProfileProd)
	if err != nil {
		t.Fatal(err)
	}
	if len(eff.Env.Entries) != 1 || eff.Env.Entries[0].Name != "PROD_ONLY" {
		t.Fatalf("expected env to be replaced, got %+v", eff.Env.Entries)
	}
	if len(eff.Preinstall.Values) != 2 {
		t.Fatalf("expected preinstall to be augmented, got %+v", eff.Preinstall.Values)
	}
}

func TestValidProfileRejectsUnknown(t *testing.T) {
	if _, err := ValidProfile("staging"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestParseEnableReference(t *testing.T) {
	ref, err := ParseEnableReference("hello devel demo as h")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Name != "hello" || ref.Mode != "devel" || ref.Repo != "demo" || ref.Alias != "h" {
		t.Fatalf("unexpected parse: %+v", ref)
	}
}
