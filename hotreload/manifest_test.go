package hotreload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-livesync/registry"
	"github.com/google/go-cmp/cmp"
)

const manifestV1 = `
tools:
  - name: greet
    description: Say hello
    input:
      name: {type: string, required: true}
    template: "Hello, {{ .name }}!"
  - name: initial-tool
    template: "initial"
resources:
  - name: readme
    uri: docs://readme
    text: "read me"
prompts:
  - name: review
    arguments:
      - {name: code, required: true}
    template: "Review: {{ .code }}"
`

func TestParseManifest(t *testing.T) {
	snap, err := ParseManifest([]byte(manifestV1))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff([]string{"greet", "initial-tool"}, snap.Tools.Names()); diff != "" {
		t.Fatalf("tools (-want +got):\n%s", diff)
	}
	greet, _ := snap.Tools.Get("greet")
	if greet.Handler.Source != "Hello, {{ .name }}!" {
		t.Fatalf("handler source should be the template text, got %q", greet.Handler.Source)
	}
	if diff := cmp.Diff([]string{"name"}, greet.Config.InputSchema.Required); diff != "" {
		t.Fatalf("required (-want +got):\n%s", diff)
	}
	res, err := greet.Handler.Fn(context.Background(), registry.Request{Arguments: json.RawMessage(`{"name":"Ada"}`)})
	if err != nil || res.Text != "Hello, Ada!" {
		t.Fatalf("render: %+v err=%v", res, err)
	}

	readme, ok := snap.Resources.Get("readme")
	if !ok || readme.Config.URI != "docs://readme" || readme.Config.MimeType != "text/plain" {
		t.Fatalf("unexpected resource %+v", readme.Config)
	}
	prompt, _ := snap.Prompts.Get("review")
	out, err := prompt.Handler.Fn(context.Background(), registry.Request{Arguments: json.RawMessage(`{"code":"x := 1"}`)})
	if err != nil || out.Text != "Review: x := 1" {
		t.Fatalf("prompt render: %+v err=%v", out, err)
	}
}

func TestParseManifestErrors(t *testing.T) {
	cases := map[string]string{
		"bad template":   "tools:\n  - name: t\n    template: \"{{ .x \"\n",
		"duplicate name": "tools:\n  - name: t\n    template: a\n  - name: t\n    template: b\n",
		"unknown field":  "tools:\n  - name: t\n    templat: a\n",
		"missing uri":    "resources:\n  - name: r\n    text: a\n",
		"missing name":   "prompts:\n  - template: a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEmptyManifest(t *testing.T) {
	snap, err := ParseManifest(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, k := range registry.Kinds {
		if snap.Table(k).Len() != 0 {
			t.Fatalf("expected empty %s table", k)
		}
	}
}

func TestReloadFromManifestReportsAddition(t *testing.T) {
	v1, err := ParseManifest([]byte("tools:\n  - name: initial-tool\n    template: initial\n"))
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	v2, err := ParseManifest([]byte("tools:\n  - name: initial-tool\n    template: initial\n  - name: new-tool\n    template: fresh\n"))
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	report, result := New().Sync(context.Background(), registry.KindTool, v1.Tools, v2.Tools, nil)
	if diff := cmp.Diff([]string{"new-tool"}, report.Added); diff != "" {
		t.Fatalf("added (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"initial-tool", "new-tool"}, result.Names()); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("tools:\n  - name: a\n    template: a\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	var seen [][]string
	applied := make(chan struct{}, 8)
	w := NewWatcher(path, func(_ context.Context, snap Snapshot) error {
		mu.Lock()
		seen = append(seen, snap.Tools.Names())
		mu.Unlock()
		applied <- struct{}{}
		return nil
	}, WithWatchDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// A broken manifest is never applied.
	if err := os.WriteFile(path, []byte("tools: [\n"), 0o600); err != nil {
		t.Fatalf("write broken: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	select {
	case <-applied:
		t.Fatal("broken manifest must not be applied")
	default:
	}

	if err := os.WriteFile(path, []byte("tools:\n  - name: a\n    template: a\n  - name: b\n    template: b\n"), 0o600); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never applied the new manifest")
	}

	mu.Lock()
	last := seen[len(seen)-1]
	mu.Unlock()
	if strings.Join(last, ",") != "a,b" {
		t.Fatalf("unexpected tools %v", last)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
