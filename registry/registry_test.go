package registry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func stub(name, src string) Registration {
	return Registration{Config: Config{Name: name}, Handler: Handler{Source: src}}
}

func TestTableKeepsInsertionOrder(t *testing.T) {
	tbl := NewTable(stub("b", "1"), stub("a", "2"), stub("c", "3"))
	if diff := cmp.Diff([]string{"b", "a", "c"}, tbl.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}

	tbl.Set("a", stub("a", "changed"))
	if diff := cmp.Diff([]string{"b", "a", "c"}, tbl.Names()); diff != "" {
		t.Fatalf("overwrite moved entry (-want +got):\n%s", diff)
	}
	tbl.Set("d", stub("d", "4"))
	if !tbl.Delete("b") {
		t.Fatal("expected delete to report presence")
	}
	if tbl.Delete("b") {
		t.Fatal("second delete should report absence")
	}
	if diff := cmp.Diff([]string{"a", "c", "d"}, tbl.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
}

func TestRenameIsInPlace(t *testing.T) {
	tbl := NewTable(stub("first", "1"), stub("old", "2"), stub("last", "3"))
	if !tbl.Rename("old", "new") {
		t.Fatal("rename failed")
	}
	if diff := cmp.Diff([]string{"first", "new", "last"}, tbl.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	reg, ok := tbl.Get("new")
	if !ok || reg.Config.Name != "new" || reg.Handler.Source != "2" {
		t.Fatalf("renamed entry wrong: %+v", reg)
	}
	if tbl.Rename("missing", "x") {
		t.Fatal("rename of missing entry should fail")
	}
	if tbl.Rename("first", "last") {
		t.Fatal("rename onto an existing name should fail")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tbl := NewTable(stub("a", "1"))
	c := tbl.Clone()
	c.Set("b", stub("b", "2"))
	if tbl.Len() != 1 || c.Len() != 2 {
		t.Fatalf("clone shares state: orig=%d clone=%d", tbl.Len(), c.Len())
	}
}

func namedHandler(context.Context, Request) (Result, error) { return Result{}, nil }

func TestHandlerIdentity(t *testing.T) {
	if got := (Handler{Source: "text"}).Identity(); got != "text" {
		t.Fatalf("expected source identity, got %q", got)
	}
	got := Handler{Fn: namedHandler}.Identity()
	if !strings.HasSuffix(got, "registry.namedHandler") {
		t.Fatalf("expected symbol identity, got %q", got)
	}
	if got := (Handler{}).Identity(); got != "" {
		t.Fatalf("expected empty identity, got %q", got)
	}
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo"`
	Repeat  int    `json:"repeat,omitempty"`
}

func echo(_ context.Context, _ Request, a echoArgs) (Result, error) {
	return Result{Text: strings.Repeat(a.Message, max(a.Repeat, 1))}, nil
}

func TestNewToolReflectsSchemaAndDecodes(t *testing.T) {
	reg := NewTool("echo", echo, WithToolDescription("Echo text"))
	if reg.Config.InputSchema == nil {
		t.Fatal("missing input schema")
	}
	s := reg.Config.InputSchema
	if s.Type != "object" || s.Properties["message"].Type != "string" || s.Properties["repeat"].Type != "integer" {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if diff := cmp.Diff([]string{"message"}, s.Required); diff != "" {
		t.Fatalf("required (-want +got):\n%s", diff)
	}
	if !strings.HasSuffix(reg.Handler.Identity(), "registry.echo") {
		t.Fatalf("identity should name the typed function, got %q", reg.Handler.Identity())
	}

	res, err := reg.Handler.Fn(context.Background(), Request{Arguments: json.RawMessage(`{"message":"hi","repeat":2}`)})
	if err != nil || res.Text != "hihi" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	res, err = reg.Handler.Fn(context.Background(), Request{Arguments: json.RawMessage(`{"message":"hi","bogus":1}`)})
	if err != nil || !res.IsError {
		t.Fatalf("unknown field should produce an error result, got %+v err=%v", res, err)
	}
}

func TestKindListChangedMethod(t *testing.T) {
	for _, k := range Kinds {
		if k.ListChangedMethod() == "" {
			t.Fatalf("kind %s has no list_changed method", k)
		}
	}
}
