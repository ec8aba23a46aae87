package streams

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type recordingManager struct {
	ids     []string
	payload []byte
}

func (r *recordingManager) Create(context.Context, string, Sink) error { return nil }
func (r *recordingManager) Send(_ context.Context, ids []string, payload []byte) error {
	r.ids, r.payload = ids, payload
	return nil
}
func (r *recordingManager) Delete(context.Context, string) error      { return nil }
func (r *recordingManager) Has(context.Context, string) (bool, error) { return false, nil }
func (r *recordingManager) Close() error                              { return nil }

func TestNotifyEncodesJSONRPCNotification(t *testing.T) {
	rm := &recordingManager{}
	err := Notify(context.Background(), rm, []string{"s1"}, "notifications/resources/updated", map[string]string{"uri": "file:///x"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(rm.ids) != 1 || rm.ids[0] != "s1" {
		t.Fatalf("unexpected targets %v", rm.ids)
	}

	var frame struct {
		JSONRPC string            `json:"jsonrpc"`
		Method  string            `json:"method"`
		Params  map[string]string `json:"params"`
		ID      *json.RawMessage  `json:"id"`
	}
	if err := json.Unmarshal(rm.payload, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.JSONRPC != "2.0" || frame.Method != "notifications/resources/updated" {
		t.Fatalf("unexpected frame %s", rm.payload)
	}
	if frame.Params["uri"] != "file:///x" {
		t.Fatalf("unexpected params %v", frame.Params)
	}
	if frame.ID != nil {
		t.Fatalf("notification must not carry an id: %s", rm.payload)
	}
}

func TestEncodeNotificationWithoutParams(t *testing.T) {
	frame, err := EncodeNotification("notifications/tools/list_changed", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got, want := string(frame), `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestChanSinkAfterClose(t *testing.T) {
	s := NewChanSink(1)
	if err := s.Send(context.Background(), []byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if err := s.Send(context.Background(), []byte("b")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestChanSinkRespectsContext(t *testing.T) {
	s := NewChanSink(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, []byte("blocked")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
