package foreman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func serveTestControl(t *testing.T, env *testEnv) string {
	t.Helper()
	sock := SocketPath(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.f.ServeControl(ctx, sock) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("ServeControl returned %v", err)
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := Send(sock, "status"); err == nil {
			return sock
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlPauseResumeStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	sock := serveTestControl(t, env)

	if reply, err := Send(sock, "pause"); err != nil || reply != "ok" {
		t.Fatalf("pause = %q, %v", reply, err)
	}
	if !env.f.Paused() {
		t.Error("foreman not paused")
	}

	reply, err := Send(sock, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var st Status
	if err := json.Unmarshal([]byte(reply), &st); err != nil {
		t.Fatalf("Failed to parse status %q: %v", reply, err)
	}
	if !st.Paused || st.MaxConcurrent != 1 {
		t.Errorf("status = %+v, want paused with max 1", st)
	}

	if _, err := Send(sock, "resume"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if env.f.Paused() {
		t.Error("foreman still paused")
	}
}

func TestControlCancelAndRetry(t *testing.T) {
	env := newTestEnv(t, Config{})
	sock := serveTestControl(t, env)
	b := env.submit(t, "impl", types.TaskTypeImplementation, types.PriorityNormal, 100)

	if reply, err := Send(sock, "cancel "+string(b.ID)); err != nil || reply != "ok cancelled" {
		t.Errorf("cancel = %q, %v", reply, err)
	}
	if _, err := Send(sock, "retry "+string(b.ID)); err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("retry of cancelled bead = %v, want an error", err)
	}
	if _, err := Send(sock, "cancel nope"); err == nil {
		t.Error("cancel with a malformed id should fail")
	}
	if _, err := Send(sock, "frobnicate"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unknown command = %v", err)
	}
}

func TestControlTankSetAndRefresh(t *testing.T) {
	env := newTestEnv(t, Config{})
	sock := serveTestControl(t, env)

	reply, err := Send(sock, "tank-set claude 5000")
	if err != nil {
		t.Fatalf("tank-set failed: %v", err)
	}
	var tk types.Tank
	if err := json.Unmarshal([]byte(reply), &tk); err != nil {
		t.Fatalf("Failed to parse tank %q: %v", reply, err)
	}
	if tk.Remaining != 5_000 || tk.Health != types.TankHealthRed {
		t.Errorf("tank = %d (%s), want 5000 red", tk.Remaining, tk.Health)
	}
	if rem := env.remaining(t, types.ProviderClaude); rem != 5_000 {
		t.Errorf("foreman registry remaining = %d, want 5000", rem)
	}

	if reply, err := Send(sock, "tank-refresh"); err != nil || reply != "ok" {
		t.Errorf("tank-refresh with nothing expired = %q, %v", reply, err)
	}
	if reply, err := Send(sock, "tank-refresh claude"); err != nil || reply != "ok claude" {
		t.Errorf("tank-refresh claude = %q, %v", reply, err)
	}
	if rem := env.remaining(t, types.ProviderClaude); rem != 100_000 {
		t.Errorf("remaining after refresh = %d, want 100000", rem)
	}

	for _, bad := range []string{"tank-set claude", "tank-set nobody 10", "tank-set claude lots", "tank-refresh a b"} {
		if _, err := Send(sock, bad); err == nil {
			t.Errorf("%q should fail", bad)
		}
	}
}

func TestControlEdit(t *testing.T) {
	env := newTestEnv(t, Config{})
	sock := serveTestControl(t, env)
	b := env.submit(t, "draft", types.TaskTypeImplementation, types.PriorityNormal, 100)

	reply, err := Send(sock, "edit "+string(b.ID)+` {"title":"final draft","estimated_tokens":2500}`)
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	var edited types.Bead
	if err := json.Unmarshal([]byte(reply), &edited); err != nil {
		t.Fatalf("Failed to parse bead %q: %v", reply, err)
	}
	if edited.Title != "final draft" || edited.EstimatedTokens != 2500 {
		t.Errorf("reply = %q/%d, want the edited bead", edited.Title, edited.EstimatedTokens)
	}
	if got := env.bead(t, b.ID); got.Title != "final draft" || got.Priority != types.PriorityNormal {
		t.Errorf("stored bead = %q (%s), want title changed and priority kept", got.Title, got.Priority)
	}

	if _, err := Send(sock, "edit "+string(b.ID)); err == nil {
		t.Error("edit without a patch should fail")
	}
	if _, err := Send(sock, "edit "+string(b.ID)+" {not json"); err == nil || !strings.Contains(err.Error(), "invalid patch") {
		t.Errorf("edit with a bad patch = %v", err)
	}
	if _, err := Send(sock, "edit "+string(b.ID)+` {"title":""}`); err == nil {
		t.Error("edit clearing the title should fail")
	}
}

func TestSendWithoutForeman(t *testing.T) {
	_, err := Send(SocketPath(t.TempDir()), "status")
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send = %v, want ErrNotRunning", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestControlAttachStreamsEvents(t *testing.T) {
	bus := events.NewBus()
	env := newTestEnv(t, Config{}, WithBus(bus))
	sock := serveTestControl(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- Attach(ctx, sock, &out) }()

	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("attach never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b := env.submit(t, "watched", types.TaskTypeTest, types.PriorityNormal, 10)
	for !strings.Contains(out.String(), string(b.ID)) {
		if time.Now().After(deadline) {
			t.Fatalf("event for %s never streamed; got %q", b.ID, out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Attach returned %v", err)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if _, err := AcquireLock(dir); err == nil {
		t.Error("second AcquireLock should fail while the first is held")
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock after unlock failed: %v", err)
	}
	again.Unlock() //nolint:errcheck // test cleanup
}
