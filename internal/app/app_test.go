package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taskbell/internal/directory"
	"taskbell/internal/notifier"
	"taskbell/internal/realtime"
	"taskbell/pkg/rtclient"
)

const testSecret = "app-test-secret-0123456789"

func writeConfig(t *testing.T, addr string) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.Join([]string{
		"logging: {level: error}",
		"http: {addr: \"" + addr + "\", ingest_token: ingest-token, shutdown_timeout: 2s}",
		"storage: {path: \"" + filepath.Join(dir, "taskbell.db") + "\", dedup: sqlite}",
		"mail: {enabled: false}",
		"realtime: {jwt_secret: \"" + testSecret + "\", ping_interval: 1s}",
		"notifier: {digest_schedule: 1h, janitor_schedule: \"cron:0 3 * * *\", dedup_window: 1m}",
		"",
	}, "\n")
	path := filepath.Join(dir, "taskbell.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), writeConfig(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a
}

func ingest(t *testing.T, a *App, body string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "http://"+a.Addr()+"/v1/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer ingest-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestIngestReachesRealtimeClient(t *testing.T) {
	a := startApp(t)
	ctx := context.Background()
	if err := a.db.UpsertUser(ctx, directory.User{ID: "u1", Email: "u1@example.com", Name: "Ana"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := a.db.UpsertPreferences(ctx, directory.Preferences{UserID: "u1", Enabled: true, Push: true}); err != nil {
		t.Fatalf("seed prefs: %v", err)
	}

	token, err := realtime.NewAuthenticator(testSecret, "").Issue("u1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for a.hub.Connected("u1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if code := ingest(t, a, `{"type":"task.created","data":{"userId":"u1","taskId":"t1","title":"Write docs"}}`); code != http.StatusAccepted {
		t.Fatalf("first ingest status=%d", code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f realtime.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Event != notifier.PushEvent {
		t.Fatalf("event=%q", f.Event)
	}
	var msg notifier.PushMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil || msg.Type != "task.created" {
		t.Fatalf("msg=%+v err=%v", msg, err)
	}

	// Same kind inside the window is held for the digest.
	if code := ingest(t, a, `{"type":"task.created","data":{"userId":"u1","taskId":"t2","title":"Review"}}`); code != http.StatusAccepted {
		t.Fatalf("second ingest status=%d", code)
	}
	// Ingest replies before delivery, so wait for the event to land.
	deadline = time.Now().Add(3 * time.Second)
	for a.dedup.QueueLen("u1") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("digest queue=%d", a.dedup.QueueLen("u1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := a.Status(); st.PendingUsers != 1 || st.Realtime.Connections != 1 || len(st.Schedules) != 2 {
		t.Fatalf("status=%+v", st)
	}
}

func TestReloadAppliesNotifierSchedules(t *testing.T) {
	a := startApp(t)

	prev := a.cfgm.Get()
	next := *prev
	next.Notifier.DigestSchedule = "cron:30 7 * * *"
	next.Notifier.Timezone = "UTC"
	a.applyConfig(prev, &next)

	var digest string
	for _, si := range a.Status().Schedules {
		if si.Name == "notifier.digest" {
			digest = si.Spec
		}
	}
	if digest != "30 7 * * *" {
		t.Fatalf("digest spec=%q", digest)
	}

	// An invalid schedule is refused and the running one stays.
	bad := next
	bad.Notifier.DigestSchedule = "cron:nope"
	a.applyConfig(&next, &bad)
	for _, si := range a.Status().Schedules {
		if si.Name == "notifier.digest" && si.Spec != "30 7 * * *" {
			t.Fatalf("digest spec=%q after bad reload", si.Spec)
		}
	}
}

func TestStartFailsWhenAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	a, err := New(context.Background(), writeConfig(t, ln.Addr().String()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatalf("start succeeded on a bound address")
	}
	if a.notif.Initialized() {
		t.Fatalf("notifier left running after failed start")
	}
	_ = a.Stop(context.Background(), StopFatalError)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskbell.yaml")
	if err := os.WriteFile(path, []byte("http: {addr: \":0\"}\nstorage: {path: x.db}\nrealtime: {jwt_secret: short}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(context.Background(), path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStopBeforeStart(t *testing.T) {
	a, err := New(context.Background(), writeConfig(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Stop(context.Background(), StopUnknown); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRealtimeClientReceivesImmediateEvent(t *testing.T) {
	a := startApp(t)
	ctx := context.Background()
	if err := a.db.UpsertUser(ctx, directory.User{ID: "u2", Email: "u2@example.com", Name: "Bo"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := a.db.UpsertPreferences(ctx, directory.Preferences{UserID: "u2", Enabled: true, Push: true}); err != nil {
		t.Fatalf("seed prefs: %v", err)
	}
	token, err := realtime.NewAuthenticator(testSecret, "").Issue("u2", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	m := rtclient.New(rtclient.WebSocket{URL: "ws://" + a.Addr() + "/ws"}, rtclient.StaticToken(token),
		rtclient.WithReconnectInterval(100*time.Millisecond))
	defer m.Close()
	got := make(chan notifier.PushMessage, 4)
	m.On(notifier.PushEvent, func(data json.RawMessage) {
		var msg notifier.PushMessage
		if json.Unmarshal(data, &msg) == nil {
			got <- msg
		}
	})
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for (a.hub.Connected("u2") == 0 || m.State() != rtclient.Connected) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.State() != rtclient.Connected {
		t.Fatalf("state=%s", m.State())
	}

	// Welcome messages are immediate: both arrive despite the dedup window.
	for i := 0; i < 2; i++ {
		if code := ingest(t, a, `{"type":"user.registered","data":{"userId":"u2","email":"u2@example.com","name":"Bo"}}`); code != http.StatusAccepted {
			t.Fatalf("ingest status=%d", code)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			if msg.Type != "user.registered" {
				t.Fatalf("type=%q", msg.Type)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("push %d not received", i)
		}
	}
}
