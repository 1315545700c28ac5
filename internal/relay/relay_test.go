package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/echotools/uospy/internal/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func packet(name, path string) *protocol.PacketValue {
	return &protocol.PacketValue{Name: name, IDPath: path, Raw: []byte{0x73, 0x01}}
}

func TestFilter(t *testing.T) {
	ping := packet("Ping", "73")
	walk := packet("Move Request", "02")

	tests := []struct {
		name             string
		include, exclude []string
		want             []bool
	}{
		{"empty allows all", nil, nil, []bool{true, true}},
		{"include by name", []string{" ping "}, nil, []bool{true, false}},
		{"include by path", []string{"02"}, nil, []bool{false, true}},
		{"exclude by name", nil, []string{"MOVE REQUEST"}, []bool{true, false}},
		{"blank entries ignored", []string{"", "73"}, nil, []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.include, tt.exclude)
			if err != nil {
				t.Fatalf("NewFilter: %v", err)
			}
			got := []bool{f.Allow(ping), f.Allow(walk)}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Allow mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFilterRejectsIncludeAndExclude(t *testing.T) {
	if _, err := NewFilter([]string{"73"}, []string{"02"}); err == nil {
		t.Error("NewFilter accepted include and exclude together")
	}
}

func TestParseList(t *testing.T) {
	got := ParseList("Ping,02\r\nBF.0019.02\n")
	if diff := cmp.Diff([]string{"Ping", "02", "BF.0019.02"}, got); diff != "" {
		t.Errorf("ParseList mismatch (-want +got):\n%s", diff)
	}
}

func TestEncoder(t *testing.T) {
	in := map[string]any{"name": "Ping", "id": "73"}

	enc, err := NewEncoder("json")
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	data, err := enc.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("json mismatch (-want +got):\n%s", diff)
	}

	enc, err = NewEncoder("YAML")
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if enc.Format() != "yaml" {
		t.Errorf("Format() = %q", enc.Format())
	}
	data, err = enc.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out = nil
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("yaml mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewEncoder("xml"); err == nil {
		t.Error("NewEncoder accepted xml")
	}
}

type recordingSink struct{ names []string }

func (s *recordingSink) Publish(v *protocol.PacketValue) { s.names = append(s.names, v.Name) }

func TestRelayFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f, _ := NewFilter(nil, []string{"73"})
	r := New(f, a, b, LogSink{Logger: zap.NewNop(), Verbose: true})

	r.Publish(packet("Ping", "73"))
	r.Publish(packet("Move Request", "02"))
	r.Publish(packet("Play Music", "6D"))

	want := []string{"Move Request", "Play Music"}
	if diff := cmp.Diff(want, a.names); diff != "" {
		t.Errorf("sink a mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, b.names); diff != "" {
		t.Errorf("sink b mismatch (-want +got):\n%s", diff)
	}
}

func TestFence(t *testing.T) {
	if got := fence("json", "{}"); got != "```json\n{}\n```" {
		t.Errorf("fence() = %q", got)
	}
	long := fence("yaml", strings.Repeat("x", 3000))
	if len(long) != maxMessage {
		t.Errorf("len = %d, want %d", len(long), maxMessage)
	}
	if !strings.HasSuffix(long, "\n...\n```") {
		t.Errorf("truncated message does not close the block: %q", long[len(long)-10:])
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+":"+content)
	return &discordgo.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestBotSendsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enc, _ := NewEncoder("json")
	sender := &fakeSender{}
	b := newBot(ctx, zap.NewNop(), sender, "chan", enc, 100)

	b.Publish(packet("Ping", "73"))
	b.Publish(packet("Move Request", "02"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-b.Done()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.sent))
	}
	if !strings.HasPrefix(sender.sent[0], "chan:```json\n") || !strings.Contains(sender.sent[0], `"name": "Ping"`) {
		t.Errorf("first message = %q", sender.sent[0])
	}
	if !strings.Contains(sender.sent[1], `"name": "Move Request"`) {
		t.Errorf("second message = %q", sender.sent[1])
	}
}

func TestHubBroadcast(t *testing.T) {
	enc, _ := NewEncoder("json")
	hub := NewHub(zap.NewNop(), enc)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Viewers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Viewers() != 1 {
		t.Fatalf("Viewers() = %d, want 1", hub.Viewers())
	}

	hub.Publish(packet("Ping", "73"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var doc struct{ Name, ID string }
	if err := json.Unmarshal(msg, &doc); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if doc.Name != "Ping" || doc.ID != "73" {
		t.Errorf("got %+v", doc)
	}
}

func TestWriterSink(t *testing.T) {
	enc, _ := NewEncoder("yaml")
	var sb strings.Builder
	s := WriterSink{W: &sb, Encoder: enc, Logger: zap.NewNop()}
	s.Publish(packet("Ping", "73"))
	s.Publish(packet("Ping", "73"))

	if got := strings.Count(sb.String(), "---\n"); got != 2 {
		t.Errorf("found %d document markers, want 2:\n%s", got, sb.String())
	}
	if !strings.Contains(sb.String(), "name: Ping") {
		t.Errorf("output missing packet name:\n%s", sb.String())
	}
}
