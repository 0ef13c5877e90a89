package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcfr-io/ticketd/internal/audit"
	"github.com/rcfr-io/ticketd/internal/config"
	"github.com/rcfr-io/ticketd/internal/ticket"
	"github.com/rcfr-io/ticketd/internal/transcript"
)

// fakeStore collects audit events in memory.
type fakeStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeStore) Append(ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) List(_ audit.Filter) ([]audit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Event(nil), f.events...), nil
}

func (f *fakeStore) Count(_ audit.Filter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events), nil
}

func (f *fakeStore) byType(t audit.EventType) []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeGateway implements Gateway and records the order of operations.
type fakeGateway struct {
	mu       sync.Mutex
	ops      []string
	roles    map[string]string // name → id
	channels map[string]string // name → id (text channels, for log channel lookup)
	infos    map[string]ChannelInfo
	history  map[string][]transcript.Record
	nextID   int

	failCreateChannel error
	failWelcome       error
	failUpload        error
	failDelete        error

	welcomes []Welcome
	notices  []ClosingNotice
	uploads  []string
	deletes  map[string]string // channelID → reason
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		roles:    map[string]string{},
		channels: map[string]string{},
		infos:    map[string]ChannelInfo{},
		history:  map[string][]transcript.Record{},
		deletes:  map[string]string{},
	}
}

func (g *fakeGateway) record(op string) {
	g.mu.Lock()
	g.ops = append(g.ops, op)
	g.mu.Unlock()
}

func (g *fakeGateway) EnsureCategory(_ context.Context, _, name string) (string, error) {
	g.record("ensure-category")
	return "cat-" + name, nil
}

func (g *fakeGateway) FindRole(_, name string) (string, bool) {
	id, ok := g.roles[name]
	return id, ok
}

func (g *fakeGateway) FindTextChannel(_, name string) (string, bool) {
	id, ok := g.channels[name]
	return id, ok
}

func (g *fakeGateway) CreateTicketChannel(_ context.Context, spec ProvisionSpec) (string, error) {
	g.record("create-channel")
	if g.failCreateChannel != nil {
		return "", g.failCreateChannel
	}
	g.nextID++
	id := fmt.Sprintf("chan-%d", g.nextID)
	g.infos[id] = ChannelInfo{ID: id, Name: spec.Name, CreatedAt: time.Now()}
	return id, nil
}

func (g *fakeGateway) SendWelcome(_ context.Context, channelID string, w Welcome) error {
	g.record("welcome")
	if g.failWelcome != nil {
		return g.failWelcome
	}
	g.welcomes = append(g.welcomes, w)
	return nil
}

func (g *fakeGateway) SendClosingNotice(_ context.Context, channelID string, n ClosingNotice) error {
	g.record("closing-notice")
	g.notices = append(g.notices, n)
	return nil
}

func (g *fakeGateway) UploadFile(_ context.Context, channelID, message, path string) error {
	g.record("upload")
	if g.failUpload != nil {
		return g.failUpload
	}
	g.uploads = append(g.uploads, path)
	return nil
}

func (g *fakeGateway) DeleteChannel(_ context.Context, channelID, reason string) error {
	g.record("delete")
	if g.failDelete != nil {
		return g.failDelete
	}
	g.deletes[channelID] = reason
	return nil
}

func (g *fakeGateway) ChannelInfo(channelID string) (ChannelInfo, error) {
	if info, ok := g.infos[channelID]; ok {
		return info, nil
	}
	return ChannelInfo{}, fmt.Errorf("channel %s not found", channelID)
}

func (g *fakeGateway) Messages(_ context.Context, channelID string) ([]transcript.Record, error) {
	return g.history[channelID], nil
}

type fixture struct {
	svc   *Service
	reg   *ticket.Registry
	gw    *fakeGateway
	store *fakeStore
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Discord.Token = "test-token"

	gw := newFakeGateway()
	store := &fakeStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := ticket.NewRegistry(func(id string) bool {
		_, err := gw.ChannelInfo(id)
		return err == nil
	}, logger)
	auditLog := audit.NewLogger(logger, store, nil, cfg.Tickets.LogChannel)
	writer := transcript.NewWriter(t.TempDir())

	svc := New(cfg, reg, gw, writer, auditLog, gw, logger)
	svc.Grace = time.Millisecond
	return &fixture{svc: svc, reg: reg, gw: gw, store: store, cfg: cfg}
}

func TestCreateTicket(t *testing.T) {
	f := newFixture(t)
	f.gw.roles["Administrator"] = "role-1"

	chID, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u-alice", UserName: "alice", TypeKey: "general",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if entries := f.reg.Entries(); entries["u-alice"] != chID {
		t.Errorf("registry = %v, want u-alice → %s", entries, chID)
	}
	if info, _ := f.gw.ChannelInfo(chID); info.Name != "general-alice" {
		t.Errorf("channel name = %q, want general-alice", info.Name)
	}
	if len(f.gw.welcomes) != 1 || f.gw.welcomes[0].SupportRoleID != "role-1" {
		t.Errorf("welcomes = %+v", f.gw.welcomes)
	}

	created := f.store.byType(audit.EventCreated)
	if len(created) != 1 {
		t.Fatalf("%d Created events, want 1", len(created))
	}
	if created[0].Fields["ticket_type"] != "General Support" {
		t.Errorf("ticket_type = %q", created[0].Fields["ticket_type"])
	}
}

func TestCreateTicketUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u1", UserName: "alice", TypeKey: "bogus",
	})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
	if f.reg.Len() != 0 {
		t.Error("registry changed by rejected request")
	}
}

func TestCreateTicketConflict(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u1", UserName: "alice", TypeKey: "general",
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err = f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u1", UserName: "alice", TypeKey: "asset",
	})
	if !errors.Is(err, ticket.ErrAlreadyOpen) {
		t.Fatalf("err = %v, want ErrAlreadyOpen", err)
	}
	if got := ticket.AlreadyOpenChannel(err); got != first {
		t.Errorf("conflict references %q, want %q", got, first)
	}
	// Registry unchanged, no second channel created.
	if entries := f.reg.Entries(); len(entries) != 1 || entries["u1"] != first {
		t.Errorf("registry = %v", entries)
	}
	if len(f.gw.infos) != 1 {
		t.Errorf("%d channels exist, want 1", len(f.gw.infos))
	}
}

func TestCreateTicketProvisioningFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.failCreateChannel = errors.New("missing permissions")

	_, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u1", UserName: "alice", TypeKey: "general",
	})
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("err = %v, want ErrProvisioning", err)
	}
	if f.reg.Len() != 0 {
		t.Error("failed provisioning left a registry entry")
	}

	// The slot is reusable afterwards.
	f.gw.failCreateChannel = nil
	if _, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u1", UserName: "alice", TypeKey: "general",
	}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCreateTicketWithoutSupportRole(t *testing.T) {
	f := newFixture(t)
	// No role registered in the fake: grant is simply omitted.
	_, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: "u1", UserName: "alice", TypeKey: "general",
	})
	if err != nil {
		t.Fatalf("create without support role: %v", err)
	}
	if f.gw.welcomes[0].SupportRoleID != "" {
		t.Errorf("expected empty support role, got %q", f.gw.welcomes[0].SupportRoleID)
	}
}

func TestRequestCloseValidation(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.RequestClose("general-alice"); err != nil {
		t.Errorf("ticket channel rejected: %v", err)
	}
	if err := f.svc.RequestClose("random-chat"); !errors.Is(err, ErrNotTicketChannel) {
		t.Errorf("err = %v, want ErrNotTicketChannel", err)
	}
}

func openTicket(t *testing.T, f *fixture, userID, userName, typeKey string) string {
	t.Helper()
	chID, err := f.svc.CreateTicket(context.Background(), CreateRequest{
		GuildID: "g1", UserID: userID, UserName: userName, TypeKey: typeKey,
	})
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}
	return chID
}

func TestFinalizeClose(t *testing.T) {
	f := newFixture(t)
	f.gw.channels["ticket-logs"] = "log-chan"

	chID := openTicket(t, f, "u-alice", "alice", "general")
	f.gw.history[chID] = []transcript.Record{
		{Timestamp: time.Now(), Author: "alice", Content: "help"},
		{Timestamp: time.Now(), Author: "staff", Content: "done", Attachments: []string{"https://cdn.example/fix.png"}},
	}

	res, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u-staff", CloserName: "staff", Reason: "resolved",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if res.OwnerID != "u-alice" {
		t.Errorf("owner = %q, want u-alice", res.OwnerID)
	}
	if _, statErr := os.Stat(res.TranscriptPath); statErr != nil {
		t.Errorf("transcript not on disk: %v", statErr)
	}
	if !strings.Contains(res.TranscriptPath, "ticket_general-alice_") {
		t.Errorf("transcript path = %q", res.TranscriptPath)
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry still has entries: %v", f.reg.Entries())
	}

	closed := f.store.byType(audit.EventClosed)
	if len(closed) != 1 {
		t.Fatalf("%d Closed events, want 1", len(closed))
	}
	for k, want := range map[string]string{
		"closed_by":  "staff",
		"reason":     "resolved",
		"transcript": res.TranscriptPath,
	} {
		if closed[0].Fields[k] != want {
			t.Errorf("field %s = %q, want %q", k, closed[0].Fields[k], want)
		}
	}

	if len(f.gw.notices) != 1 || f.gw.notices[0].Reason != "resolved" {
		t.Errorf("notices = %+v", f.gw.notices)
	}
	if len(f.gw.uploads) != 1 || f.gw.uploads[0] != res.TranscriptPath {
		t.Errorf("uploads = %v", f.gw.uploads)
	}
	if reason := f.gw.deletes[chID]; reason != "Ticket closed by staff" {
		t.Errorf("delete reason = %q", reason)
	}

	// Transcript is captured strictly before deletion.
	var deleteIdx, noticeIdx int
	for i, op := range f.gw.ops {
		switch op {
		case "delete":
			deleteIdx = i
		case "closing-notice":
			noticeIdx = i
		}
	}
	if deleteIdx < noticeIdx {
		t.Errorf("delete happened before closing notice: %v", f.gw.ops)
	}
}

func TestFinalizeCloseDefaultReason(t *testing.T) {
	f := newFixture(t)
	chID := openTicket(t, f, "u1", "alice", "general")

	res, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u1", CloserName: "alice", Reason: "  ",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Reason != DefaultCloseReason {
		t.Errorf("reason = %q, want %q", res.Reason, DefaultCloseReason)
	}
	closed := f.store.byType(audit.EventClosed)
	if closed[0].Fields["reason"] != DefaultCloseReason {
		t.Errorf("logged reason = %q", closed[0].Fields["reason"])
	}
}

func TestFinalizeCloseIdempotentRegistry(t *testing.T) {
	f := newFixture(t)
	chID := openTicket(t, f, "u1", "alice", "general")
	f.reg.CloseByChannel(chID) // registry already inconsistent

	res, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u1", CloserName: "alice",
	})
	if err != nil {
		t.Fatalf("finalize with missing entry: %v", err)
	}
	if res.OwnerID != "" {
		t.Errorf("owner = %q, want empty", res.OwnerID)
	}
	if _, ok := f.gw.deletes[chID]; !ok {
		t.Error("channel was not deleted")
	}
}

func TestFinalizeCloseTranscriptFailureAbortsDeletion(t *testing.T) {
	f := newFixture(t)
	chID := openTicket(t, f, "u1", "alice", "general")

	// Break the transcript directory so Save fails.
	dir := t.TempDir()
	blocked := dir + "/blocked"
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.svc.writer = transcript.NewWriter(blocked)

	_, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u1", CloserName: "alice",
	})
	if !errors.Is(err, ErrTranscript) {
		t.Fatalf("err = %v, want ErrTranscript", err)
	}
	if len(f.gw.deletes) != 0 {
		t.Error("channel deleted despite transcript failure")
	}
	if len(f.store.byType(audit.EventClosed)) != 0 {
		t.Error("Closed event logged despite aborted closure")
	}
}

func TestFinalizeCloseDeleteFailureIsNotTranscriptFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.failDelete = errors.New("missing permissions")
	chID := openTicket(t, f, "u1", "alice", "general")

	res, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u1", CloserName: "alice",
	})
	if err == nil {
		t.Fatal("expected delete failure to propagate")
	}
	if errors.Is(err, ErrTranscript) {
		t.Errorf("delete failure reported as transcript failure: %v", err)
	}
	// The transcript and the Closed event were already produced.
	if _, statErr := os.Stat(res.TranscriptPath); statErr != nil {
		t.Errorf("transcript not on disk: %v", statErr)
	}
	if len(f.store.byType(audit.EventClosed)) != 1 {
		t.Error("Closed event missing")
	}
}

func TestFinalizeCloseMissingLogChannel(t *testing.T) {
	f := newFixture(t)
	chID := openTicket(t, f, "u1", "alice", "general")
	// No "ticket-logs" channel in the fake.

	if _, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u1", CloserName: "alice",
	}); err != nil {
		t.Fatalf("finalize without log channel: %v", err)
	}
	if len(f.gw.uploads) != 0 {
		t.Errorf("uploads = %v, want none", f.gw.uploads)
	}
	if len(f.store.byType(audit.EventClosed)) != 1 {
		t.Error("Closed event missing from durable sink")
	}
}

func TestFinalizeCloseUploadFailureIgnored(t *testing.T) {
	f := newFixture(t)
	f.gw.channels["ticket-logs"] = "log-chan"
	f.gw.failUpload = errors.New("file too large")

	chID := openTicket(t, f, "u1", "alice", "general")
	if _, err := f.svc.FinalizeClose(context.Background(), CloseRequest{
		GuildID: "g1", ChannelID: chID, ChannelName: "general-alice",
		CloserID: "u1", CloserName: "alice",
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, ok := f.gw.deletes[chID]; !ok {
		t.Error("channel was not deleted after upload failure")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"alice":       "alice",
		"Alice Smith": "alice-smith",
		"weird!!name": "weirdname",
		"under_score": "under_score",
		"":            "user",
		"!!!":         "user",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
