package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/repository"
)

// countingLocal cuenta las escrituras sobre un almacén real en memoria.
type countingLocal struct {
	repository.LocalMessageStore

	mu         sync.Mutex
	saves      int
	upserts    int
	lastUpsert []domain.Message
}

func newCountingLocal() *countingLocal {
	return &countingLocal{LocalMessageStore: repository.NewKVMessageStore(repository.NewMemoryKV(), zap.NewNop())}
}

func (c *countingLocal) SaveWindow(ctx context.Context, userID, conversationID string, messages []domain.Message, appendMode bool) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.LocalMessageStore.SaveWindow(ctx, userID, conversationID, messages, appendMode)
}

func (c *countingLocal) UpsertMessages(ctx context.Context, userID, conversationID string, messages []domain.Message) error {
	c.mu.Lock()
	c.upserts++
	c.lastUpsert = append([]domain.Message(nil), messages...)
	c.mu.Unlock()
	return c.LocalMessageStore.UpsertMessages(ctx, userID, conversationID, messages)
}

func (c *countingLocal) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves, c.upserts
}

func msgAt(ms int64, suffix, conv string, isUser bool) domain.Message {
	kind := "ai"
	if isUser {
		kind = "user"
	}
	return domain.Message{
		ID:             fmt.Sprintf("%s-u1-%d-%s", kind, 1700000000000+ms, suffix),
		Text:           "texto " + suffix,
		IsUser:         isUser,
		ConversationID: conv,
	}
}

type storeFixture struct {
	store  *MessageStore
	local  *countingLocal
	remote *mockRemoteRepo
	source *ManualSource
}

func newStoreFixture(t *testing.T, online bool, withRemote bool) *storeFixture {
	t.Helper()
	f := &storeFixture{local: newCountingLocal(), source: NewManualSource(online)}
	mon := NewConnectivityMonitor(context.Background(), f.source, zap.NewNop())

	var remote repository.RemoteMessageRepository
	if withRemote {
		f.remote = &mockRemoteRepo{}
		remote = f.remote
	}
	store, err := NewMessageStore(MessageStoreConfig{UserID: "u1", PageSize: 10}, f.local, remote, mon, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	f.store = store
	t.Cleanup(func() {
		store.Dispose()
		mon.Close()
	})
	return f
}

// withConversation fija la conversación activa sin pasar por la carga de páginas.
func (f *storeFixture) withConversation(conv string) {
	f.store.mu.Lock()
	f.store.conversationID = conv
	f.store.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

func joinIDs(msgs []domain.Message) string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return strings.Join(ids, ",")
}

func TestMessageStore_AddIsIdempotent(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")

	m := msgAt(1, "a", "c1", true)
	if err := f.store.AddMessage(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := f.store.AddMessage(m)
	if !errors.Is(err, domain.ErrDuplicateMessage) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if got := f.store.GetMessages(); len(got) != 1 {
		t.Fatalf("expected exactly one copy, got %d", len(got))
	}
}

func TestMessageStore_OrderIndependentOfArrival(t *testing.T) {
	base := []domain.Message{
		msgAt(30, "c", "c1", false),
		msgAt(10, "a", "c1", true),
		msgAt(20, "b", "c1", true),
		msgAt(20, "a", "c1", false),
	}
	want := joinIDs([]domain.Message{base[0], base[2], base[3], base[1]})

	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, p := range perms {
		t.Run(fmt.Sprint(p), func(t *testing.T) {
			f := newStoreFixture(t, true, false)
			for _, i := range p {
				if err := f.store.AddMessage(base[i]); err != nil {
					t.Fatalf("add: %v", err)
				}
			}
			if got := joinIDs(f.store.GetMessages()); got != want {
				t.Fatalf("unexpected order\n got: %s\nwant: %s", got, want)
			}
		})
	}
}

func TestMessageStore_AddNotifiesSnapshot(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")

	var snapshots [][]domain.Message
	f.store.Subscribe(ChannelUpdate, func(ev Event) { snapshots = append(snapshots, ev.Messages) })

	_ = f.store.AddMessage(msgAt(1, "a", "c1", true))
	_ = f.store.AddMessage(msgAt(2, "b", "c1", false))

	if len(snapshots) != 2 {
		t.Fatalf("expected 2 update events, got %d", len(snapshots))
	}
	last := snapshots[1]
	if len(last) != 2 || last[0].ID != msgAt(2, "b", "c1", false).ID {
		t.Fatalf("expected most recent first, got %s", joinIDs(last))
	}

	// Mutar el snapshot no afecta al store.
	last[0].Text = "mutado"
	if f.store.GetMessages()[0].Text == "mutado" {
		t.Fatalf("snapshot aliases internal state")
	}
}

func TestMessageStore_ListenerMutationDoesNotDeadlock(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")
	msg := msgAt(1, "a", "c1", false)

	var (
		once    sync.Once
		updates int
	)
	f.store.Subscribe(ChannelUpdate, func(ev Event) {
		updates++
		once.Do(func() { _ = f.store.MarkDisplayed(msg.ID) })
	})

	done := make(chan struct{})
	go func() {
		_ = f.store.AddMessage(msg)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("add message blocked by a listener mutating the store")
	}

	if !f.store.GetMessages()[0].HasBeenDisplayed {
		t.Fatalf("mutation from listener must still apply")
	}
	if updates != 1 {
		t.Fatalf("expected nested notification dropped, got %d updates", updates)
	}

	// Fuera del listener las notificaciones siguen funcionando.
	_ = f.store.AddMessage(msgAt(2, "b", "c1", true))
	if updates != 2 {
		t.Fatalf("expected publishing to recover, got %d updates", updates)
	}
}

func TestMessageStore_RejectsEmptyText(t *testing.T) {
	f := newStoreFixture(t, true, false)

	var errEvents []error
	f.store.Subscribe(ChannelError, func(ev Event) { errEvents = append(errEvents, ev.Err) })

	err := f.store.AddMessage(domain.Message{ID: "user-u1-1-x", Text: "   ", ConversationID: "c1"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(errEvents) != 1 || !errors.Is(errEvents[0], domain.ErrEmptyMessage) {
		t.Fatalf("expected one error event, got %v", errEvents)
	}
	if len(f.store.GetMessages()) != 0 {
		t.Fatalf("rejected message was cached")
	}
}

func TestMessageStore_AddFillsDefaults(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")

	if err := f.store.AddMessage(domain.Message{Text: "hola", IsUser: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.store.GetMessages()[0]
	if !strings.HasPrefix(got.ID, "user-u1-") || domain.MessageTimestamp(got.ID) == 0 {
		t.Fatalf("expected generated user id, got %q", got.ID)
	}
	if got.ConversationID != "c1" || got.Timestamp == "" {
		t.Fatalf("expected current conversation and timestamp, got %+v", got)
	}
}

func TestMessageStore_StreamingRoundTrip(t *testing.T) {
	f := newStoreFixture(t, true, true)
	f.withConversation("c1")

	id := f.store.NewMessageID(domain.SenderAssistant)
	if err := f.store.StartStreamMessage(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.store.StartStreamMessage(id); err != nil {
		t.Fatalf("start must be idempotent: %v", err)
	}

	chunks := []string{"Ho", "la", ", ", "¿qué ", "tal?"}
	for _, c := range chunks {
		if err := f.store.AppendStreamToken(id, c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	f.store.Drain()
	if saves, upserts := f.local.counts(); saves != 0 || upserts != 0 {
		t.Fatalf("streaming must not write to disk, got saves=%d upserts=%d", saves, upserts)
	}

	if err := f.store.FinalizeStream(id); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	f.store.Drain()

	got := f.store.GetMessages()
	if len(got) != 1 {
		t.Fatalf("expected one message, got %d", len(got))
	}
	m := got[0]
	if m.Text != strings.Join(chunks, "") || m.AnimateTyping || !m.HasBeenAnimated || m.IsUser {
		t.Fatalf("unexpected finalized message: %+v", m)
	}

	saves, upserts := f.local.counts()
	if saves != 0 || upserts != 1 {
		t.Fatalf("expected exactly one durable write, got saves=%d upserts=%d", saves, upserts)
	}
	if len(f.local.lastUpsert) != 1 || f.local.lastUpsert[0].ID != id {
		t.Fatalf("expected write of the finalized message only, got %s", joinIDs(f.local.lastUpsert))
	}
	if ids := f.remote.insertedIDs(); len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected finalized message sent to remote, got %v", ids)
	}
}

func TestMessageStore_StreamUnknownID(t *testing.T) {
	f := newStoreFixture(t, true, false)
	if err := f.store.AppendStreamToken("missing", "x"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.store.FinalizeStream("missing"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.store.StartStreamMessage(""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMessageStore_AppendTypingToken(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")

	if err := f.store.AppendTypingToken("Ho"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = f.store.AppendTypingToken("la")
	_ = f.store.AddMessage(msgAt(1, "u", "c1", true))

	got := f.store.GetMessages()
	var assistant []domain.Message
	for _, m := range got {
		if !m.IsUser {
			assistant = append(assistant, m)
		}
	}
	if len(assistant) != 1 || assistant[0].Text != "Hola" || !assistant[0].AnimateTyping {
		t.Fatalf("expected a single assistant shell with assembled text, got %+v", assistant)
	}
}

func TestMessageStore_UpdateMessage(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")
	m := msgAt(1, "a", "c1", true)
	_ = f.store.AddMessage(m)

	status := domain.StatusSent
	text := "editado"
	if err := f.store.UpdateMessage(m.ID, domain.MessagePatch{Status: &status, Text: &text}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.store.GetMessages()[0]
	if got.Status != domain.StatusSent || got.Text != "editado" || got.ID != m.ID || !got.IsUser {
		t.Fatalf("unexpected patched message: %+v", got)
	}

	if err := f.store.UpdateMessage("missing", domain.MessagePatch{Text: &text}); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMessageStore_OfflineThenOnlineFlush(t *testing.T) {
	f := newStoreFixture(t, false, true)
	if err := f.store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.withConversation("c1")

	m := msgAt(1, "a", "c1", true)
	_ = f.store.AddMessage(m)
	f.store.Drain()

	if f.store.PendingCount() != 1 {
		t.Fatalf("expected one pending write, got %d", f.store.PendingCount())
	}
	if ids := f.remote.insertedIDs(); len(ids) != 0 {
		t.Fatalf("no remote write expected while offline, got %v", ids)
	}

	f.source.Set(true)
	waitFor(t, func() bool { return f.store.PendingCount() == 0 })
	if ids := f.remote.insertedIDs(); len(ids) != 1 || ids[0] != m.ID {
		t.Fatalf("expected pending write delivered, got %v", ids)
	}
}

func TestMessageStore_PendingRetriesExhausted(t *testing.T) {
	f := newStoreFixture(t, false, true)
	_ = f.store.Initialize(context.Background())
	f.withConversation("c1")
	f.remote.setInsertErr(errors.New("backend down"))

	m := msgAt(1, "a", "c1", true)
	_ = f.store.AddMessage(m)

	f.source.Set(true)
	waitFor(t, func() bool {
		items := f.store.PendingWrites()
		return len(items) == 1 && items[0].RetryCount == 1
	})

	if _, err := f.store.FlushPending(context.Background()); err != nil {
		t.Fatalf("second attempt should only retry, got %v", err)
	}
	if items := f.store.PendingWrites(); len(items) != 1 || items[0].RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %+v", items)
	}

	_, err := f.store.FlushPending(context.Background())
	if !errors.Is(err, domain.ErrExhaustedRetry) {
		t.Fatalf("expected exhausted retry, got %v", err)
	}
	if f.store.PendingCount() != 0 {
		t.Fatalf("expected write dropped after 3 attempts")
	}
	if got := f.store.GetMessages()[0]; got.Status != domain.StatusError {
		t.Fatalf("expected failed status on cached message, got %q", got.Status)
	}
}

func TestMessageStore_OnlineRemoteFailureQueuesImmediately(t *testing.T) {
	f := newStoreFixture(t, true, true)
	f.withConversation("c1")
	f.remote.setInsertErr(errors.New("timeout"))

	_ = f.store.AddMessage(msgAt(1, "a", "c1", true))
	f.store.Drain()

	if f.store.PendingCount() != 1 {
		t.Fatalf("expected failed write queued, got %d", f.store.PendingCount())
	}
}

func TestMessageStore_ResetIsolatesConversation(t *testing.T) {
	f := newStoreFixture(t, true, false)
	_ = f.store.AddMessage(msgAt(1, "a", "idA", true))
	_ = f.store.AddMessage(msgAt(2, "b", "idB", true))
	_ = f.store.AddMessage(msgAt(3, "c", "idA", false))

	f.store.Reset("idA")
	got := f.store.GetMessages()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	for _, m := range got {
		if m.ConversationID != "idA" {
			t.Fatalf("found message from other conversation: %+v", m)
		}
	}

	f.store.Reset("")
	if len(f.store.GetMessages()) != 0 {
		t.Fatalf("sentinel reset must clear everything")
	}
}

func TestMessageStore_SetMessagesReplaces(t *testing.T) {
	f := newStoreFixture(t, true, false)
	f.withConversation("c1")
	_ = f.store.AddMessage(msgAt(9, "old", "c1", true))

	empty := msgAt(3, "e", "c1", true)
	empty.Text = ""
	err := f.store.SetMessages([]domain.Message{
		msgAt(2, "b", "c1", false),
		msgAt(1, "a", "c1", true),
		msgAt(1, "a", "c1", true),
		empty,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.store.GetMessages()
	if len(got) != 2 || got[0].ID != msgAt(2, "b", "c1", false).ID {
		t.Fatalf("expected 2 valid messages newest first, got %s", joinIDs(got))
	}

	f.store.Drain()
	stored := f.local.LoadWindow(context.Background(), "u1", "c1", 10, 0)
	if len(stored) != 2 {
		t.Fatalf("expected replaced local window of 2, got %s", joinIDs(stored))
	}

	t.Run("clear solo vacía la caché", func(t *testing.T) {
		f.store.ClearMessages()
		if len(f.store.GetMessages()) != 0 {
			t.Fatalf("expected empty cache")
		}
		f.store.Drain()
		if n := len(f.local.LoadWindow(context.Background(), "u1", "c1", 10, 0)); n != 2 {
			t.Fatalf("clear must not touch storage, got %d", n)
		}
	})
}

func seedLocal(t *testing.T, local repository.LocalMessageStore, conv string, n int) []domain.Message {
	t.Helper()
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = msgAt(int64(i), fmt.Sprintf("%03d", i), conv, i%2 == 0)
	}
	if err := local.SaveWindow(context.Background(), "u1", conv, msgs, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := local.SetActiveConversation(context.Background(), "u1", conv); err != nil {
		t.Fatalf("set active: %v", err)
	}
	return msgs
}

func TestMessageStore_Pagination(t *testing.T) {
	f := newStoreFixture(t, true, false)
	all := seedLocal(t, f.local.LocalMessageStore, "c1", 25)

	var pages []domain.PaginationWindow
	f.store.Subscribe(ChannelPagination, func(ev Event) { pages = append(pages, ev.Pagination) })

	if err := f.store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if f.store.CurrentConversation() != "c1" {
		t.Fatalf("expected active conversation restored, got %q", f.store.CurrentConversation())
	}

	p := f.store.Pagination()
	if len(f.store.GetMessages()) != 10 || !p.HasMore || p.TotalMessages != 25 || p.CurrentPage != 0 {
		t.Fatalf("unexpected first page: %d msgs, %+v", len(f.store.GetMessages()), p)
	}
	if f.store.GetMessages()[0].ID != all[24].ID {
		t.Fatalf("expected newest message first")
	}

	ok, err := f.store.LoadNextPage(context.Background())
	if !ok || err != nil || len(f.store.GetMessages()) != 20 {
		t.Fatalf("second page: ok=%v err=%v len=%d", ok, err, len(f.store.GetMessages()))
	}

	ok, _ = f.store.LoadNextPage(context.Background())
	p = f.store.Pagination()
	if !ok || len(f.store.GetMessages()) != 25 || p.HasMore || p.CurrentPage != 2 {
		t.Fatalf("third page: ok=%v len=%d %+v", ok, len(f.store.GetMessages()), p)
	}
	if got := f.store.GetMessages(); got[24].ID != all[0].ID {
		t.Fatalf("expected oldest message last")
	}

	if ok, _ := f.store.LoadNextPage(context.Background()); ok {
		t.Fatalf("expected no more pages")
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pagination events, got %d", len(pages))
	}
}

func TestMessageStore_FirstPageUnionsRemoteWindow(t *testing.T) {
	f := newStoreFixture(t, true, true)
	local := seedLocal(t, f.local.LocalMessageStore, "c1", 3)

	displayed := local[2]
	displayed.HasBeenDisplayed = true
	_ = f.local.LocalMessageStore.UpsertMessages(context.Background(), "u1", "c1", []domain.Message{displayed})

	remoteOnly := msgAt(50, "remote", "c1", false)
	stale := local[2]
	stale.HasBeenDisplayed = false
	f.remote.recent = []domain.Message{local[1], stale, remoteOnly}

	if err := f.store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.store.Drain()

	got := f.store.GetMessages()
	if len(got) != 4 || got[0].ID != remoteOnly.ID {
		t.Fatalf("expected union with remote-only row first, got %s", joinIDs(got))
	}
	if !got[1].HasBeenDisplayed {
		t.Fatalf("local copy must win for shared ids")
	}
	if f.remote.lastLimit != 20 {
		t.Fatalf("expected recent limit 20, got %d", f.remote.lastLimit)
	}

	stored := f.local.LoadWindow(context.Background(), "u1", "c1", 10, 0)
	if len(stored) != 4 {
		t.Fatalf("expected remote-only row backfilled locally, got %d", len(stored))
	}
}

func TestMessageStore_RemoteWindowLargerThanPageKeepsLocalFlags(t *testing.T) {
	f := newStoreFixture(t, true, true)
	ctx := context.Background()
	all := seedLocal(t, f.local.LocalMessageStore, "c1", 30)
	for i := range all {
		all[i].HasBeenDisplayed = true
	}
	if err := f.local.LocalMessageStore.SaveWindow(ctx, "u1", "c1", all, false); err != nil {
		t.Fatalf("seed flags: %v", err)
	}

	// La ventana remota cubre las últimas 20 filas, sin flags de presentación.
	for _, m := range all[10:] {
		m.HasBeenDisplayed = false
		m.Status = domain.StatusSent
		f.remote.recent = append(f.remote.recent, m)
	}
	remoteOnly := msgAt(100, "remote", "c1", false)
	f.remote.recent = append(f.remote.recent, remoteOnly)

	assertDisplayed := func(t *testing.T, msgs []domain.Message) {
		t.Helper()
		for _, m := range msgs {
			if m.ID != remoteOnly.ID && !m.HasBeenDisplayed {
				t.Fatalf("message %s lost its displayed flag", m.ID)
			}
		}
	}

	if err := f.store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.store.Drain()

	t.Run("página 0", func(t *testing.T) {
		got := f.store.GetMessages()
		if len(got) != 11 || got[0].ID != remoteOnly.ID {
			t.Fatalf("expected local page plus the absent remote row, got %d: %s", len(got), joinIDs(got))
		}
		assertDisplayed(t, got)
		if n := len(f.local.MessageIDs(ctx, "u1", "c1")); n != 31 {
			t.Fatalf("expected only the absent row backfilled, got %d stored", n)
		}
	})

	t.Run("página siguiente", func(t *testing.T) {
		if ok, err := f.store.LoadNextPage(ctx); !ok || err != nil {
			t.Fatalf("expected next page, got %v %v", ok, err)
		}
		got := f.store.GetMessages()
		if len(got) != 21 {
			t.Fatalf("expected 21 cached messages, got %d", len(got))
		}
		assertDisplayed(t, got)
	})

	t.Run("flags durables tras marcar", func(t *testing.T) {
		got := f.store.GetMessages()
		oldest := got[len(got)-1]
		if err := f.store.MarkAnimated(oldest.ID); err != nil {
			t.Fatalf("mark animated: %v", err)
		}
		f.store.Drain()

		stored := f.local.LoadWindow(ctx, "u1", "c1", 100, 0)
		if len(stored) != 31 {
			t.Fatalf("expected 31 stored messages, got %d", len(stored))
		}
		assertDisplayed(t, stored)
	})
}

func TestMessageStore_RemoteReadErrorFallsBackToLocal(t *testing.T) {
	f := newStoreFixture(t, true, true)
	seedLocal(t, f.local.LocalMessageStore, "c1", 4)
	f.remote.loadErr = errors.New("unreachable")

	if err := f.store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(f.store.GetMessages()) != 4 {
		t.Fatalf("expected local messages, got %d", len(f.store.GetMessages()))
	}
}

func TestMessageStore_OfflineSkipsRemoteRead(t *testing.T) {
	f := newStoreFixture(t, false, true)
	seedLocal(t, f.local.LocalMessageStore, "c1", 2)

	_ = f.store.Initialize(context.Background())
	if f.remote.loadCalls != 0 {
		t.Fatalf("remote must not be read while offline")
	}
	if len(f.store.GetMessages()) != 2 {
		t.Fatalf("expected local page")
	}
}

func TestMessageStore_CorruptStorageLoadsEmpty(t *testing.T) {
	kv := repository.NewMemoryKV()
	ctx := context.Background()
	_ = kv.Set(ctx, "user:u1:current_conversation", "c1")
	_ = kv.Set(ctx, "user:u1:conversation:c1:messages", "<<garbage>>")

	local := repository.NewKVMessageStore(kv, zap.NewNop())
	store, _ := NewMessageStore(MessageStoreConfig{UserID: "u1"}, local, nil, nil, nil, zap.NewNop())
	defer store.Dispose()

	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("corrupt storage must not fail initialize: %v", err)
	}
	if len(store.GetMessages()) != 0 || store.CurrentConversation() != "c1" {
		t.Fatalf("expected empty cache on c1")
	}
}

func TestMessageStore_MarkDisplayedKeepsHistory(t *testing.T) {
	f := newStoreFixture(t, true, false)
	all := seedLocal(t, f.local.LocalMessageStore, "c1", 30)
	_ = f.store.Initialize(context.Background())

	target := all[29]
	if err := f.store.MarkDisplayed(target.ID); err != nil {
		t.Fatalf("mark displayed: %v", err)
	}
	if err := f.store.MarkAnimated(target.ID); err != nil {
		t.Fatalf("mark animated: %v", err)
	}
	f.store.Drain()

	stored := f.local.LoadWindow(context.Background(), "u1", "c1", 100, 0)
	if len(stored) != 30 {
		t.Fatalf("snapshot persistence must not truncate history, got %d", len(stored))
	}
	last := stored[29]
	if !last.HasBeenDisplayed || !last.HasBeenAnimated {
		t.Fatalf("flags must survive restart, got %+v", last)
	}

	_, upserts := f.local.counts()
	if err := f.store.MarkDisplayed(target.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.store.Drain()
	if _, again := f.local.counts(); again != upserts {
		t.Fatalf("unchanged flag must not write again")
	}
}

func TestMessageStore_SwitchConversationAndUser(t *testing.T) {
	f := newStoreFixture(t, true, false)
	seedLocal(t, f.local.LocalMessageStore, "c2", 3)
	seedLocal(t, f.local.LocalMessageStore, "c1", 2)
	_ = f.store.Initialize(context.Background())

	if len(f.store.GetMessages()) != 2 {
		t.Fatalf("expected c1 loaded")
	}

	if err := f.store.SetCurrentConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	for _, m := range f.store.GetMessages() {
		if m.ConversationID != "c2" {
			t.Fatalf("leaked message from previous conversation: %+v", m)
		}
	}
	if len(f.store.GetMessages()) != 3 {
		t.Fatalf("expected c2 loaded")
	}
	f.store.Drain()
	if got := f.local.GetActiveConversation(context.Background(), "u1"); got != "c2" {
		t.Fatalf("expected active pointer updated, got %q", got)
	}

	if err := f.store.SetCurrentUser(context.Background(), ""); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if len(f.store.GetMessages()) != 0 || f.store.CurrentConversation() != "" {
		t.Fatalf("sign out must clear the cache")
	}

	if err := f.store.SetCurrentUser(context.Background(), "u1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if f.store.CurrentConversation() != "c2" || len(f.store.GetMessages()) != 3 {
		t.Fatalf("expected active conversation reloaded, got %q", f.store.CurrentConversation())
	}
}

func TestMessageStore_StartNewConversation(t *testing.T) {
	f := newStoreFixture(t, true, false)
	id, err := f.store.StartNewConversation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.store.CurrentConversation() != id {
		t.Fatalf("expected new conversation active")
	}
	_ = f.store.AddMessage(domain.Message{Text: "primera", IsUser: true})
	f.store.Drain()

	convs := f.store.Conversations(context.Background())
	if len(convs) != 1 || convs[0].ID != id || !convs[0].Active || convs[0].Metadata.MessageCount != 1 {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
}

func TestMessageStore_DebugInfoAndDispose(t *testing.T) {
	f := newStoreFixture(t, true, true)
	f.withConversation("c1")
	f.store.Subscribe(ChannelUpdate, func(Event) {})
	_ = f.store.AddMessage(msgAt(1, "a", "c1", true))

	info := f.store.DebugInfo()
	if info.MessageCount != 1 || info.ListenerCounts["update"] != 1 || info.CurrentUserID != "u1" || !info.IsOnline {
		t.Fatalf("unexpected debug info: %+v", info)
	}

	f.store.Dispose()
	if f.store.DebugInfo().ListenerCounts["update"] != 0 {
		t.Fatalf("dispose must release subscribers")
	}
	if err := f.store.Initialize(context.Background()); !errors.Is(err, ErrMessageStoreDisposed) {
		t.Fatalf("expected disposed error, got %v", err)
	}
}

func TestMessageStore_NilReceiver(t *testing.T) {
	var s *MessageStore
	if err := s.AddMessage(domain.Message{Text: "x"}); !errors.Is(err, ErrMessageStoreNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if len(s.GetMessages()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
	if _, err := NewMessageStore(MessageStoreConfig{}, nil, nil, nil, nil, nil); !errors.Is(err, ErrMessageStoreNotConfigured) {
		t.Fatalf("expected constructor error, got %v", err)
	}
}
