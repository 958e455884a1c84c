package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/channel"
	"github.com/dusancv22/CC-Release-Monitor/internal/client"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/dusancv22/CC-Release-Monitor/internal/gateway"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	mu       sync.Mutex
	nextID   int
	failing  bool
	attempts int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failing {
		return tgbotapi.Message{}, fmt.Errorf("telegram unavailable")
	}
	f.nextID++
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeBot) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBot) edits() []tgbotapi.EditMessageTextConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range f.sent {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBot) callbacks() []tgbotapi.CallbackConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.CallbackConfig
	for _, c := range f.requests {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb)
		}
	}
	return out
}

type fakeQueue struct {
	mu        sync.Mutex
	views     map[string]approval.View
	decisions []client.DecideRequest
	stats     approval.Stats
	listErr   error
}

func newFakeQueue(views ...approval.View) *fakeQueue {
	q := &fakeQueue{views: make(map[string]approval.View)}
	for _, v := range views {
		q.views[v.ID] = v
	}
	return q
}

func (q *fakeQueue) Status(_ context.Context, id string) (approval.View, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.views[id]
	if !ok {
		return approval.View{}, &client.APIError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	return v, nil
}

func (q *fakeQueue) Decide(_ context.Context, id string, req client.DecideRequest) (approval.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.views[id]
	if !ok {
		return "", &client.APIError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	if v.Status.Terminal() {
		return "", &client.APIError{StatusCode: http.StatusConflict, Code: "conflict", Status: v.Status}
	}
	q.decisions = append(q.decisions, req)
	status, _ := req.Decision.Status()
	at := time.Date(2026, 2, 15, 10, 0, 5, 0, time.UTC)
	v.Status = status
	v.Decision = req.Decision
	v.DecidedBy = req.DecidedBy
	v.Reason = req.Reason
	v.DecidedAt = &at
	q.views[id] = v
	return status, nil
}

func (q *fakeQueue) ListPending(_ context.Context, limit int) ([]approval.View, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listErr != nil {
		return nil, q.listErr
	}
	var out []approval.View
	for _, v := range q.views {
		if v.Status == approval.StatusPending {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeQueue) Stats(_ context.Context) (approval.Stats, error) {
	return q.stats, nil
}

func (q *fakeQueue) Subscribe(ctx context.Context, _ func(gateway.PushEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) setStatus(id string, status approval.Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.views[id]
	v.Status = status
	q.views[id] = v
}

func (q *fakeQueue) decided() []client.DecideRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]client.DecideRequest(nil), q.decisions...)
}

type countRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countRecorder) RecordChannelSend(channel string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.counts[channel+"/"+status]++
}

func pendingView(id string) approval.View {
	return approval.View{
		ID:         id,
		SessionID:  "session-abcdef123",
		Category:   "shell",
		Payload:    json.RawMessage(`{"command":"rm -rf build && echo <done>","description":"clean"}`),
		WorkingDir: "/repo",
		Status:     approval.StatusPending,
		CreatedAt:  time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC),
	}
}

func newTestBot(q *fakeQueue, allow ...string) (*Bot, *fakeBot) {
	fb := &fakeBot{}
	b := New(config.TelegramConfig{Token: "test"}, channel.NewSession(allow), q)
	b.bot = fb
	return b, fb
}

func callback(from int64, data string, chatID int64, messageID int) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      fmt.Sprintf("cb-%d", messageID),
		From:    &tgbotapi.User{ID: from, FirstName: "Op"},
		Data:    data,
		Message: &tgbotapi.Message{MessageID: messageID, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func textMessage(from int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 100,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: from},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func callbackData(markup any) []string {
	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		return nil
	}
	var out []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData != nil {
				out = append(out, *btn.CallbackData)
			}
		}
	}
	return out
}

func TestNotify_SendsOncePerRecipient(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	rec := &countRecorder{}
	b, fb := newTestBot(q, "42", "7", "@alice")
	b.recorder = rec
	ctx := context.Background()

	b.notify(ctx, pendingView("req-1"))
	b.notify(ctx, pendingView("req-1"))
	b.Reconcile(ctx)

	msgs := fb.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected one message per numeric recipient, got %d", len(msgs))
	}
	chats := map[int64]bool{}
	for _, m := range msgs {
		chats[m.ChatID] = true
		if m.ParseMode != tgbotapi.ModeHTML {
			t.Fatalf("expected HTML parse mode, got %q", m.ParseMode)
		}
		data := callbackData(m.ReplyMarkup)
		want := []string{"approve:req-1", "deny:req-1", "deny_reason:req-1", "details:req-1"}
		if strings.Join(data, ",") != strings.Join(want, ",") {
			t.Fatalf("unexpected keyboard %v", data)
		}
	}
	if !chats[42] || !chats[7] {
		t.Fatalf("unexpected recipients %v", chats)
	}
	if rec.counts["telegram/success"] != 2 {
		t.Fatalf("expected 2 recorded sends, got %v", rec.counts)
	}
}

func TestCallback_ApproveDecidesAndSettlesEveryCopy(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42", "7")
	ctx := context.Background()
	b.notify(ctx, pendingView("req-1"))

	b.handleUpdate(ctx, callback(42, "approve:req-1", 42, 1))

	decisions := q.decided()
	if len(decisions) != 1 || decisions[0].Decision != approval.VerdictApprove || decisions[0].DecidedBy != "42" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
	edited := map[int64]bool{}
	for _, e := range fb.edits() {
		if !strings.Contains(e.Text, "Request Approved") {
			t.Fatalf("unexpected edit text %q", e.Text)
		}
		if e.ReplyMarkup != nil {
			t.Fatal("expected keyboard removed after decision")
		}
		edited[e.ChatID] = true
	}
	if !edited[42] || !edited[7] {
		t.Fatalf("expected both copies settled, got %v", edited)
	}
	if cbs := fb.callbacks(); len(cbs) != 1 || cbs[0].ShowAlert {
		t.Fatalf("expected a silent callback answer, got %+v", cbs)
	}
}

func TestCallback_UnauthorizedIsRejected(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42")

	b.handleUpdate(context.Background(), callback(99, "approve:req-1", 99, 1))

	if len(q.decided()) != 0 {
		t.Fatal("expected no decision from unauthorized user")
	}
	cbs := fb.callbacks()
	if len(cbs) != 1 || !cbs[0].ShowAlert || !strings.Contains(cbs[0].Text, "not authorized") {
		t.Fatalf("expected authorization alert, got %+v", cbs)
	}
}

func TestCallback_InvalidData(t *testing.T) {
	q := newFakeQueue()
	b, fb := newTestBot(q, "42")

	b.handleUpdate(context.Background(), callback(42, "garbage", 42, 1))
	b.handleUpdate(context.Background(), callback(42, "launch:req-1", 42, 1))

	cbs := fb.callbacks()
	if len(cbs) != 2 || cbs[0].Text != "Invalid callback data" || cbs[1].Text != "Invalid callback data" {
		t.Fatalf("expected invalid data alerts, got %+v", cbs)
	}
}

func TestDenyWithReason_UsesNextMessage(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.handleUpdate(ctx, callback(42, "deny_reason:req-1", 42, 1))
	edits := fb.edits()
	if len(edits) != 1 || !strings.Contains(edits[0].Text, "Provide Denial Reason") {
		t.Fatalf("expected reason prompt, got %+v", edits)
	}
	if len(q.decided()) != 0 {
		t.Fatal("expected no decision before the reason arrives")
	}

	b.handleUpdate(ctx, textMessage(42, "touches prod <db>"))

	decisions := q.decided()
	if len(decisions) != 1 || decisions[0].Decision != approval.VerdictDeny || decisions[0].Reason != "touches prod <db>" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
	msgs := fb.messages()
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Text, "Request Denied") || !strings.Contains(last.Text, "Reason: touches prod &lt;db&gt;") {
		t.Fatalf("unexpected confirmation %q", last.Text)
	}

	// A later plain message is not a reason.
	b.handleUpdate(ctx, textMessage(42, "hello"))
	if len(q.decided()) != 1 {
		t.Fatal("expected plain message to be ignored")
	}
}

func TestCallback_DenyUsesDefaultReason(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, _ := newTestBot(q, "42")

	b.handleUpdate(context.Background(), callback(42, "deny:req-1", 42, 1))

	decisions := q.decided()
	if len(decisions) != 1 || decisions[0].Reason != denyReasonDefault {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
}

func TestCallback_ConflictRendersTimeoutDistinctly(t *testing.T) {
	view := pendingView("req-1")
	view.Status = approval.StatusTimeout
	q := newFakeQueue(view)
	b, fb := newTestBot(q, "42")

	b.handleUpdate(context.Background(), callback(42, "approve:req-1", 42, 1))

	edits := fb.edits()
	if len(edits) == 0 {
		t.Fatal("expected message to be updated")
	}
	text := edits[len(edits)-1].Text
	if !strings.Contains(text, timeoutLabel) || strings.Contains(text, "Denied") {
		t.Fatalf("expected timeout label, got %q", text)
	}
}

func TestCallback_DetailsAndBack(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.handleUpdate(ctx, callback(42, "details:req-1", 42, 1))
	edits := fb.edits()
	if len(edits) != 1 || !strings.Contains(edits[0].Text, "Request Details") || !strings.Contains(edits[0].Text, "req-1") {
		t.Fatalf("unexpected details %+v", edits)
	}
	if edits[0].ReplyMarkup == nil || callbackData(*edits[0].ReplyMarkup)[0] != "back:req-1" {
		t.Fatal("expected back button")
	}

	b.handleUpdate(ctx, callback(42, "back:req-1", 42, 1))
	edits = fb.edits()
	if len(edits) != 2 || !strings.Contains(edits[1].Text, "Approval Request") || edits[1].ReplyMarkup == nil {
		t.Fatalf("expected request with keyboard restored, got %+v", edits)
	}

	b.handleUpdate(ctx, callback(42, "details:missing", 42, 1))
	cbs := fb.callbacks()
	if last := cbs[len(cbs)-1]; !last.ShowAlert || !strings.Contains(last.Text, "not found") {
		t.Fatalf("expected not found alert, got %+v", last)
	}
}

func TestReconcile_SettlesTimedOutNotifications(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"), pendingView("req-2"))
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.Reconcile(ctx)
	if n := len(fb.messages()); n != 2 {
		t.Fatalf("expected 2 notifications, got %d", n)
	}

	q.setStatus("req-1", approval.StatusTimeout)
	b.Reconcile(ctx)

	edits := fb.edits()
	if len(edits) != 1 || !strings.Contains(edits[0].Text, timeoutLabel) {
		t.Fatalf("expected one timeout edit, got %+v", edits)
	}

	b.Reconcile(ctx)
	if len(fb.edits()) != 1 || len(fb.messages()) != 2 {
		t.Fatal("expected reconcile to be idempotent")
	}
}

func TestReconcile_RetriesUndeliveredNotifications(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42", "43")
	ctx := context.Background()

	fb.setFailing(true)
	b.Reconcile(ctx)
	if fb.sendAttempts() == 0 {
		t.Fatal("expected delivery attempts while telegram is failing")
	}
	if n := len(fb.messages()); n != 0 {
		t.Fatalf("expected no delivered notifications, got %d", n)
	}

	fb.setFailing(false)
	b.Reconcile(ctx)
	if n := len(fb.messages()); n != 2 {
		t.Fatalf("expected notification to every recipient after recovery, got %d", n)
	}

	b.Reconcile(ctx)
	if n := len(fb.messages()); n != 2 {
		t.Fatalf("expected delivered request not to be resent, got %d", n)
	}
}

func TestReconcile_DeliveredRequestIsNotResentAfterOutage(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.Reconcile(ctx)
	fb.setFailing(true)
	b.Reconcile(ctx)
	fb.setFailing(false)
	b.Reconcile(ctx)
	if n := len(fb.messages()); n != 1 {
		t.Fatalf("expected a single notification, got %d", n)
	}
}

func TestPendingCommand_CopiesAreSettled(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.handleUpdate(ctx, textMessage(42, "/stop_approval"))
	b.handleUpdate(ctx, textMessage(42, "/pending"))
	msgs := fb.messages()
	if len(msgs) != 2 || !strings.Contains(msgs[1].Text, "Approval Request") {
		t.Fatalf("expected /pending to list req-1, got %+v", msgs)
	}

	q.setStatus("req-1", approval.StatusDenied)
	b.Reconcile(ctx)

	edits := fb.edits()
	if len(edits) != 1 || edits[0].MessageID != 2 || !strings.Contains(edits[0].Text, "Request Denied") {
		t.Fatalf("expected the /pending copy to be settled, got %+v", edits)
	}
}

func TestPendingCommand_DoesNotSuppressBroadcast(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	b, fb := newTestBot(q, "42", "43")
	ctx := context.Background()

	b.handleUpdate(ctx, textMessage(42, "/pending"))
	b.Reconcile(ctx)

	if n := len(fb.messages()); n != 3 {
		t.Fatalf("expected /pending copy plus one broadcast per recipient, got %d", n)
	}
}

func TestReconcile_ListFailureKeepsState(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	q.listErr = approval.ErrUnavailable
	b, fb := newTestBot(q, "42")

	b.Reconcile(context.Background())
	if len(fb.messages()) != 0 {
		t.Fatal("expected nothing sent while the server is down")
	}
}

func TestHandlePush_CreatedAndDecided(t *testing.T) {
	q := newFakeQueue()
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	view := pendingView("req-9")
	b.handlePush(ctx, gateway.PushEvent{Type: approval.EventCreated, Seq: 1, Request: &view})
	b.handlePush(ctx, gateway.PushEvent{Type: approval.EventCreated, Seq: 1, Request: &view})
	if n := len(fb.messages()); n != 1 {
		t.Fatalf("expected redelivered event to be deduplicated, got %d sends", n)
	}

	decided := view
	decided.Status = approval.StatusDenied
	decided.DecidedBy = "cli"
	decided.Reason = "no"
	b.handlePush(ctx, gateway.PushEvent{Type: approval.EventDecided, Seq: 2, Request: &decided})

	edits := fb.edits()
	if len(edits) != 1 || !strings.Contains(edits[0].Text, "Request Denied") || !strings.Contains(edits[0].Text, "Denied by: cli") {
		t.Fatalf("unexpected edits %+v", edits)
	}

	b.handlePush(ctx, gateway.PushEvent{Type: approval.EventTimedOut, Seq: 3, Count: 2})
	select {
	case <-b.kick:
	default:
		t.Fatal("expected timeout event to request reconciliation")
	}
}

func TestCommands(t *testing.T) {
	q := newFakeQueue(pendingView("req-1"))
	q.stats = approval.Stats{
		ByStatus:   map[approval.Status]int64{approval.StatusPending: 1, approval.StatusTimeout: 3},
		ByCategory: map[string]int64{"shell": 4},
		RecentHour: 2,
		Total:      4,
	}
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.handleUpdate(ctx, textMessage(42, "/pending"))
	msgs := fb.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Approval Request") {
		t.Fatalf("unexpected /pending output %+v", msgs)
	}

	b.handleUpdate(ctx, textMessage(42, "/approval_status"))
	msgs = fb.messages()
	status := msgs[len(msgs)-1].Text
	for _, want := range []string{"Pending: 1", "Timed out: 3", "shell: 4", "Recent (1h):</b> 2", "✅ Active"} {
		if !strings.Contains(status, want) {
			t.Fatalf("expected %q in status %q", want, status)
		}
	}

	b.handleUpdate(ctx, textMessage(42, "/stop_approval"))
	if b.Monitoring() {
		t.Fatal("expected monitoring stopped")
	}
	before := len(fb.messages())
	b.notify(ctx, pendingView("req-2"))
	if len(fb.messages()) != before {
		t.Fatal("expected no notifications while stopped")
	}

	b.handleUpdate(ctx, textMessage(42, "/start_approval"))
	if !b.Monitoring() {
		t.Fatal("expected monitoring resumed")
	}
	select {
	case <-b.kick:
	default:
		t.Fatal("expected resume to request reconciliation")
	}
}

func TestCommands_UnauthorizedAndEmptyPending(t *testing.T) {
	q := newFakeQueue()
	b, fb := newTestBot(q, "42")
	ctx := context.Background()

	b.handleUpdate(ctx, textMessage(99, "/pending"))
	msgs := fb.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "not authorized") {
		t.Fatalf("expected authorization reply, got %+v", msgs)
	}

	b.handleUpdate(ctx, textMessage(42, "/pending"))
	msgs = fb.messages()
	if msgs[len(msgs)-1].Text != "No pending approval requests." {
		t.Fatalf("unexpected reply %q", msgs[len(msgs)-1].Text)
	}
}

func TestRequestText_EscapesAndSummarizes(t *testing.T) {
	text := requestText(pendingView("0123456789abcdef"))
	for _, want := range []string{
		"<b>Tool:</b> Shell Command",
		"<b>Description:</b> clean",
		"rm -rf build &amp;&amp; echo &lt;done&gt;",
		"<code>01234567…</code>",
		"<code>/repo</code>",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}

	opaque := requestText(approval.View{ID: "x", Category: "mcp__github__create_issue", Payload: json.RawMessage(`{"title":"bug"}`)})
	if !strings.Contains(opaque, "mcp__github__create_issue") || !strings.Contains(opaque, "bug") {
		t.Fatalf("unexpected opaque rendering %q", opaque)
	}
}

func TestFinalText_TimeoutDiffersFromDenial(t *testing.T) {
	timeout := finalText(approval.View{ID: "req-1", Status: approval.StatusTimeout})
	denied := finalText(approval.View{ID: "req-1", Status: approval.StatusDenied, Reason: "no"})
	if !strings.HasPrefix(timeout, timeoutLabel) {
		t.Fatalf("unexpected timeout text %q", timeout)
	}
	if strings.Contains(denied, timeoutLabel) || !strings.Contains(denied, "Reason: no") {
		t.Fatalf("unexpected denial text %q", denied)
	}
	if gone := finalText(approval.View{ID: "req-1"}); !strings.Contains(gone, "Expired") {
		t.Fatalf("unexpected purged text %q", gone)
	}
}
