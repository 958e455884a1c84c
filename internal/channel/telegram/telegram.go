package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/channel"
	"github.com/dusancv22/CC-Release-Monitor/internal/client"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/dusancv22/CC-Release-Monitor/internal/gateway"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"
)

const (
	channelName = "telegram"

	defaultReconcileInterval = 10 * time.Second
	resubscribeDelay         = 2 * time.Second
	pendingPageSize          = 100
	pendingCommandLimit      = 10
	finishedRetention        = time.Hour
	denyReasonDefault        = "Denied via Telegram"
)

// Queue is the approval server surface the bot needs.
type Queue interface {
	Status(ctx context.Context, id string) (approval.View, error)
	Decide(ctx context.Context, id string, req client.DecideRequest) (approval.Status, error)
	ListPending(ctx context.Context, limit int) ([]approval.View, error)
	Stats(ctx context.Context) (approval.Stats, error)
	Subscribe(ctx context.Context, fn func(gateway.PushEvent)) error
}

// SendRecorder receives the outcome of every outbound message.
type SendRecorder interface {
	RecordChannelSend(channel string, err error)
}

// botAPI is the subset of *tgbotapi.BotAPI used after startup.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type sentMessage struct {
	chatID    int64
	messageID int
}

// tracked is the notification state of one request. announced is set once the
// broadcast to every recipient delivered at least one copy.
type tracked struct {
	messages   []sentMessage
	announced  bool
	finished   bool
	finishedAt time.Time
}

// Bot delivers pending approval requests to Telegram and turns button presses
// into decisions.
type Bot struct {
	cfg               config.TelegramConfig
	session           *channel.Session
	queue             Queue
	recorder          SendRecorder
	reconcileInterval time.Duration
	now               func() time.Time

	bot botAPI

	mu         sync.Mutex
	notified   map[string]*tracked
	monitoring bool

	kick chan struct{}
}

// Option configures a Bot.
type Option func(*Bot)

// WithSendRecorder attaches a recorder for outbound message metrics.
func WithSendRecorder(r SendRecorder) Option {
	return func(b *Bot) { b.recorder = r }
}

// New creates a Telegram decision bot.
func New(cfg config.TelegramConfig, session *channel.Session, queue Queue, opts ...Option) *Bot {
	b := &Bot{
		cfg:               cfg,
		session:           session,
		queue:             queue,
		reconcileInterval: defaultReconcileInterval,
		now:               time.Now,
		notified:          make(map[string]*tracked),
		monitoring:        true,
		kick:              make(chan struct{}, 1),
	}
	if cfg.ReconcileIntervalSecs > 0 {
		b.reconcileInterval = time.Duration(cfg.ReconcileIntervalSecs) * time.Second
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bot) Name() string { return channelName }

// Run connects to Telegram and serves updates, push events and periodic
// reconciliation until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(b.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	b.bot = api

	slog.Info("telegram bot connected", "username", api.Self.UserName, "recipients", len(b.session.Recipients()))
	if len(b.session.Recipients()) == 0 {
		slog.Warn("no numeric telegram ids in allow_from, approval requests will not be delivered")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer api.StopReceivingUpdates()
		for {
			select {
			case <-gctx.Done():
				return nil
			case update, ok := <-updates:
				if !ok {
					return nil
				}
				b.handleUpdate(gctx, update)
			}
		}
	})
	g.Go(func() error { return b.subscribeLoop(gctx) })
	g.Go(func() error { return b.reconcileLoop(gctx) })
	return g.Wait()
}

func (b *Bot) subscribeLoop(ctx context.Context) error {
	for {
		err := b.queue.Subscribe(ctx, func(ev gateway.PushEvent) { b.handlePush(ctx, ev) })
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("approval push stream dropped, falling back to polling", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
		b.requestReconcile()
	}
}

func (b *Bot) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.reconcileInterval)
	defer ticker.Stop()

	b.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-b.kick:
		}
		b.Reconcile(ctx)
	}
}

func (b *Bot) requestReconcile() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Bot) handlePush(ctx context.Context, ev gateway.PushEvent) {
	switch ev.Type {
	case approval.EventCreated:
		if ev.Request != nil {
			b.notify(ctx, *ev.Request)
		}
	case approval.EventDecided:
		if ev.Request != nil {
			b.finalize(ctx, *ev.Request)
		}
	case approval.EventTimedOut, approval.EventPurged:
		b.requestReconcile()
	}
}

// Reconcile notifies pending requests missed by the push stream and settles
// notifications of requests that left the pending state.
func (b *Bot) Reconcile(ctx context.Context) {
	pending, err := b.queue.ListPending(ctx, pendingPageSize)
	if err != nil {
		slog.Warn("list pending approvals failed", "error", err)
		return
	}
	live := make(map[string]bool, len(pending))
	for _, view := range pending {
		live[view.ID] = true
		b.notify(ctx, view)
	}

	now := b.now()
	var stale []string
	b.mu.Lock()
	for id, entry := range b.notified {
		switch {
		case entry.finished && now.Sub(entry.finishedAt) > finishedRetention:
			delete(b.notified, id)
		case !entry.finished && !live[id]:
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		view, err := b.queue.Status(ctx, id)
		switch {
		case errors.Is(err, approval.ErrNotFound):
			b.finalize(ctx, approval.View{ID: id})
		case err != nil:
			slog.Debug("approval status check failed", "id", id, "error", err)
		case view.Status.Terminal():
			b.finalize(ctx, view)
		}
	}
}

// notify sends view to every recipient once per request id.
func (b *Bot) notify(ctx context.Context, view approval.View) {
	b.mu.Lock()
	entry := b.notified[view.ID]
	if !b.monitoring || view.Status.Terminal() || (entry != nil && (entry.announced || entry.finished)) {
		b.mu.Unlock()
		return
	}
	if entry == nil {
		entry = &tracked{}
		b.notified[view.ID] = entry
	}
	entry.announced = true
	b.mu.Unlock()

	delivered := 0
	defer func() {
		if delivered > 0 {
			return
		}
		// Nothing reached a chat; let the next reconcile try again.
		b.mu.Lock()
		entry.announced = false
		b.mu.Unlock()
	}()

	text := requestText(view)
	markup := decisionKeyboard(view.ID)
	for _, chatID := range b.session.Recipients() {
		if ctx.Err() != nil {
			return
		}
		msg, err := b.send(chatID, text, &markup)
		if err != nil {
			slog.Error("failed to send approval request", "id", view.ID, "chat_id", chatID, "error", err)
			continue
		}
		delivered++
		b.mu.Lock()
		entry.messages = append(entry.messages, sentMessage{chatID: chatID, messageID: msg.MessageID})
		b.mu.Unlock()
		slog.Info("sent approval request", "id", view.ID, "chat_id", chatID)
	}
}

// finalize replaces every notification of view.ID with its final state.
func (b *Bot) finalize(ctx context.Context, view approval.View) {
	b.mu.Lock()
	entry := b.notified[view.ID]
	if entry == nil {
		entry = &tracked{}
		b.notified[view.ID] = entry
	}
	if entry.finished {
		b.mu.Unlock()
		return
	}
	entry.finished = true
	entry.finishedAt = b.now()
	messages := append([]sentMessage(nil), entry.messages...)
	b.mu.Unlock()

	b.session.ForgetRequest(view.ID)
	text := finalText(view)
	for _, m := range messages {
		if ctx.Err() != nil {
			return
		}
		if err := b.edit(m.chatID, m.messageID, text, nil); err != nil {
			slog.Debug("failed to update approval message", "id", view.ID, "chat_id", m.chatID, "error", err)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	senderID := senderOf(q.From)
	if !b.session.IsAllowed(senderID) {
		slog.Debug("unauthorized callback", "id", senderID)
		b.answer(q.ID, "⚠️ You are not authorized to approve/deny requests", true)
		return
	}

	action, requestID, ok := strings.Cut(q.Data, ":")
	if !ok || requestID == "" {
		b.answer(q.ID, "Invalid callback data", true)
		return
	}
	var chatID int64
	messageID := 0
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
		messageID = q.Message.MessageID
	}
	decidedBy := strconv.FormatInt(q.From.ID, 10)

	switch action {
	case "approve":
		b.answer(q.ID, "", false)
		b.decide(ctx, chatID, messageID, requestID, client.DecideRequest{Decision: approval.VerdictApprove, DecidedBy: decidedBy})
	case "deny":
		b.answer(q.ID, "", false)
		b.decide(ctx, chatID, messageID, requestID, client.DecideRequest{Decision: approval.VerdictDeny, DecidedBy: decidedBy, Reason: denyReasonDefault})
	case "deny_reason":
		b.session.AwaitReason(senderID, requestID)
		b.answer(q.ID, "", false)
		_ = b.edit(chatID, messageID, reasonPromptText(requestID), nil)
	case "details":
		view, err := b.queue.Status(ctx, requestID)
		if err != nil {
			b.answer(q.ID, queueErrorText(err), true)
			return
		}
		b.answer(q.ID, "", false)
		back := backKeyboard(requestID)
		_ = b.edit(chatID, messageID, detailsText(view), &back)
	case "back":
		view, err := b.queue.Status(ctx, requestID)
		if err != nil {
			b.answer(q.ID, queueErrorText(err), true)
			return
		}
		b.answer(q.ID, "", false)
		if view.Status.Terminal() {
			_ = b.edit(chatID, messageID, finalText(view), nil)
			return
		}
		markup := decisionKeyboard(requestID)
		_ = b.edit(chatID, messageID, requestText(view), &markup)
	default:
		b.answer(q.ID, "Invalid callback data", true)
	}
}

// decide submits a decision and renders the result in place of the request.
func (b *Bot) decide(ctx context.Context, chatID int64, messageID int, id string, req client.DecideRequest) {
	status, err := b.queue.Decide(ctx, id, req)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status.Terminal() {
			b.finalize(ctx, approval.View{ID: id, Status: apiErr.Status})
			_ = b.edit(chatID, messageID, finalText(approval.View{ID: id, Status: apiErr.Status}), nil)
			return
		}
		slog.Warn("approval decision failed", "id", id, "decision", req.Decision, "error", err)
		_ = b.edit(chatID, messageID, "⚠️ "+queueErrorText(err), nil)
		return
	}
	slog.Info("approval decided via telegram", "id", id, "status", status, "decided_by", req.DecidedBy)

	view, err := b.queue.Status(ctx, id)
	if err != nil {
		view = approval.View{ID: id, Status: status, DecidedBy: req.DecidedBy, Reason: req.Reason}
	}
	b.finalize(ctx, view)
	_ = b.edit(chatID, messageID, finalText(view), nil)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := senderOf(msg.From)
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	if msg.IsCommand() {
		if !b.session.IsAllowed(senderID) {
			slog.Debug("unauthorized sender", "id", senderID)
			b.reply(msg.Chat.ID, "⚠️ You are not authorized to use the approval bot")
			return
		}
		b.handleCommand(ctx, msg)
		return
	}

	if !b.session.IsAllowed(senderID) {
		slog.Debug("unauthorized sender", "id", senderID)
		return
	}
	requestID, ok := b.session.TakeAwaitingReason(senderID)
	if !ok {
		return
	}

	status, err := b.queue.Decide(ctx, requestID, client.DecideRequest{
		Decision:  approval.VerdictDeny,
		DecidedBy: strconv.FormatInt(msg.From.ID, 10),
		Reason:    content,
	})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status.Terminal() {
			b.finalize(ctx, approval.View{ID: requestID, Status: apiErr.Status})
			b.reply(msg.Chat.ID, finalText(approval.View{ID: requestID, Status: apiErr.Status}))
			return
		}
		slog.Warn("approval denial failed", "id", requestID, "error", err)
		b.reply(msg.Chat.ID, "⚠️ "+queueErrorText(err))
		return
	}
	slog.Info("approval denied with reason via telegram", "id", requestID, "status", status)

	view := approval.View{ID: requestID, Status: status, DecidedBy: strconv.FormatInt(msg.From.ID, 10), Reason: content}
	b.finalize(ctx, view)
	b.reply(msg.Chat.ID, finalText(view))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		b.reply(chatID, helpText())
	case "pending":
		pending, err := b.queue.ListPending(ctx, pendingCommandLimit)
		if err != nil {
			b.reply(chatID, "⚠️ "+queueErrorText(err))
			return
		}
		if len(pending) == 0 {
			b.reply(chatID, "No pending approval requests.")
			return
		}
		for _, view := range pending {
			markup := decisionKeyboard(view.ID)
			sent, err := b.send(chatID, requestText(view), &markup)
			if err != nil {
				slog.Error("failed to send pending request", "id", view.ID, "chat_id", chatID, "error", err)
				continue
			}
			b.track(view.ID, sentMessage{chatID: chatID, messageID: sent.MessageID})
		}
	case "approval_status":
		stats, err := b.queue.Stats(ctx)
		if err != nil {
			b.reply(chatID, "❌ Approval server offline: "+queueErrorText(err))
			return
		}
		b.reply(chatID, statsText(stats, b.Monitoring()))
	case "start_approval":
		b.SetMonitoring(true)
		b.requestReconcile()
		b.reply(chatID, "✅ <b>Approval Monitoring Started</b>\n\nI will now notify you of requests that need approval.")
	case "stop_approval":
		b.SetMonitoring(false)
		b.reply(chatID, "⏹️ <b>Approval Monitoring Stopped</b>\n\nI will no longer notify you of new requests.")
	}
}

// Monitoring reports whether new requests are being delivered.
func (b *Bot) Monitoring() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.monitoring
}

// SetMonitoring pauses or resumes delivery of new requests.
func (b *Bot) SetMonitoring(on bool) {
	b.mu.Lock()
	b.monitoring = on
	b.mu.Unlock()
	slog.Info("approval monitoring toggled", "active", on)
}

// track attaches an extra message to a request so it is settled together with
// the broadcast copies. Tracking alone does not count as a broadcast.
func (b *Bot) track(id string, m sentMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.notified[id]
	if entry == nil {
		entry = &tracked{}
		b.notified[id] = entry
	}
	if !entry.finished {
		entry.messages = append(entry.messages, m)
	}
}

func (b *Bot) send(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	if b.bot == nil {
		return tgbotapi.Message{}, fmt.Errorf("bot not initialized")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = *markup
	}

	sent, err := b.bot.Send(msg)
	if err != nil {
		msg.ParseMode = ""
		sent, err = b.bot.Send(msg)
	}
	if b.recorder != nil {
		b.recorder.RecordChannelSend(channelName, err)
	}
	return sent, err
}

func (b *Bot) edit(chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	if b.bot == nil {
		return fmt.Errorf("bot not initialized")
	}
	if chatID == 0 || messageID == 0 {
		return nil
	}
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.ReplyMarkup = markup
	_, err := b.bot.Send(cfg)
	return err
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.send(chatID, text, nil); err != nil {
		slog.Warn("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) answer(callbackID, text string, alert bool) {
	if b.bot == nil {
		return
	}
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	if _, err := b.bot.Request(cfg); err != nil {
		slog.Debug("failed to answer callback", "error", err)
	}
}

func senderOf(u *tgbotapi.User) string {
	id := strconv.FormatInt(u.ID, 10)
	if u.UserName != "" {
		return id + "|" + u.UserName
	}
	return id
}

func queueErrorText(err error) string {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return "Request not found, it may have been purged."
	case errors.Is(err, approval.ErrValidation):
		return "The approval server rejected the request."
	default:
		return "Approval server unavailable, try again."
	}
}
