package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/pickupbot/internal/audit"
	"github.com/basket/pickupbot/internal/bus"
	"github.com/basket/pickupbot/internal/pickup"
	"github.com/basket/pickupbot/internal/policy"
	"github.com/basket/pickupbot/internal/shared"
)

// Minute choices offered to parents on the arrival keyboard.
var arrivalChoices = []int{5, 10, 15, 20, 30, 45, 60}

// PickupService is the slice of pickup.Service the chat adapter drives.
type PickupService interface {
	RequestPickup(ctx context.Context, parentID, childID int64, minutes int, now time.Time) (pickup.Result, error)
	CompleteHandoff(ctx context.Context, requestID, operatorID string, now time.Time) (pickup.Outcome, error)
	VoiceMode() policy.VoiceMode
	SetVoiceMode(ctx context.Context, mode policy.VoiceMode, source string) error
}

// Directory resolves chat identities and keeps guard card message ids.
type Directory interface {
	GetParentByTelegramID(ctx context.Context, telegramID int64) (*pickup.Parent, error)
	ListChildren(ctx context.Context, parentID int64) ([]pickup.Child, error)
	GetChild(ctx context.Context, id int64) (*pickup.Child, error)
	ListPickups(ctx context.Context, f pickup.Filter) ([]pickup.Request, error)
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
	KVDelete(ctx context.Context, key string) error
	PruneRequestKeys(ctx context.Context, prefix string) (int64, error)
}

// botAPI is the part of *tgbotapi.BotAPI used here.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramConfig struct {
	Token       string
	GuardChatID int64
	AdminIDs    []int64
	GuardIDs    []int64
	Directory   Directory
	Bus         *bus.Bus
	Logger      *slog.Logger
	Now         func() time.Time
}

// TelegramChannel serves parents, guards and admins over one bot, and
// implements pickup.Notifier for the lifecycle service.
type TelegramChannel struct {
	token       string
	guardChatID int64
	admins      map[int64]struct{}
	guards      map[int64]struct{}
	dir         Directory
	eventBus    *bus.Bus
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.RWMutex
	svc    PickupService
	bot    botAPI
	client *tgbotapi.BotAPI
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	t := &TelegramChannel{
		token:       cfg.Token,
		guardChatID: cfg.GuardChatID,
		admins:      make(map[int64]struct{}),
		guards:      make(map[int64]struct{}),
		dir:         cfg.Directory,
		eventBus:    cfg.Bus,
		logger:      logger.With("component", "telegram"),
		now:         now,
	}
	for _, id := range cfg.AdminIDs {
		t.admins[id] = struct{}{}
		t.guards[id] = struct{}{}
	}
	for _, id := range cfg.GuardIDs {
		t.guards[id] = struct{}{}
	}
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Bind attaches the lifecycle service. The service is built with this
// channel as its notifier, so it cannot be passed to the constructor.
func (t *TelegramChannel) Bind(svc PickupService) {
	t.mu.Lock()
	t.svc = svc
	t.mu.Unlock()
}

func (t *TelegramChannel) service() PickupService {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.svc
}

func (t *TelegramChannel) api() botAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

// Connect authenticates the bot. Notifications fail until it succeeds.
func (t *TelegramChannel) Connect() error {
	client, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.client = client
	t.bot = client
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "user", client.Self.UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		if err := t.Connect(); err != nil {
			return err
		}
		t.mu.RLock()
		client = t.client
		t.mu.RUnlock()
	}

	go t.watchEvents(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := client.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		client.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// updates arrive within 2.5x the long-poll timeout.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx = shared.WithChannel(shared.WithTraceID(ctx, shared.NewTraceID()), "telegram")
	switch {
	case update.Message != nil && update.Message.From != nil:
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (t *TelegramChannel) isAdmin(id int64) bool {
	_, ok := t.admins[id]
	return ok
}

func (t *TelegramChannel) isGuard(id int64, chatID int64) bool {
	if _, ok := t.guards[id]; ok {
		return true
	}
	return t.guardChatID != 0 && chatID == t.guardChatID
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	from := msg.From.ID
	ctx = shared.WithOperator(ctx, operatorName(msg.From))

	switch msg.Command() {
	case "start", "help":
		t.reply(msg.Chat.ID, helpText(t.isAdmin(from), t.isGuard(from, msg.Chat.ID)))
	case "pickup":
		t.startPickup(ctx, msg.Chat.ID, from)
	case "voice":
		if !t.isAdmin(from) {
			audit.Record(ctx, "voice.set", audit.OutcomeDenied, strconv.FormatInt(from, 10))
			t.reply(msg.Chat.ID, "This command is only available to administrators.")
			return
		}
		t.handleVoice(ctx, msg.Chat.ID, strings.TrimSpace(msg.CommandArguments()))
	case "pickups":
		if !t.isGuard(from, msg.Chat.ID) {
			t.reply(msg.Chat.ID, "This command is only available to staff.")
			return
		}
		t.listOpen(ctx, msg.Chat.ID)
	}
}

func helpText(admin, guard bool) string {
	lines := []string{"/pickup - tell the school you are coming"}
	if guard {
		lines = append(lines, "/pickups - list open pickup requests")
	}
	if admin {
		lines = append(lines, "/voice [auto|on|off] - show or change announcement mode")
	}
	return strings.Join(lines, "\n")
}

// parentFor loads the parent behind a chat user and explains refusals.
func (t *TelegramChannel) parentFor(ctx context.Context, telegramID int64) (*pickup.Parent, string) {
	parent, err := t.dir.GetParentByTelegramID(ctx, telegramID)
	if errors.Is(err, pickup.ErrNotFound) {
		return nil, "You are not registered. Please contact the school office."
	}
	if err != nil {
		t.logger.ErrorContext(ctx, "lookup parent failed", "telegram_id", telegramID, "error", err)
		return nil, "Something went wrong. Please try again later."
	}
	if parent.IsBlocked {
		audit.Record(ctx, "pickup.request", audit.OutcomeDenied, fmt.Sprintf("parent=%d blocked", parent.ID))
		return nil, "Your account is blocked. Please contact the school office."
	}
	if !parent.IsVerified {
		return nil, "Your account is awaiting verification by the school."
	}
	return parent, ""
}

func (t *TelegramChannel) startPickup(ctx context.Context, chatID, from int64) {
	parent, refusal := t.parentFor(ctx, from)
	if parent == nil {
		t.reply(chatID, refusal)
		return
	}
	children, err := t.dir.ListChildren(ctx, parent.ID)
	if err != nil {
		t.logger.ErrorContext(ctx, "list children failed", "parent_id", parent.ID, "error", err)
		t.reply(chatID, "Something went wrong. Please try again later.")
		return
	}
	if len(children) == 0 {
		t.reply(chatID, "No children are linked to your account.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Who are you picking up?")
	kb := childKeyboard(children)
	msg.ReplyMarkup = &kb
	t.send(msg)
}

func childKeyboard(children []pickup.Child) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(children))
	for _, c := range children {
		label := c.FullName
		if c.ClassName != "" {
			label = fmt.Sprintf("%s (%s)", c.FullName, c.ClassName)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("pc:%d", c.ID)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func minutesKeyboard(childID int64) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, m := range arrivalChoices {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d min", m), fmt.Sprintf("pt:%d:%d", childID, m)))
		if len(row) == 4 || i == len(arrivalChoices)-1 {
			rows = append(rows, row)
			row = nil
		}
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func guardKeyboard(requestID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Handed over", "done:"+requestID),
	))
}

// callback is a parsed inline button payload.
type callback struct {
	kind      string // "pc", "pt" or "done"
	childID   int64
	minutes   int
	requestID string
}

func parseCallback(data string) (callback, error) {
	parts := strings.Split(data, ":")
	switch parts[0] {
	case "pc":
		if len(parts) != 2 {
			break
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return callback{}, fmt.Errorf("bad child id in %q", data)
		}
		return callback{kind: "pc", childID: id}, nil
	case "pt":
		if len(parts) != 3 {
			break
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return callback{}, fmt.Errorf("bad child id in %q", data)
		}
		m, err := strconv.Atoi(parts[2])
		if err != nil {
			return callback{}, fmt.Errorf("bad minutes in %q", data)
		}
		return callback{kind: "pt", childID: id, minutes: m}, nil
	case "done":
		id := strings.TrimPrefix(data, "done:")
		if id == "" || id == data {
			break
		}
		return callback{kind: "done", requestID: id}, nil
	}
	return callback{}, fmt.Errorf("unknown callback %q", data)
}

func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, q *tgbotapi.CallbackQuery) {
	cb, err := parseCallback(q.Data)
	if err != nil {
		t.logger.DebugContext(ctx, "ignoring callback", "error", err)
		t.answer(q.ID, "", false)
		return
	}
	ctx = shared.WithOperator(ctx, operatorName(q.From))

	var chatID int64
	var messageID int
	if q.Message != nil {
		chatID = q.Message.Chat.ID
		messageID = q.Message.MessageID
	}

	switch cb.kind {
	case "pc":
		parent, refusal := t.parentFor(ctx, q.From.ID)
		if parent == nil {
			t.answer(q.ID, refusal, true)
			return
		}
		child, err := t.dir.GetChild(ctx, cb.childID)
		if err != nil || child.ParentID != parent.ID {
			t.answer(q.ID, "This child is not linked to your account.", true)
			return
		}
		t.answer(q.ID, "", false)
		t.edit(chatID, messageID, fmt.Sprintf("%s: when will you arrive?", child.FullName), minutesKeyboard(child.ID))

	case "pt":
		parent, refusal := t.parentFor(ctx, q.From.ID)
		if parent == nil {
			t.answer(q.ID, refusal, true)
			return
		}
		svc := t.service()
		if svc == nil {
			t.answer(q.ID, "The service is starting, please try again.", true)
			return
		}
		res, err := svc.RequestPickup(ctx, parent.ID, cb.childID, cb.minutes, t.now())
		if err != nil {
			t.logger.WarnContext(ctx, "pickup request failed", "parent_id", parent.ID, "child_id", cb.childID, "error", err)
			audit.Record(ctx, "pickup.request", audit.OutcomeFailed, fmt.Sprintf("parent=%d child=%d", parent.ID, cb.childID))
			t.answer(q.ID, "Could not send the request. Please try again.", true)
			return
		}
		audit.Record(ctx, "pickup.request", audit.OutcomeOK, res.Request.ID)
		t.answer(q.ID, "", false)
		t.edit(chatID, messageID, pickup.AckMessage(res.Child, res.Request.ArrivalMinutes, res.Updated), tgbotapi.InlineKeyboardMarkup{})

	case "done":
		if !t.isGuard(q.From.ID, chatID) {
			audit.Record(ctx, "pickup.handoff", audit.OutcomeDenied, cb.requestID)
			t.answer(q.ID, "Only staff can confirm a handoff.", true)
			return
		}
		t.completeHandoff(ctx, q, cb.requestID)
	}
}

func (t *TelegramChannel) completeHandoff(ctx context.Context, q *tgbotapi.CallbackQuery, requestID string) {
	svc := t.service()
	if svc == nil {
		t.answer(q.ID, "The service is starting, please try again.", true)
		return
	}
	operator := operatorName(q.From)
	_, err := svc.CompleteHandoff(ctx, requestID, operator, t.now())
	switch {
	case err == nil:
		audit.Record(ctx, "pickup.handoff", audit.OutcomeOK, requestID)
		t.answer(q.ID, "Handed over.", false)
	case errors.Is(err, pickup.ErrAlreadyDone):
		audit.Record(ctx, "pickup.handoff", audit.OutcomeNoop, requestID)
		t.answer(q.ID, "Already handed over.", false)
	case errors.Is(err, pickup.ErrNotFound):
		t.answer(q.ID, "Request not found.", true)
	case errors.Is(err, pickup.ErrInvalidState):
		audit.Record(ctx, "pickup.handoff", audit.OutcomeFailed, requestID)
		t.answer(q.ID, "This request can no longer be handed over.", true)
	default:
		t.logger.ErrorContext(ctx, "handoff failed", "request_id", requestID, "error", err)
		audit.Record(ctx, "pickup.handoff", audit.OutcomeFailed, requestID)
		t.answer(q.ID, "Something went wrong. Please try again.", true)
	}
}

func (t *TelegramChannel) handleVoice(ctx context.Context, chatID int64, arg string) {
	svc := t.service()
	if svc == nil {
		t.reply(chatID, "The service is starting, please try again.")
		return
	}
	if arg == "" {
		t.reply(chatID, fmt.Sprintf("Voice mode: %s", svc.VoiceMode()))
		return
	}
	mode, err := policy.ParseVoiceMode(arg)
	if err != nil {
		t.reply(chatID, "Usage: /voice auto|on|off")
		return
	}
	if err := svc.SetVoiceMode(ctx, mode, "telegram"); err != nil {
		t.logger.WarnContext(ctx, "voice mode not persisted", "mode", mode, "error", err)
		audit.Record(ctx, "voice.set", audit.OutcomeFailed, string(mode))
		t.reply(chatID, fmt.Sprintf("Voice mode set to %s, but it could not be saved and will reset on restart.", mode))
		return
	}
	audit.Record(ctx, "voice.set", audit.OutcomeOK, string(mode))
	t.reply(chatID, fmt.Sprintf("Voice mode set to %s.", mode))
}

func (t *TelegramChannel) listOpen(ctx context.Context, chatID int64) {
	reqs, err := t.dir.ListPickups(ctx, pickup.Filter{Limit: 200})
	if err != nil {
		t.logger.ErrorContext(ctx, "list pickups failed", "error", err)
		t.reply(chatID, "Something went wrong. Please try again later.")
		return
	}
	var b strings.Builder
	n := 0
	for _, r := range reqs {
		if !r.Status.IsOpen() {
			continue
		}
		name := strconv.FormatInt(r.ChildID, 10)
		if child, err := t.dir.GetChild(ctx, r.ChildID); err == nil {
			name = child.FullName
		}
		n++
		fmt.Fprintf(&b, "%d. %s, %d min, %s, announced %d times\n", n, name, r.ArrivalMinutes, r.Status, r.AnnounceCount)
	}
	if n == 0 {
		t.reply(chatID, "No open pickup requests.")
		return
	}
	t.reply(chatID, strings.TrimRight(b.String(), "\n"))
}

// watchEvents tells admins about voice mode changes made outside Telegram
// and drops guard card ids once an expiry sweep closed their requests.
func (t *TelegramChannel) watchEvents(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe(bus.TopicVoiceModeChanged, bus.TopicPickupExpired)
	defer t.eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.VoiceModeEvent:
				if p.Source == "telegram" {
					continue
				}
				for id := range t.admins {
					t.reply(id, fmt.Sprintf("Voice mode changed to %s (%s).", p.Mode, p.Source))
				}
			case bus.ExpiredEvent:
				t.pruneGuardCards(ctx)
			}
		}
	}
}

func (t *TelegramChannel) pruneGuardCards(ctx context.Context) {
	n, err := t.dir.PruneRequestKeys(ctx, guardMsgPrefix)
	if err != nil {
		t.logger.WarnContext(ctx, "prune guard card ids failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.DebugContext(ctx, "pruned guard card ids", "count", n)
	}
}

const guardMsgPrefix = "guard_msg:"

func guardMsgKey(requestID string) string {
	return guardMsgPrefix + requestID
}

// NotifyGuards posts a new card with the handoff control to the guard chat.
func (t *TelegramChannel) NotifyGuards(ctx context.Context, n pickup.GuardNotice) error {
	bot := t.api()
	if bot == nil {
		return errors.New("telegram not connected")
	}
	if t.guardChatID == 0 {
		return errors.New("guard chat not configured")
	}
	msg := tgbotapi.NewMessage(t.guardChatID, pickup.GuardText(n))
	kb := guardKeyboard(n.Request.ID)
	msg.ReplyMarkup = &kb
	sent, err := bot.Send(msg)
	if err != nil {
		return fmt.Errorf("send guard card: %w", err)
	}
	if err := t.dir.KVSet(ctx, guardMsgKey(n.Request.ID), strconv.Itoa(sent.MessageID)); err != nil {
		t.logger.WarnContext(ctx, "remember guard card failed", "request_id", n.Request.ID, "error", err)
	}
	return nil
}

// UpdateGuards edits the card posted for the request. The handoff control is
// removed once the request is handed over. Without a known card it posts a
// new one.
func (t *TelegramChannel) UpdateGuards(ctx context.Context, n pickup.GuardNotice) error {
	bot := t.api()
	if bot == nil {
		return errors.New("telegram not connected")
	}
	key := guardMsgKey(n.Request.ID)
	raw, err := t.dir.KVGet(ctx, key)
	if err != nil {
		return fmt.Errorf("load guard card id: %w", err)
	}
	if n.Kind == pickup.NoticeHandedOver {
		// The card is final after this edit.
		defer func() {
			if err := t.dir.KVDelete(ctx, key); err != nil {
				t.logger.WarnContext(ctx, "forget guard card failed", "request_id", n.Request.ID, "error", err)
			}
		}()
	}
	messageID, convErr := strconv.Atoi(raw)
	if raw == "" || convErr != nil {
		if n.Kind == pickup.NoticeHandedOver {
			return nil
		}
		return t.NotifyGuards(ctx, n)
	}

	text := pickup.GuardText(n)
	var edit tgbotapi.EditMessageTextConfig
	if n.Kind == pickup.NoticeHandedOver {
		edit = tgbotapi.NewEditMessageText(t.guardChatID, messageID, text)
	} else {
		edit = tgbotapi.NewEditMessageTextAndMarkup(t.guardChatID, messageID, text, guardKeyboard(n.Request.ID))
	}
	if _, err := bot.Send(edit); err != nil {
		return fmt.Errorf("edit guard card: %w", err)
	}
	return nil
}

// NotifyParent sends text to the parent's private chat.
func (t *TelegramChannel) NotifyParent(ctx context.Context, telegramID int64, text string) error {
	bot := t.api()
	if bot == nil {
		return errors.New("telegram not connected")
	}
	if _, err := bot.Send(tgbotapi.NewMessage(telegramID, text)); err != nil {
		return fmt.Errorf("send parent message: %w", err)
	}
	return nil
}

func (t *TelegramChannel) send(c tgbotapi.Chattable) {
	bot := t.api()
	if bot == nil {
		return
	}
	if _, err := bot.Send(c); err != nil {
		t.logger.Error("failed to send telegram message", "error", err)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	t.send(tgbotapi.NewMessage(chatID, text))
}

// edit replaces a message's text. An empty keyboard removes the buttons.
func (t *TelegramChannel) edit(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) {
	if messageID == 0 {
		t.reply(chatID, text)
		return
	}
	if len(kb.InlineKeyboard) == 0 {
		t.send(tgbotapi.NewEditMessageText(chatID, messageID, text))
		return
	}
	t.send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, kb))
}

func (t *TelegramChannel) answer(queryID, text string, alert bool) {
	bot := t.api()
	if bot == nil {
		return
	}
	cfg := tgbotapi.NewCallback(queryID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(queryID, text)
	}
	if _, err := bot.Request(cfg); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}

func operatorName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "tg:" + u.UserName
	}
	return "tg:" + strconv.FormatInt(u.ID, 10)
}
