package actor

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"IMProject/logger"
	"IMProject/module/chat/missed"
	"IMProject/module/chat/model"
	"IMProject/tools/errs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewMessageReq 入站消息
type NewMessageReq struct {
	Sender          string
	Kind            model.MessageKind // 缺省 normal
	Body            string
	Attachments     []model.Attachment
	ClientMessageID string // 缺省生成
	ReplyTo         *int64
}

// NewMessageResult 追加结果
type NewMessageResult struct {
	MessageID       int64  `json:"messageId"`
	ClientMessageID string `json:"clientMessageId"`
	Timestamp       int64  `json:"timestamp"`
}

// Snapshot 会话列表视图的一行
type Snapshot struct {
	ChatID              string   `json:"chatId"`
	Type                int32    `json:"type"`
	Participants        []string `json:"participants"`
	LastMessageID       int64    `json:"lastMessageId"` // -1 = 还没有消息
	Preview             string   `json:"preview,omitempty"`
	Status              string   `json:"status,omitempty"` // read / unread / undelivered / deleted
	Missed              int64    `json:"missed"`
	FirstMissedClientID string   `json:"firstMissedClientId,omitempty"`
}

// Create 幂等建会话。成员校验失败什么都不落盘。
func (a *Actor) Create(ctx context.Context, convType int32, participants []string) (*model.Conversation, error) {
	var out *model.Conversation
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.ensureLoaded(ctx); err != nil {
			return err
		}
		if a.state == stateReady {
			out = a.meta
			return nil
		}
		if convType == model.ConvTypeDialog && len(participants) != 2 {
			return errs.ErrInvalidRequest.WrapMsg("dialog needs exactly two participants", "chat", a.id)
		}
		if len(participants) < 2 {
			return errs.ErrInvalidRequest.WrapMsg("too few participants", "chat", a.id)
		}
		for _, p := range participants {
			ok, err := a.dir.Exists(ctx, p)
			if err != nil {
				return errs.ErrFatalInit.WrapMsg("participant lookup failed", "user", p, "cause", err)
			}
			if !ok {
				return errs.ErrFatalInit.WrapMsg("participant unknown", "user", p)
			}
		}
		conv := &model.Conversation{
			ID:           a.id,
			Type:         convType,
			Participants: participants,
			CreatedAt:    a.nowMS(),
		}
		raw, err := json.Marshal(conv)
		if err != nil {
			return errs.Wrap(err)
		}
		if err := a.kv.Put(ctx, keyConversation, raw); err != nil {
			return err
		}
		if err := a.becomeReady(ctx, conv); err != nil {
			return err
		}
		// 每个成员的会话列表要长出这一行
		payload, _ := json.Marshal(&model.UpdateChatPayload{
			ChatID:       a.id,
			Type:         conv.Type,
			Participants: conv.Participants,
			Timestamp:    conv.CreatedAt,
		})
		for _, p := range conv.Participants {
			a.dispatch(ctx, &model.OutboxEvent{
				Type:      model.EventUpdateChat,
				Receiver:  p,
				Payload:   payload,
				Timestamp: conv.CreatedAt,
			})
		}
		out = conv
		return nil
	})
	return out, err
}

// NewMessage 追加消息并通知对端。作者切换时把前一个块隐式标已读
// （回复即已读），不单独派发状态事件。派发故障只记日志，
// 本地写已提交绝不回滚。
func (a *Actor) NewMessage(ctx context.Context, req *NewMessageReq) (*NewMessageResult, error) {
	var out *NewMessageResult
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.requireReady(ctx); err != nil {
			return err
		}
		if err := a.requireParticipant(req.Sender); err != nil {
			return err
		}
		now := a.nowMS()
		kind := req.Kind
		if kind == "" {
			kind = model.KindNormal
		}
		clientID := req.ClientMessageID
		if clientID == "" {
			clientID = uuid.NewString()
		}

		prev := a.log.Last()
		if prev != nil && prev.Sender != req.Sender {
			if err := a.appendRead(ctx, req.Sender, prev.ID, now); err != nil {
				return err
			}
		}

		m := &model.Message{
			Sender:          req.Sender,
			Kind:            kind,
			Body:            req.Body,
			Attachments:     req.Attachments,
			ClientMessageID: clientID,
			ReplyTo:         req.ReplyTo,
			CreatedAt:       now,
		}
		id, err := a.log.Append(ctx, m)
		if err != nil {
			return err
		}
		a.missed.OnAppend(prev, m)

		a.notifyNew(ctx, m)
		out = &NewMessageResult{MessageID: id, ClientMessageID: clientID, Timestamp: now}
		return nil
	})
	return out, err
}

// notifyNew 给每个对端推 new 事件，负载里带上对方刚算好的未读数
func (a *Actor) notifyNew(ctx context.Context, m *model.Message) {
	for _, receiver := range a.meta.Others(m.Sender) {
		res, err := a.missed.Compute(ctx, receiver)
		if err != nil {
			logger.Error("missed compute failed", zap.String("chat", a.id), zap.String("user", receiver), zap.Error(err))
			res = &missed.Result{}
		}
		payload, _ := json.Marshal(&model.NewEventPayload{
			ChatID:          a.id,
			MessageID:       m.ID,
			ClientMessageID: m.ClientMessageID,
			Sender:          m.Sender,
			Preview:         preview(m),
			Timestamp:       m.CreatedAt,
			Missed:          res.Missed,
			FirstMissedID:   res.FirstMissedClientID,
		})
		a.dispatch(ctx, &model.OutboxEvent{
			Type:      model.EventNew,
			Sender:    m.Sender,
			Receiver:  receiver,
			Payload:   payload,
			Timestamp: m.CreatedAt,
		})
	}
}

// Dlvrd 推进送达水位。target < 0 取最新消息。
func (a *Actor) Dlvrd(ctx context.Context, user string, target int64) error {
	return a.mark(ctx, user, model.MarkDlvrd, target)
}

// Read 推进已读水位。读到 N 蕴含送达到 N，所以同时推进 dlvrd。
func (a *Actor) Read(ctx context.Context, user string, target int64) error {
	return a.mark(ctx, user, model.MarkRead, target)
}

func (a *Actor) mark(ctx context.Context, user string, kind model.MarkKind, target int64) error {
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.requireReady(ctx); err != nil {
			return err
		}
		if err := a.requireParticipant(user); err != nil {
			return err
		}
		counter := a.log.Counter()
		if target < 0 {
			target = counter - 1
		}
		if target < 0 {
			return nil // 还没有消息，无事可标
		}
		if target >= counter {
			return errs.ErrInvalidRequest.WrapMsg("message not yet assigned", "chat", a.id, "messageId", target)
		}
		now := a.nowMS()

		var advanced bool
		var err error
		if kind == model.MarkRead {
			advanced, err = a.marks.Append(ctx, user, model.MarkRead, target, now)
			if err != nil {
				return err
			}
			if _, err = a.marks.Append(ctx, user, model.MarkDlvrd, target, now); err != nil {
				return err
			}
		} else {
			advanced, err = a.marks.Append(ctx, user, model.MarkDlvrd, target, now)
			if err != nil {
				return err
			}
		}
		if !advanced {
			return nil // 水位没动，重放不产生第二次通知
		}
		a.notifyStatus(ctx, user, kind, target, now)
		return nil
	})
}

// appendRead 隐式已读：read + dlvrd 同步推进，不派发事件
func (a *Actor) appendRead(ctx context.Context, user string, target, now int64) error {
	if _, err := a.marks.Append(ctx, user, model.MarkRead, target, now); err != nil {
		return err
	}
	_, err := a.marks.Append(ctx, user, model.MarkDlvrd, target, now)
	return err
}

// notifyStatus 水位前进后的状态派发。Dialog 无条件发给对端；
// Group 只在除作者外全员覆盖后发给作者一条，避免每次 ack 都扇出。
func (a *Actor) notifyStatus(ctx context.Context, user string, kind model.MarkKind, target, now int64) {
	evType := model.EventDlvrd
	if kind == model.MarkRead {
		evType = model.EventRead
	}
	payload, _ := json.Marshal(&model.StatusEventPayload{
		ChatID:    a.id,
		MessageID: target,
		UserID:    user,
		Timestamp: now,
	})

	if a.meta.Type != model.ConvTypeGroup {
		for _, receiver := range a.meta.Others(user) {
			a.dispatch(ctx, &model.OutboxEvent{
				Type: evType, Sender: user, Receiver: receiver,
				Payload: payload, Timestamp: now,
			})
		}
		return
	}

	m, err := a.log.Get(ctx, target)
	if err != nil || m == nil {
		if err != nil {
			logger.Error("status target fetch failed", zap.String("chat", a.id), zap.Error(err))
		}
		return
	}
	if m.Sender == user {
		return
	}
	for _, p := range a.meta.Others(m.Sender) {
		if !a.marks.Covered(p, kind, target) {
			return
		}
	}
	a.dispatch(ctx, &model.OutboxEvent{
		Type: evType, Sender: user, Receiver: m.Sender,
		Payload: payload, Timestamp: now,
	})
}

// DeleteMessage 原地涂抹 + 追加一条 delete 服务消息，返回服务消息号
func (a *Actor) DeleteMessage(ctx context.Context, sender string, originalID int64) (int64, error) {
	return a.mutate(ctx, sender, originalID, "", model.KindDelete)
}

// EditMessage 原地改写 + 追加一条 edit 服务消息，返回服务消息号
func (a *Actor) EditMessage(ctx context.Context, sender string, originalID int64, body string) (int64, error) {
	return a.mutate(ctx, sender, originalID, body, model.KindEdit)
}

func (a *Actor) mutate(ctx context.Context, sender string, originalID int64, body string, kind model.MessageKind) (int64, error) {
	var svcID int64
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.requireReady(ctx); err != nil {
			return err
		}
		if err := a.requireParticipant(sender); err != nil {
			return err
		}
		if originalID < 0 || originalID >= a.log.Counter() {
			return errs.ErrInvalidRequest.WrapMsg("message not yet assigned", "chat", a.id, "messageId", originalID)
		}
		orig, err := a.log.Get(ctx, originalID)
		if err != nil {
			return err
		}
		if orig == nil {
			return errs.ErrNotFound.WrapMsg("message slot missing", "chat", a.id, "messageId", originalID)
		}
		if orig.Sender != sender {
			return errs.ErrInvalidRequest.WrapMsg("not the author", "chat", a.id, "messageId", originalID)
		}
		now := a.nowMS()

		// 涂抹同号槽位，槽位本身永不消失
		if kind == model.KindDelete {
			orig.Body = ""
			orig.Attachments = nil
			orig.DeletedAt = now
		} else {
			orig.Body = body
			orig.UpdatedAt = now
		}
		if err := a.log.Put(ctx, orig); err != nil {
			return err
		}

		prev := a.log.Last()
		svc := &model.Message{
			Sender:          sender,
			Kind:            kind,
			Body:            body,
			ClientMessageID: uuid.NewString(),
			OriginalID:      &originalID,
			CreatedAt:       now,
		}
		id, err := a.log.Append(ctx, svc)
		if err != nil {
			return err
		}
		a.missed.OnAppend(prev, svc)
		svcID = id

		evType := model.EventDelete
		if kind == model.KindEdit {
			evType = model.EventEdit
		}
		payload, _ := json.Marshal(&model.MutationEventPayload{
			ChatID:     a.id,
			MessageID:  id,
			OriginalID: originalID,
			Body:       body,
			Timestamp:  now,
		})
		for _, receiver := range a.meta.Others(sender) {
			a.dispatch(ctx, &model.OutboxEvent{
				Type: evType, Sender: sender, Receiver: receiver,
				Payload: payload, Timestamp: now,
			})
		}
		return nil
	})
	return svcID, err
}

// CloseCall 结束一通 call 消息并派发 closeCall 状态事件
func (a *Actor) CloseCall(ctx context.Context, sender string, callID int64) error {
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.requireReady(ctx); err != nil {
			return err
		}
		if err := a.requireParticipant(sender); err != nil {
			return err
		}
		if callID < 0 || callID >= a.log.Counter() {
			return errs.ErrInvalidRequest.WrapMsg("message not yet assigned", "chat", a.id, "messageId", callID)
		}
		m, err := a.log.Get(ctx, callID)
		if err != nil {
			return err
		}
		if m == nil || m.Kind != model.KindCall {
			return errs.ErrInvalidRequest.WrapMsg("not a call message", "chat", a.id, "messageId", callID)
		}
		now := a.nowMS()
		if m.UpdatedAt != 0 {
			return nil // 已经结束过，重放无事发生
		}
		m.UpdatedAt = now
		if err := a.log.Put(ctx, m); err != nil {
			return err
		}
		payload, _ := json.Marshal(&model.StatusEventPayload{
			ChatID:    a.id,
			MessageID: callID,
			UserID:    sender,
			Timestamp: now,
		})
		for _, receiver := range a.meta.Others(sender) {
			a.dispatch(ctx, &model.OutboxEvent{
				Type: model.EventCloseCall, Sender: sender, Receiver: receiver,
				Payload: payload, Timestamp: now,
			})
		}
		return nil
	})
}

// GetMessages 区间拉取。end 缺省取最新，start 缺省按页大小回推。
// 被涂抹的槽位原样返回（空 body），区间里不会出现空洞。
func (a *Actor) GetMessages(ctx context.Context, start, end, count int64) ([]*model.Message, error) {
	var out []*model.Message
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.requireReady(ctx); err != nil {
			return err
		}
		counter := a.log.Counter()
		if counter == 0 {
			out = []*model.Message{}
			return nil
		}
		if count <= 0 {
			count = int64(a.opts.PageCount)
		}
		if end < 0 || end >= counter {
			end = counter - 1
		}
		if start < 0 {
			start = end - count + 1
		}
		if start < 0 {
			start = 0
		}
		msgs, err := a.log.GetRange(ctx, start, end)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}

// Chat 会话列表一行的快照
func (a *Actor) Chat(ctx context.Context, user string) (*Snapshot, error) {
	var out *Snapshot
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.requireReady(ctx); err != nil {
			return err
		}
		if err := a.requireParticipant(user); err != nil {
			return err
		}
		snap := &Snapshot{
			ChatID:        a.id,
			Type:          a.meta.Type,
			Participants:  a.meta.Participants,
			LastMessageID: model.NoMark,
		}
		last := a.log.Last()
		if last != nil {
			snap.LastMessageID = last.ID
			// 删改会在尾部追加服务消息，状态和预览看的是
			// 最近一条内容消息
			content, err := a.lastContent(ctx, last)
			if err != nil {
				return err
			}
			if content != nil {
				snap.Preview = preview(content)
				snap.Status = a.lastStatus(content)
			}
		}
		res, err := a.missed.Compute(ctx, user)
		if err != nil {
			return err
		}
		snap.Missed = res.Missed
		snap.FirstMissedClientID = res.FirstMissedClientID
		out = snap
		return nil
	})
	return out, err
}

// lastContent 从尾部回溯最近一条非服务消息；整个日志都是服务消息时返回 nil
func (a *Actor) lastContent(ctx context.Context, last *model.Message) (*model.Message, error) {
	for id := last.ID; id >= 0; id-- {
		m, err := a.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil && !m.IsService() {
			return m, nil
		}
	}
	return nil, nil
}

// lastStatus 内容消息的状态分级：deleted > read > unread(已送达) > undelivered
func (a *Actor) lastStatus(last *model.Message) string {
	if last.Redacted() {
		return "deleted"
	}
	others := a.meta.Others(last.Sender)
	allRead, allDlvrd := true, true
	for _, p := range others {
		if !a.marks.Covered(p, model.MarkRead, last.ID) {
			allRead = false
		}
		if !a.marks.Covered(p, model.MarkDlvrd, last.ID) {
			allDlvrd = false
		}
	}
	switch {
	case allRead:
		return "read"
	case allDlvrd:
		return "unread"
	default:
		return "undelivered"
	}
}

// dispatch 统一的派发出口。故障按投递故障处理：记日志，不回滚、
// 不打断调用方（Group 会留队重试，Dialog 由上层自行决定）。
func (a *Actor) dispatch(ctx context.Context, ev *model.OutboxEvent) {
	if err := a.outbox.Push(ctx, ev); err != nil {
		logger.Warn("event dispatch fault",
			zap.String("chat", a.id),
			zap.String("type", string(ev.Type)),
			zap.String("receiver", ev.Receiver),
			zap.Error(err))
	}
}

const previewLimit = 64

func preview(m *model.Message) string {
	if m.Redacted() {
		return ""
	}
	body := m.Body
	if utf8.RuneCountInString(body) <= previewLimit {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewLimit])
}
