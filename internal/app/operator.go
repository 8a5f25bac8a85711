package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"lp-rebalance-bot/internal/alerts"
	"lp-rebalance-bot/internal/exec"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/ledger"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	operatorDeadline  = 10 * time.Minute
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	PoolID       string    `json:"pool_id,omitempty"`
	Level        *int      `json:"level,omitempty"`
	Nonce        uint64    `json:"nonce,omitempty"`
	Handle       string    `json:"handle,omitempty"`
	PositionID   string    `json:"position_id,omitempty"`
}

func (m operatorMeta) audit(action string, now time.Time) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID: m.UpdateID,
		Time:     now.UTC(),
		Action:   action,
		Command:  m.Raw,
		UserID:   m.UserID,
		Username: m.Username,
		ChatID:   m.ChatID,
	}
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			if !sleepCtx(ctx, pollInterval) {
				return
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /cmd@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		ev := meta.audit("pause", a.clock())
		ev.PausedBefore, ev.PausedAfter = before, after
		a.auditOperatorEvent(ctx, ev)
		if before {
			return "rebalancing already paused", nil
		}
		return "rebalancing paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		ev := meta.audit("resume", a.clock())
		ev.PausedBefore, ev.PausedAfter = before, after
		a.auditOperatorEvent(ctx, ev)
		if !before {
			return "rebalancing already active", nil
		}
		return "rebalancing resumed", nil
	case "levels":
		return a.handleLevelsCommand(args)
	case "cancel":
		return a.handleCancelCommand(ctx, args, meta)
	case "recover":
		return a.handleRecoverCommand(ctx, args, meta)
	case "open":
		return a.handleOpenCommand(ctx, args, meta)
	case "increase":
		return a.handleIncreaseCommand(ctx, args, meta)
	case "collect":
		return a.handleCollectCommand(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleLevelsCommand(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /levels <pool>")
	}
	poolID := args[0]
	levels, err := a.ledger.Levels(poolID)
	if err != nil {
		return "", err
	}
	now := a.clock()
	percents := a.ledger.LevelPercents()
	lines := []string{fmt.Sprintf("pool %s:", poolID)}
	for i, lvl := range levels {
		line := fmt.Sprintf("L%d ±%d%% ref=%s last=%s dev=%dbps nonce=%d %s",
			i, percents[i], wadText(lvl.ReferencePrice), wadText(lvl.LastPrice),
			lvl.LastDeviationBps, lvl.Nonce, lvl.Status(now, a.ledger.Timeout()))
		if lvl.Pending {
			line += " candidate=" + wadText(lvl.PendingReferencePrice)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) handleCancelCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /cancel <pool> <level>")
	}
	level, err := strconv.Atoi(args[1])
	if err != nil {
		return "", fmt.Errorf("level: %w", err)
	}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	st, err := a.ledger.Cancel(callCtx, a.operator, args[0], level)
	if err != nil {
		if errors.Is(err, ledger.ErrNoPending) {
			return fmt.Sprintf("no pending reposition for %s level %d", args[0], level), nil
		}
		return "", err
	}
	ev := meta.audit("cancel", a.clock())
	ev.PoolID, ev.Level, ev.Nonce = args[0], &level, st.Nonce
	a.auditOperatorEvent(ctx, ev)
	a.metrics.PendingRepositions.Set(float64(len(a.ledger.Pending())))
	return fmt.Sprintf("cancelled %s level %d (nonce %d)", args[0], level, st.Nonce), nil
}

func (a *App) handleRecoverCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", errors.New("usage: /recover <handle> [position]")
	}
	handle := args[0]
	position := ""
	if len(args) == 2 {
		position = args[1]
	}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	if err := a.exec.RecoverStuck(callCtx, a.operator, handle, position); err != nil {
		return "", err
	}
	ev := meta.audit("recover", a.clock())
	ev.Handle, ev.PositionID = handle, position
	a.auditOperatorEvent(ctx, ev)
	return fmt.Sprintf("recovered %s", handle), nil
}

func (a *App) handleOpenCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 6 {
		return "", errors.New("usage: /open <pool> <level> <tick_lower> <tick_upper> <amount0> <amount1>")
	}
	poolID := args[0]
	if _, ok := a.ledger.Pool(poolID); !ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrUnknownPool, poolID)
	}
	level, err := strconv.Atoi(args[1])
	if err != nil || level < 0 || level >= ledger.LevelCount {
		return "", fmt.Errorf("%w: %s", ledger.ErrInvalidLevel, args[1])
	}
	lower, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return "", fmt.Errorf("tick_lower: %w", err)
	}
	upper, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return "", fmt.Errorf("tick_upper: %w", err)
	}
	amount0, err := parseAmount(args[4])
	if err != nil {
		return "", fmt.Errorf("amount0: %w", err)
	}
	amount1, err := parseAmount(args[5])
	if err != nil {
		return "", fmt.Errorf("amount1: %w", err)
	}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	pos, err := a.exec.Open(callCtx, a.operator, exec.OpenRequest{
		PoolID:    poolID,
		Level:     level,
		FeeTier:   a.pools[poolID].FeeTier,
		TickLower: lower,
		TickUpper: upper,
		Amount0:   amount0,
		Amount1:   amount1,
		Deadline:  a.clock().Add(operatorDeadline),
	})
	if err != nil {
		return "", err
	}
	ev := meta.audit("open", a.clock())
	ev.PoolID, ev.Level, ev.PositionID = poolID, &level, pos.ID
	a.auditOperatorEvent(ctx, ev)
	return fmt.Sprintf("opened %s on %s level %d [%d, %d] liquidity=%s",
		pos.ID, poolID, level, pos.TickLower, pos.TickUpper, amountText(pos.Liquidity)), nil
}

func (a *App) handleIncreaseCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 3 {
		return "", errors.New("usage: /increase <position> <amount0> <amount1>")
	}
	amount0, err := parseAmount(args[1])
	if err != nil {
		return "", fmt.Errorf("amount0: %w", err)
	}
	amount1, err := parseAmount(args[2])
	if err != nil {
		return "", fmt.Errorf("amount1: %w", err)
	}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	pos, err := a.exec.Increase(callCtx, a.operator, args[0], amount0, amount1, a.clock().Add(operatorDeadline))
	if err != nil {
		return "", err
	}
	ev := meta.audit("increase", a.clock())
	ev.PoolID, ev.PositionID = pos.PoolID, pos.ID
	a.auditOperatorEvent(ctx, ev)
	return fmt.Sprintf("increased %s liquidity=%s", pos.ID, amountText(pos.Liquidity)), nil
}

func (a *App) handleCollectCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /collect <position>")
	}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	rec, err := a.exec.CollectFees(callCtx, a.operator, args[0])
	if err != nil {
		return "", err
	}
	ev := meta.audit("collect", a.clock())
	ev.PositionID = args[0]
	a.auditOperatorEvent(ctx, ev)
	return fmt.Sprintf("collected %s fees0=%s fees1=%s tx=%s",
		args[0], amountText(rec.Amount0), amountText(rec.Amount1), rec.TxHash), nil
}

// parseAmount reads a raw token amount in base units.
func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (a *App) operatorStatus() string {
	if a.cfg == nil || a.ledger == nil {
		return "status unavailable"
	}
	breaker := "n/a"
	if a.decider != nil {
		breaker = a.decider.Breaker().State().String()
	}
	pools := a.ledger.Pools()
	ids := make([]string, 0, len(pools))
	for _, p := range pools {
		ids = append(ids, p.ID)
	}
	lines := []string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("shadow_mode: %t", a.shadow()),
		fmt.Sprintf("pools: %s", strings.Join(ids, ", ")),
		fmt.Sprintf("pending_repositions: %d", len(a.ledger.Pending())),
		fmt.Sprintf("decision_breaker: %s", breaker),
	}
	if a.exec != nil {
		lines = append(lines, fmt.Sprintf("stuck_handles: %d", len(a.exec.Stuck())))
	}
	for _, p := range a.ledger.Pending() {
		lines = append(lines, fmt.Sprintf("pending %s L%d nonce=%d candidate=%s expires=%s",
			p.PoolID, p.Level, p.Nonce, fixedpoint.FormatWAD(p.CandidatePrice), p.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - loop, ledger and executor status",
		"/pause - stop starting new cycles",
		"/resume - resume cycles",
		"/levels <pool> - per-level reference prices and nonces",
		"/cancel <pool> <level> - cancel a pending reposition",
		"/recover <handle> [position] - retry cleanup of stuck capital",
		"/open <pool> <level> <tick_lower> <tick_upper> <amount0> <amount1> - mint a new position",
		"/increase <position> <amount0> <amount1> - add liquidity",
		"/collect <position> - collect accrued fees",
	}, "\n")
}

func (a *App) clock() time.Time {
	if a.now == nil {
		return time.Now()
	}
	return a.now()
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.log == nil || a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
