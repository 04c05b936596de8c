// Package dispatcher 把命令登记到台账后发布到交易所命令 Stream
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/exchange/orchestrator/internal/config"
	"github.com/exchange/orchestrator/internal/metrics"
	"github.com/exchange/orchestrator/internal/model"
	apperrors "github.com/exchange/orchestrator/pkg/errors"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
	"github.com/exchange/orchestrator/pkg/tracing"
)

// Publisher 命令发布
type Publisher interface {
	Publish(ctx context.Context, stream string, env commonredis.Envelope) (string, error)
}

// Ledger 台账登记
type Ledger interface {
	Create(ctx context.Context, opType model.OperationType, payload model.Payload) (*model.AsyncOperation, error)
}

// Dispatcher 命令分发
type Dispatcher struct {
	ledger   Ledger
	pub      Publisher
	topology map[model.Exchange]config.ExchangeTopology
	ttl      time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New 创建分发器，ttl 为命令有效期
func New(ledger Ledger, pub Publisher, bitmex, binance config.ExchangeTopology, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		ledger: ledger,
		pub:    pub,
		topology: map[model.Exchange]config.ExchangeTopology{
			model.ExchangeBitmex:  bitmex,
			model.ExchangeBinance: binance,
		},
		ttl:     ttl,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// CreateAccount 发送创建账户命令
func (d *Dispatcher) CreateAccount(ctx context.Context, exchange model.Exchange, accountID, apiKey, apiSecret string) (string, error) {
	d.logCredentials("[sendCreateAccount] Sending message", exchange, accountID, apiKey, apiSecret)
	opType, _ := model.AccountOperation(exchange, model.AccountCreate)
	return d.send(ctx, exchange, opType, func(t config.ExchangeTopology) string {
		return t.CreateAccountCmdKey
	}, model.AccountCredentialsPayload{AccountID: accountID, APIKey: apiKey, APISecret: apiSecret})
}

// UpdateAccount 发送更新凭证命令
func (d *Dispatcher) UpdateAccount(ctx context.Context, exchange model.Exchange, accountID, apiKey, apiSecret string) (string, error) {
	d.logCredentials("[sendUpdateAccount] Sending message", exchange, accountID, apiKey, apiSecret)
	opType, _ := model.AccountOperation(exchange, model.AccountUpdate)
	return d.send(ctx, exchange, opType, func(t config.ExchangeTopology) string {
		return t.UpdateAccountCmdPrefix + accountID
	}, model.AccountCredentialsPayload{AccountID: accountID, APIKey: apiKey, APISecret: apiSecret})
}

// DeleteAccount 发送删除、停用或清理命令，三者共用删除路由
func (d *Dispatcher) DeleteAccount(ctx context.Context, exchange model.Exchange, accountID string, cmd model.AccountCommand) (string, error) {
	opType, ok := model.AccountOperation(exchange, cmd)
	if !ok || cmd == model.AccountCreate || cmd == model.AccountUpdate {
		return "", d.unsupported(exchange, "account command")
	}
	d.log.Infof("[sendDeleteAccount] Sending message", logger.Fields{
		"exchange":  string(exchange),
		"accountId": accountID,
		"opType":    string(opType),
	})
	return d.send(ctx, exchange, opType, func(t config.ExchangeTopology) string {
		return t.DeleteAccountCmdPrefix + accountID
	}, model.AccountPayload{AccountID: accountID})
}

// CreateOrders 发送订单组
func (d *Dispatcher) CreateOrders(ctx context.Context, exchange model.Exchange, accountID string, orders map[model.LegName]model.OrderLeg) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "order creation")
	}
	d.log.Infof("[sendCreateOrder] Sending message", logger.Fields{"accountId": accountID, "legs": len(orders)})
	return d.send(ctx, exchange, model.OpCreateBitmexOrder, func(t config.ExchangeTopology) string {
		return t.CreateOrderCmdPrefix + accountID
	}, model.OrderLegsPayload{AccountID: accountID, Orders: orders})
}

// UpdateOrder 发送订单修改命令，orderID 为交易所订单号
func (d *Dispatcher) UpdateOrder(ctx context.Context, exchange model.Exchange, accountID, orderID string) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "order update")
	}
	d.log.Infof("[sendUpdateOrder] Sending message", logger.Fields{"accountId": accountID, "orderId": orderID})
	return d.send(ctx, exchange, model.OpUpdateBitmexOrder, func(t config.ExchangeTopology) string {
		return t.UpdateOrderCmdPrefix + accountID
	}, model.OrderRefPayload{AccountID: accountID, OrderID: orderID})
}

// CancelOrder 发送撤单命令，orderID 为交易所订单号
func (d *Dispatcher) CancelOrder(ctx context.Context, exchange model.Exchange, accountID, orderID string) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "order cancel")
	}
	d.log.Infof("[sendCancelOrder] Sending message", logger.Fields{"accountId": accountID, "orderId": orderID})
	return d.send(ctx, exchange, model.OpCancelBitmexOrder, func(t config.ExchangeTopology) string {
		return t.CancelOrderCmdPrefix + accountID
	}, model.OrderRefPayload{AccountID: accountID, OrderID: orderID})
}

// ClosePositionWithOrders 以平仓订单组的方式平仓
func (d *Dispatcher) ClosePositionWithOrders(ctx context.Context, exchange model.Exchange, accountID string, orders map[model.LegName]model.OrderLeg) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "position close")
	}
	d.log.Infof("[sendClosePosition] Sending message", logger.Fields{"accountId": accountID, "legs": len(orders)})
	return d.send(ctx, exchange, model.OpCloseBitmexPosition, func(t config.ExchangeTopology) string {
		return t.ClosePositionCmdPrefix + accountID
	}, model.OrderLegsPayload{AccountID: accountID, Orders: orders})
}

// ClosePosition 按比例平仓，price 为空时市价
func (d *Dispatcher) ClosePosition(ctx context.Context, exchange model.Exchange, accountID, symbol string, price, percent *float64) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "position close")
	}
	d.log.Infof("[sendClosePosition] Sending message", logger.Fields{"accountId": accountID, "symbol": symbol})
	return d.send(ctx, exchange, model.OpCloseBitmexPosition, func(t config.ExchangeTopology) string {
		return t.ClosePositionCmdPrefix + accountID
	}, model.ClosePositionPayload{AccountID: accountID, Symbol: symbol, Price: price, Percent: percent})
}

// AddStop 给持仓加止损
func (d *Dispatcher) AddStop(ctx context.Context, exchange model.Exchange, accountID, symbol string, stopPrice float64, trigger *model.StopTriggerType) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "add stop")
	}
	d.log.Infof("[sendAddStop] Sending message", logger.Fields{"accountId": accountID, "symbol": symbol})
	return d.send(ctx, exchange, model.OpAddStopBitmexPosition, func(t config.ExchangeTopology) string {
		return t.AddStopPositionCmdPrefix + accountID
	}, model.AddStopPayload{AccountID: accountID, Symbol: symbol, StopPrice: stopPrice, StopTriggerPriceType: trigger})
}

// AddTsl 给持仓加追踪止损
func (d *Dispatcher) AddTsl(ctx context.Context, exchange model.Exchange, accountID, symbol string, tslPercent float64, trigger *model.StopTriggerType) (string, error) {
	if exchange != model.ExchangeBitmex {
		return "", d.unsupported(exchange, "add trailing stop")
	}
	d.log.Infof("[sendAddTsl] Sending message", logger.Fields{"accountId": accountID, "symbol": symbol})
	return d.send(ctx, exchange, model.OpAddTslBitmexPosition, func(t config.ExchangeTopology) string {
		return t.AddTslPositionCmdPrefix + accountID
	}, model.AddTslPayload{AccountID: accountID, Symbol: symbol, TslPercent: tslPercent, StopTriggerPriceType: trigger})
}

// send 先登记台账再发布。发布失败时台账记录保持未完成，由清理任务过期。
func (d *Dispatcher) send(ctx context.Context, exchange model.Exchange, opType model.OperationType, route func(config.ExchangeTopology) string, payload model.Payload) (string, error) {
	ctx, span := tracing.StartPublishSpan(ctx, "dispatch."+strings.ToLower(string(opType)))
	defer span.End()

	start := d.now()
	defer func() { d.metrics.ObserveDispatchLatency(d.now().Sub(start)) }()

	topo, ok := d.topology[exchange]
	if !ok || opType == "" {
		return "", d.unsupported(exchange, "command")
	}

	op, err := d.ledger.Create(ctx, opType, payload)
	if err != nil {
		d.metrics.IncCommand(string(opType), "ledger_error")
		d.log.WithError(err).Errorf("[dispatch] Error creating async op", logger.Fields{
			"opType":    string(opType),
			"accountId": payload.TargetAccount(),
		})
		tracing.SetError(ctx, err)
		return "", apperrors.Wrap(apperrors.CodeInternal, "Could not create asyncOperation", err)
	}

	body, err := commandBody(payload, d.now())
	if err != nil {
		d.metrics.IncCommand(string(opType), "publish_error")
		return "", apperrors.Wrap(apperrors.CodeInternal, "encode command", err)
	}

	headers := map[string]string{}
	tracing.InjectStream(ctx, headers)

	stream := topo.Stream(route(topo))
	tracing.SetStreamAttributes(ctx, stream, "", op.ID)
	if _, err := d.pub.Publish(ctx, stream, commonredis.Envelope{
		CorrelationID: op.ID,
		Body:          body,
		Persistent:    true,
		Expiration:    d.ttl,
		Headers:       headers,
	}); err != nil {
		d.metrics.IncCommand(string(opType), "publish_error")
		d.log.WithError(err).Errorf("[dispatch] Error publishing command", logger.Fields{
			"opType":      string(opType),
			"operationId": op.ID,
			"stream":      stream,
		})
		tracing.SetError(ctx, err)
		return "", apperrors.Wrap(apperrors.CodeExchangeUnavailable, apperrors.ErrExchangeUnavailable.Message, err)
	}

	d.metrics.IncCommand(string(opType), "ok")
	d.log.Debugf("[dispatch] Command published", logger.Fields{
		"opType":      string(opType),
		"operationId": op.ID,
		"stream":      stream,
	})
	return op.ID, nil
}

func (d *Dispatcher) unsupported(exchange model.Exchange, what string) error {
	d.metrics.IncCommand("unsupported", "unsupported")
	return apperrors.Newf(apperrors.CodeExchangeUnsupported, "%s not implemented for %s", what, exchange)
}

func (d *Dispatcher) logCredentials(msg string, exchange model.Exchange, accountID, apiKey, apiSecret string) {
	d.log.Infof(msg, logger.Fields{
		"exchange":  string(exchange),
		"accountId": accountID,
		"apiKey":    logger.Secret(&apiKey),
		"apiSecret": logger.Secret(&apiSecret),
	})
}

// commandBody payload 的 JSON 加上发布时间 timestamp（毫秒）
func commandBody(payload model.Payload, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	ts, _ := json.Marshal(now.UnixMilli())
	fields["timestamp"] = ts
	return json.Marshal(fields)
}
