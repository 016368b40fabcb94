package trigger

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Validate 在创建入口做一次性校验，非法指令不允许进入 pending。
func (i *Instruction) Validate(now time.Time) error {
	var err error

	if i.UserID <= 0 {
		err = multierr.Append(err, errors.New("user_id 必须大于0"))
	}

	switch i.Condition.Kind {
	case KindDate:
		if i.Condition.At.IsZero() {
			err = multierr.Append(err, errors.New("date 触发必须指定目标时间"))
		} else if i.Condition.At.Before(now.Add(-time.Minute)) {
			err = multierr.Append(err, errors.New("date 触发的目标时间不能早于当前时间"))
		}
	case KindPriceRange:
		if i.Condition.Low <= 0 || i.Condition.High <= 0 {
			err = multierr.Append(err, errors.New("price_range 触发的区间边界必须为正"))
		}
		if i.Condition.Low > i.Condition.High {
			err = multierr.Append(err, errors.New("price_range 触发的 low 不能大于 high"))
		}
	case KindPricePercentage:
		if i.Condition.Percent == 0 {
			err = multierr.Append(err, errors.New("price_percentage 触发的 percent 不能为0"))
		}
		if i.Condition.BasePrice <= 0 {
			err = multierr.Append(err, errors.New("price_percentage 触发缺少基准价格快照"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("未知触发类型 %q", i.Condition.Kind))
	}

	if i.Order.Symbol == "" {
		err = multierr.Append(err, errors.New("订单模板缺少交易对"))
	}
	switch i.Order.TradeType {
	case TradeTypeFutures, TradeTypeOptions:
	default:
		err = multierr.Append(err, fmt.Errorf("未知交易类型 %q", i.Order.TradeType))
	}
	switch i.Order.Side {
	case SideBuy, SideSell:
	default:
		err = multierr.Append(err, fmt.Errorf("未知下单方向 %q", i.Order.Side))
	}
	switch i.Order.OrderKind {
	case OrderKindMarket:
	case OrderKindLimit:
		if i.Order.LimitPrice <= 0 {
			err = multierr.Append(err, errors.New("limit 订单必须指定限价"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("未知委托类型 %q", i.Order.OrderKind))
	}
	if i.Order.Quantity <= 0 {
		err = multierr.Append(err, errors.New("下单数量必须大于0"))
	}
	if i.Order.Margin <= 0 {
		err = multierr.Append(err, errors.New("保证金必须大于0"))
	}
	if i.Order.Leverage <= 0 {
		err = multierr.Append(err, errors.New("杠杆必须大于0"))
	}
	if i.Order.TakeProfit < 0 || i.Order.StopLoss < 0 {
		err = multierr.Append(err, errors.New("止盈/止损价格不能为负"))
	}

	if err != nil {
		return fmt.Errorf("指令校验失败: %w", err)
	}
	return nil
}
