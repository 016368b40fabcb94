package trigger

import (
	"fmt"
	"time"
)

// Evaluate 判断指令条件在给定行情与时刻下是否满足。
// 纯函数：相同输入永远得到相同结论，不产生任何副作用。
// 缺失行情（Price<=0）一律视为未命中而非错误，指令保持 pending 等待下一轮。
func Evaluate(instr Instruction, snapshot Snapshot, now time.Time) Verdict {
	switch instr.Condition.Kind {
	case KindDate:
		return evaluateDate(instr.Condition, now)
	case KindPriceRange:
		return evaluatePriceRange(instr.Condition, snapshot)
	case KindPricePercentage:
		return evaluatePricePercentage(instr.Condition, snapshot)
	default:
		return Verdict{Matched: false, Reason: fmt.Sprintf("未知触发类型 %q", instr.Condition.Kind)}
	}
}

func evaluateDate(cond Condition, now time.Time) Verdict {
	if now.Before(cond.At) {
		return Verdict{Matched: false, Reason: fmt.Sprintf("目标时间未到: %s", cond.At.Format(time.RFC3339))}
	}
	// 错过的检查周期不作补偿，本轮命中即可，滞后上界为轮询间隔。
	return Verdict{Matched: true, Reason: fmt.Sprintf("已到达目标时间 %s", cond.At.Format(time.RFC3339))}
}

func evaluatePriceRange(cond Condition, snapshot Snapshot) Verdict {
	if snapshot.Price <= 0 {
		return Verdict{Matched: false, Reason: "暂无可用行情"}
	}
	// 倒置区间（low > high）永远不命中，作为长期挂起条件处理，
	// 创建入口已拒绝这类输入，这里兜底。
	if cond.Low <= snapshot.Price && snapshot.Price <= cond.High {
		return Verdict{Matched: true, Reason: fmt.Sprintf("价格 %.2f 进入区间 [%.2f, %.2f]", snapshot.Price, cond.Low, cond.High)}
	}
	return Verdict{Matched: false, Reason: fmt.Sprintf("价格 %.2f 不在区间 [%.2f, %.2f]", snapshot.Price, cond.Low, cond.High)}
}

func evaluatePricePercentage(cond Condition, snapshot Snapshot) Verdict {
	if snapshot.Price <= 0 {
		return Verdict{Matched: false, Reason: "暂无可用行情"}
	}
	if cond.BasePrice <= 0 {
		return Verdict{Matched: false, Reason: "基准价格无效"}
	}

	threshold := cond.BasePrice * (1 + cond.Percent/100)
	change := (snapshot.Price - cond.BasePrice) / cond.BasePrice * 100

	if cond.Percent >= 0 {
		if snapshot.Price >= threshold {
			return Verdict{Matched: true, Reason: fmt.Sprintf("涨幅 %.4f%% 达到目标 %+.4f%%", change, cond.Percent)}
		}
		return Verdict{Matched: false, Reason: fmt.Sprintf("涨幅 %.4f%% 未达目标 %+.4f%%", change, cond.Percent)}
	}

	if snapshot.Price <= threshold {
		return Verdict{Matched: true, Reason: fmt.Sprintf("跌幅 %.4f%% 达到目标 %+.4f%%", change, cond.Percent)}
	}
	return Verdict{Matched: false, Reason: fmt.Sprintf("跌幅 %.4f%% 未达目标 %+.4f%%", change, cond.Percent)}
}
