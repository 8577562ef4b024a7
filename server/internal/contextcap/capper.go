package contextcap

import "socratic-tutor/server/internal/model"

// Cap 从最旧的消息开始丢弃，返回总开销不超过 budget 的最长后缀。
//
// 约定：
// - 不修改输入，返回新切片；相同输入与预算总是得到相同输出。
// - 输入非空时至少保留最后一条消息，即使它本身就超出预算。
func Cap(messages []model.Message, budget int, est Estimator) []model.Message {
	if len(messages) == 0 {
		return nil
	}

	start := len(messages)
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := max(est.Estimate(messages[i]), 0)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	if start == len(messages) {
		start = len(messages) - 1
	}
	return model.CloneMessages(messages[start:])
}

// Cost 计算一组消息的估算总开销。
func Cost(messages []model.Message, est Estimator) int {
	total := 0
	for _, msg := range messages {
		total += max(est.Estimate(msg), 0)
	}
	return total
}
