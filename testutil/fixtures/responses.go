// =============================================================================
// 📦 测试数据工厂 - 模型回复
// =============================================================================
// 各阶段提示词的匹配关键字与预置 JSON 回复
// =============================================================================
package fixtures

import (
	"encoding/json"

	"github.com/BaSui01/agentcore/types"
)

// 阶段提示词中唯一出现的关键字，供 MockModelInvoker.WithRule 匹配
const (
	ObserveMarker = "information_needs"
	OrientMarker  = "goal_achieved"
	DecideMarker  = `{"plan"`
	ReportMarker  = "请用简洁的段落总结"
)

// ObserveReply 返回 observe 阶段回复，每个工具一条查询
func ObserveReply(tools ...string) string {
	needs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		needs = append(needs, map[string]any{"tool": tool, "query": "latest " + tool, "params": map[string]any{}})
	}
	return mustJSON(map[string]any{"information_needs": needs})
}

// OrientReply 返回 orient 阶段回复
func OrientReply(goalAchieved bool) string {
	return "分析如下：\n```json\n" + mustJSON(map[string]any{
		"analysis":      "incidents cluster around deploys",
		"goal_achieved": goalAchieved,
		"hypotheses": []map[string]any{
			{"statement": "deploys cause incidents", "confidence": 0.8},
			{"statement": "", "confidence": 0.1},
		},
	}) + "\n```"
}

// DecideReply 返回 decide 阶段回复
func DecideReply(plan ...types.PlannedAction) string {
	return mustJSON(map[string]any{"plan": plan})
}

// Action 构造计划步骤
func Action(tool string, params map[string]any) types.PlannedAction {
	return types.PlannedAction{Tool: tool, Params: params, Rationale: "needed for " + tool}
}

// ReportReply 返回 report 阶段回复
func ReportReply() string {
	return "Incidents correlate with Friday deploys."
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
