package suggest

import "strings"

// Heuristic produces local suggestions without any network activity.
type Heuristic interface {
	Suggest(text string) []string
}

// HeuristicFunc adapts a function to the Heuristic interface.
type HeuristicFunc func(text string) []string

// Suggest calls f(text).
func (f HeuristicFunc) Suggest(text string) []string { return f(text) }

// Canned customer-service replies.
var canned = []string{
	"您好，请问可以提供订单号或购买时间吗？",
	"您好，很抱歉给您带来不便，请问是要退货还是换货？",
	"如果商品存在质量问题，我们可以为您办理退换货，是否需要申请运费补偿？",
	"已为您查询到订单信息，请问需要我为您提交退货申请吗？",
	"请您确认收货地址以及联系电话是否有误，以便安排取件。",
	"您的退款会在7个工作日内原路退回，请耐心等待。",
	"可否请您上传一下商品照片或问题截图？",
}

type keywordRule struct {
	keywords []string
	replies  []int
}

// Rules are checked in order; the first rule with a matching keyword wins.
var keywordRules = []keywordRule{
	{keywords: []string{"退"}, replies: []int{1, 3, 5}},
	{keywords: []string{"换"}, replies: []int{1, 2, 3}},
	{keywords: []string{"快递", "物流", "发货"}, replies: []int{4, 3}},
	{keywords: []string{"质量", "破损", "坏"}, replies: []int{2, 6}},
}

var fallbackReplies = []int{0, 1, 6}

// Canned returns replies from the built-in keyword table. Blank input yields
// nothing, since blank input never produces suggestions.
var Canned = HeuristicFunc(func(text string) []string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return nil
	}
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(t, kw) {
				return pick(rule.replies)
			}
		}
	}
	return pick(fallbackReplies)
})

func pick(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = canned[n]
	}
	return out
}
