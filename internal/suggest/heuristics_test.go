package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanned(t *testing.T) {
	tests := []struct {
		input string
		want  []int
	}{
		{"我要退款", []int{1, 3, 5}},
		{"可以换货吗", []int{1, 2, 3}},
		{"物流怎么还没到", []int{4, 3}},
		{"收到的东西破损了", []int{2, 6}},
		{"hello", []int{0, 1, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, pick(tt.want), Canned.Suggest(tt.input))
		})
	}
}

func TestCanned_BlankYieldsNothing(t *testing.T) {
	assert.Empty(t, Canned.Suggest(""))
	assert.Empty(t, Canned.Suggest("  "))
}

func TestDedupAndMerge(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedup([]string{"a", "", "b", "a"}))

	merged := merge(tag([]string{"a"}, OriginLocal), []string{"a", "c"})
	assert.Equal(t, []Suggestion{{Text: "a", Origin: OriginLocal}, {Text: "c", Origin: OriginAI}}, merged)
}
