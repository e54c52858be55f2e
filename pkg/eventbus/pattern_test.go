package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		eventType string
		want      bool
	}{
		{"exact match", "agent.completed", "agent.completed", true},
		{"exact mismatch", "agent.completed", "agent.failed", false},
		{"single star one segment", "agent.*", "agent.completed", true},
		{"single star not two segments", "agent.*", "workflow.step.completed", false},
		{"single star requires segment", "agent.*", "agent", false},
		{"star in middle", "workflow.*.completed", "workflow.step.completed", true},
		{"star in middle mismatch", "workflow.*.completed", "workflow.step.failed", false},
		{"double star zero segments", "workflow.step.**", "workflow.step", true},
		{"double star one segment", "workflow.step.**", "workflow.step.completed", true},
		{"double star many segments", "workflow.step.**", "workflow.step.retry.scheduled", true},
		{"double star prefix mismatch", "workflow.step.**", "workflow.started", false},
		{"double star alone matches everything", "**", "federation.breaker.opened", true},
		{"double star alone matches single segment", "**", "heartbeat", true},
		{"double star then literal", "**.failed", "workflow.step.failed", true},
		{"double star then literal mismatch", "**.failed", "workflow.step.completed", false},
		{"empty pattern never matches", "", "agent.completed", false},
		{"literal does not match prefix", "agent", "agent.completed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.eventType))
		})
	}
}

func TestDedupPatterns(t *testing.T) {
	got := dedupPatterns([]string{"agent.*", "", "agent.*", "team.*"})
	assert.Equal(t, []string{"agent.*", "team.*"}, got)
}
