package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instanceWithHistory(id, templateID string, status InstanceStatus, start time.Time, steps ...any) *WorkflowInstance {
	inst := &WorkflowInstance{ID: id, TemplateID: templateID, Status: status}
	ts := start
	for i := 0; i+1 < len(steps); i += 2 {
		ts = ts.Add(steps[i+1].(time.Duration))
		inst.History = append(inst.History, HistoryEntry{Seq: len(inst.History) + 1, StageID: steps[i].(string), Action: actionEnter, Timestamp: ts})
	}
	return inst
}

func TestBottlenecks(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	instances := []*WorkflowInstance{
		// A 2h, B 1h
		instanceWithHistory("i-1", "grant", InstanceStatusCompleted, t0,
			"A", time.Duration(0), "B", 2*time.Hour, "C", time.Hour),
		// A 4h + 1h, B 1h
		instanceWithHistory("i-2", "grant", InstanceStatusInProgress, t0,
			"A", time.Duration(0), "B", 4*time.Hour, "A", time.Hour, "C", time.Hour),
		// 其他模板的同名阶段分开统计
		instanceWithHistory("i-3", "procurement", InstanceStatusInProgress, t0,
			"A", time.Duration(0), "B", time.Hour),
		// 只有一条历史记录, 没有停留时间
		instanceWithHistory("i-4", "grant", InstanceStatusInProgress, t0, "A", time.Duration(0)),
	}

	all := Bottlenecks(instances, 0)
	require.Len(t, all, 3)
	assert.Equal(t, StageTiming{TemplateID: "grant", StageID: "A", AvgResidenceHours: 3.5, Instances: 2}, all[0])
	assert.Equal(t, StageTiming{TemplateID: "grant", StageID: "B", AvgResidenceHours: 1, Instances: 2}, all[1])
	assert.Equal(t, StageTiming{TemplateID: "procurement", StageID: "A", AvgResidenceHours: 1, Instances: 1}, all[2], "时间相同时按模板和阶段排序")

	top := Bottlenecks(instances, 1)
	require.Len(t, top, 1)
	assert.Equal(t, "A", top[0].StageID)

	assert.Empty(t, Bottlenecks(nil, 5))
}

func TestBottlenecks_ClockSkew(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	inst := instanceWithHistory("i-1", "grant", InstanceStatusInProgress, t0,
		"A", time.Duration(0), "B", -time.Hour)
	ret := Bottlenecks([]*WorkflowInstance{inst}, 0)
	require.Len(t, ret, 1)
	assert.Zero(t, ret[0].AvgResidenceHours, "时间倒退按 0 计算")
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := t0.Add(d)
		return &ts
	}
	instances := []*WorkflowInstance{
		{ID: "1", Status: InstanceStatusCompleted, StartedAt: at(0), CompletedAt: at(10 * time.Hour)},
		{ID: "2", Status: InstanceStatusCompleted, StartedAt: at(0), CompletedAt: at(20 * time.Hour)},
		{ID: "3", Status: InstanceStatusCompleted},
		{ID: "4", Status: InstanceStatusRejected, StartedAt: at(0), CompletedAt: at(time.Hour)},
		{ID: "5", Status: InstanceStatusInProgress, Stalled: true},
		{ID: "6", Status: InstanceStatusCreated},
	}
	assert.Equal(t, Summary{
		Total:                  6,
		Active:                 2,
		Completed:              3,
		Rejected:               1,
		Stalled:                1,
		PendingApprovals:       4,
		AvgCompletionTimeHours: 15,
	}, Summarize(instances, 4))

	assert.Equal(t, Summary{}, Summarize(nil, 0))
}
