package workflow

import (
	"sort"
	"time"
)

// Summary 实例总体统计
type Summary struct {
	Total                  int     `json:"total"`
	Active                 int     `json:"active"`
	Completed              int     `json:"completed"`
	Rejected               int     `json:"rejected"`
	Stalled                int     `json:"stalled"`
	PendingApprovals       int     `json:"pending_approvals"`
	AvgCompletionTimeHours float64 `json:"avg_completion_time_hours"`
}

// StageTiming 阶段平均停留时间
type StageTiming struct {
	TemplateID        string  `json:"template_id"`
	StageID           string  `json:"stage_id"`
	AvgResidenceHours float64 `json:"avg_residence_hours"`
	Instances         int     `json:"instances"`
}

type AnalyticsReport struct {
	Summary     Summary       `json:"summary"`
	Bottlenecks []StageTiming `json:"bottlenecks"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Summarize 完成时间只统计 completed 且有开始和结束时间的实例
func Summarize(instances []*WorkflowInstance, pendingApprovals int) Summary {
	s := Summary{Total: len(instances), PendingApprovals: pendingApprovals}
	var totalHours float64
	completedWithTimes := 0
	for _, inst := range instances {
		switch inst.Status {
		case InstanceStatusCompleted:
			s.Completed++
			if inst.StartedAt != nil && inst.CompletedAt != nil {
				totalHours += inst.CompletedAt.Sub(*inst.StartedAt).Hours()
				completedWithTimes++
			}
		case InstanceStatusRejected:
			s.Rejected++
		default:
			s.Active++
		}
		if inst.Stalled {
			s.Stalled++
		}
	}
	if completedWithTimes > 0 {
		s.AvgCompletionTimeHours = totalHours / float64(completedWithTimes)
	}
	return s
}

type stageKey struct {
	templateID string
	stageID    string
}

// Bottlenecks 相邻两条历史记录的时间差计入前一条记录的阶段
// 同一个实例在一个阶段的多段停留先求和, 再在经过该阶段的实例之间求平均
func Bottlenecks(instances []*WorkflowInstance, topN int) []StageTiming {
	totals := make(map[stageKey]time.Duration)
	counts := make(map[stageKey]int)
	for _, inst := range instances {
		perInstance := make(map[stageKey]time.Duration)
		for i := 0; i+1 < len(inst.History); i++ {
			key := stageKey{templateID: inst.TemplateID, stageID: inst.History[i].StageID}
			delta := inst.History[i+1].Timestamp.Sub(inst.History[i].Timestamp)
			if delta < 0 {
				delta = 0
			}
			perInstance[key] += delta
		}
		for key, d := range perInstance {
			totals[key] += d
			counts[key]++
		}
	}
	ret := make([]StageTiming, 0, len(totals))
	for key, total := range totals {
		ret = append(ret, StageTiming{
			TemplateID:        key.templateID,
			StageID:           key.stageID,
			AvgResidenceHours: total.Hours() / float64(counts[key]),
			Instances:         counts[key],
		})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].AvgResidenceHours != ret[j].AvgResidenceHours {
			return ret[i].AvgResidenceHours > ret[j].AvgResidenceHours
		}
		if ret[i].TemplateID != ret[j].TemplateID {
			return ret[i].TemplateID < ret[j].TemplateID
		}
		return ret[i].StageID < ret[j].StageID
	})
	if topN > 0 && len(ret) > topN {
		ret = ret[:topN]
	}
	return ret
}
