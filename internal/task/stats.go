package task

import "LeoPrime-Chain/internal/model"

// RunStats 聚合了运行状态的统计信息，用于健康检查。
type RunStats struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	TotalCost float64 `json:"totalCost"`
}

// ComputeStats 汇总给定运行。
func ComputeStats(runs []*model.Run) RunStats {
	var st RunStats
	for _, run := range runs {
		if run == nil {
			continue
		}
		st.Total++
		st.TotalCost += run.TotalCost
		switch run.Status {
		case model.RunPending:
			st.Pending++
		case model.RunRunning:
			st.Running++
		case model.RunCompleted:
			st.Completed++
		case model.RunFailed:
			st.Failed++
		case model.RunCancelled:
			st.Cancelled++
		}
	}
	return st
}
