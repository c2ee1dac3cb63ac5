package agent

import "LeoPrime-Chain/internal/model"

// DemoPolicy 在演示模式下保证付费流程一定出现。零值不做任何调整。
type DemoPolicy struct {
	Enabled  bool
	Services []model.Service
}

// NewDemoPolicy 返回强制 voyage 与 mongodb 的演示策略。
func NewDemoPolicy(enabled bool) DemoPolicy {
	return DemoPolicy{Enabled: enabled, Services: []model.Service{model.ServiceVoyage, model.ServiceMongoDB}}
}

// Plan 在 THINK 没有给出任何服务时补上演示服务。
func (p DemoPolicy) Plan(required []model.Service) ([]model.Service, bool) {
	if !p.Enabled || len(required) > 0 {
		return required, false
	}
	return append([]model.Service(nil), p.Services...), true
}

// Decide 在 DECIDE 结果为空且没有任何有效授权时补上演示服务（扣除已激活的）。
func (p DemoPolicy) Decide(needed, active []model.Service) ([]model.Service, bool) {
	if !p.Enabled || len(needed) > 0 || len(active) > 0 {
		return needed, false
	}
	return subtract(p.Services, active), true
}

// subtract 返回 list 中不在 remove 里的服务，保持顺序。
func subtract(list, remove []model.Service) []model.Service {
	skip := make(map[model.Service]struct{}, len(remove))
	for _, s := range remove {
		skip[s] = struct{}{}
	}
	out := make([]model.Service, 0, len(list))
	for _, s := range list {
		if _, ok := skip[s]; ok {
			continue
		}
		out = append(out, s)
	}
	return out
}
