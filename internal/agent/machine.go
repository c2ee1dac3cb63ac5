package agent

import (
	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

// transitions 列出正常路径上允许的下一阶段，ERROR 单独处理。
var transitions = map[model.Phase][]model.Phase{
	"":                  {model.PhaseThink},
	model.PhaseThink:    {model.PhaseRetrieve},
	model.PhaseRetrieve: {model.PhaseDecide},
	model.PhaseDecide:   {model.PhasePay, model.PhaseBuild},
	model.PhasePay:      {model.PhaseVerify},
	model.PhaseVerify:   {model.PhaseUnlock},
	model.PhaseUnlock:   {model.PhaseBuild},
	model.PhaseBuild:    {model.PhaseComplete},
}

// CanTransition 判断 from -> to 是否合法。空字符串表示尚未进入任何阶段。
func CanTransition(from, to model.Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == model.PhaseError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateHistory 检查完整的阶段历史是否由合法转换组成。
func ValidateHistory(history []model.PhaseEntry) error {
	var prev model.Phase
	for i, entry := range history {
		if !CanTransition(prev, entry.Phase) {
			return xerrors.Newf(xerrors.CodeInvalidTransition, "第 %d 条历史 %s -> %s 非法", i, displayPhase(prev), entry.Phase)
		}
		prev = entry.Phase
	}
	return nil
}

func displayPhase(p model.Phase) string {
	if p == "" {
		return "START"
	}
	return string(p)
}
