package pipeline

import "slices"

// Stage is one fixed phase of a translation pass.
type Stage string

const (
	StagePreProcess    Stage = "pre_process"
	StageDiffDetection Stage = "diff_detection"
	StagePreparation   Stage = "preparation"
	StageChunking      Stage = "chunking"
	StageTranslation   Stage = "translation"
	StageConsensus     Stage = "consensus"
	StageValidation    Stage = "validation"
	StagePostProcess   Stage = "post_process"
	StageOutput        Stage = "output"
)

// stageOrder is the total execution order. A pass visits every stage once.
var stageOrder = []Stage{
	StagePreProcess,
	StageDiffDetection,
	StagePreparation,
	StageChunking,
	StageTranslation,
	StageConsensus,
	StageValidation,
	StagePostProcess,
	StageOutput,
}

// Stages returns all stages in execution order.
func Stages() []Stage {
	return slices.Clone(stageOrder)
}

// Index returns the position of s in the execution order, or -1 for an
// unknown stage.
func (s Stage) Index() int {
	return slices.Index(stageOrder, s)
}

// Valid reports whether s is one of the fixed stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

func (s Stage) String() string {
	return string(s)
}
