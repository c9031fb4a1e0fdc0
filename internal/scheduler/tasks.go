package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskSegmentsSyncAll = "leads.segments.sync_all"

const TaskSegmentsSyncLead = "leads.segments.sync_lead"

const TaskSegmentsSyncSegment = "leads.segments.sync_segment"

const TaskScoresDecay = "leads.scores.decay"

const TaskScoresRecalculate = "leads.scores.recalculate"

type SyncLeadPayload struct {
	LeadID string `json:"leadId"`
}

type SyncSegmentPayload struct {
	SegmentID      string `json:"segmentId"`
	ResetOverrides bool   `json:"resetOverrides,omitempty"`
}

// ScoreDecayPayload carries an optional threshold override; zero means the
// policy threshold.
type ScoreDecayPayload struct {
	InactiveDays int `json:"inactiveDays,omitempty"`
}

func NewSegmentsSyncAllTask() *asynq.Task {
	return asynq.NewTask(TaskSegmentsSyncAll, nil)
}

func NewScoresRecalculateTask() *asynq.Task {
	return asynq.NewTask(TaskScoresRecalculate, nil)
}

func NewSyncLeadTask(payload SyncLeadPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSegmentsSyncLead, data), nil
}

func ParseSyncLeadPayload(task *asynq.Task) (SyncLeadPayload, error) {
	var payload SyncLeadPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SyncLeadPayload{}, err
	}
	return payload, nil
}

func NewSyncSegmentTask(payload SyncSegmentPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSegmentsSyncSegment, data), nil
}

func ParseSyncSegmentPayload(task *asynq.Task) (SyncSegmentPayload, error) {
	var payload SyncSegmentPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SyncSegmentPayload{}, err
	}
	return payload, nil
}

func NewScoreDecayTask(payload ScoreDecayPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskScoresDecay, data), nil
}

// ParseScoreDecayPayload accepts an empty payload, as produced by the
// periodic scheduler.
func ParseScoreDecayPayload(task *asynq.Task) (ScoreDecayPayload, error) {
	var payload ScoreDecayPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ScoreDecayPayload{}, err
	}
	return payload, nil
}
