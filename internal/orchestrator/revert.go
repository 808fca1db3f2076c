package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// RevertResult is the outcome of a best-effort revert attempt.
type RevertResult struct {
	Status string `json:"status"` // reverted|pending
	Note   string `json:"note,omitempty"`
}

// Revert attempts to undo the side effect of a past timeline step. Only
// blender.export_fbx (restore a pre-overwrite backup) and
// unity.instantiate_prefab (destroy the instantiated GameObject by name)
// are reversible; everything else returns "pending" without acting,
// per §9 open question 2.
func (o *Orchestrator) Revert(ctx context.Context, eventID string) (RevertResult, error) {
	if o.st == nil {
		return RevertResult{}, gwerr.New(gwerr.Internal, "orchestrator has no store configured")
	}
	ev, err := o.st.GetTimelineEvent(eventID)
	if err != nil {
		return RevertResult{}, err
	}

	var result RevertResult
	switch ev.Tool {
	case "unity.instantiate_prefab":
		result = o.revertInstantiatePrefab(ctx, ev)
	case "blender.export_fbx":
		result = o.revertExportFbx(ev)
	default:
		result = RevertResult{Status: "pending"}
	}

	o.recordRevertEvent(ev, result)
	return result, nil
}

func (o *Orchestrator) revertInstantiatePrefab(ctx context.Context, ev *domain.TimelineEvent) RevertResult {
	if ev.ResultJSON == nil {
		return RevertResult{Status: "pending"}
	}
	var payload struct {
		Instantiated string `json:"instantiated"`
	}
	if err := json.Unmarshal([]byte(*ev.ResultJSON), &payload); err != nil || payload.Instantiated == "" {
		return RevertResult{Status: "pending"}
	}
	code := destroyByAssetNameCode(payload.Instantiated)
	if _, err := o.mcp.RunTool(ctx, "unity_command", map[string]any{"code": code}, o.timeoutFor(ev.Tool)); err != nil {
		o.log.Warnf("orchestrator: revert attempt for %s failed: %v", ev.ID, err)
		return RevertResult{Status: "pending"}
	}
	return RevertResult{Status: "reverted", Note: "Destroyed GameObjects matching asset name"}
}

func (o *Orchestrator) revertExportFbx(ev *domain.TimelineEvent) RevertResult {
	if ev.ResultJSON == nil {
		return RevertResult{Status: "pending"}
	}
	var payload struct {
		Compensate struct {
			Path       string `json:"path"`
			Existed    bool   `json:"existed"`
			BackupPath string `json:"backupPath"`
		} `json:"compensate"`
	}
	if err := json.Unmarshal([]byte(*ev.ResultJSON), &payload); err != nil {
		return RevertResult{Status: "pending"}
	}
	if !payload.Compensate.Existed {
		return RevertResult{Status: "pending", Note: "export target did not preexist; nothing to restore"}
	}
	if payload.Compensate.BackupPath == "" {
		return RevertResult{Status: "pending", Note: "no backup was captured"}
	}
	if err := copyFile(payload.Compensate.BackupPath, payload.Compensate.Path); err != nil {
		o.log.Warnf("orchestrator: restoring backup for %s: %v", ev.ID, err)
		return RevertResult{Status: "pending"}
	}
	return RevertResult{Status: "reverted", Note: "restored pre-export backup"}
}

func (o *Orchestrator) recordRevertEvent(ev *domain.TimelineEvent, result RevertResult) {
	if o.st == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"target": ev.ID, "note": result.Note})
	resultJSON := string(payload)
	recorded, err := o.st.InsertGenericEvent(ev.ProjectID, fmt.Sprintf("revert-%s", result.Status), string(payload), &resultJSON)
	if err != nil {
		o.log.Errorf("orchestrator: record revert event for %s: %v", ev.ID, err)
		return
	}
	o.broadcastTimeline(ev.ProjectID, domain.GenericEventStepIndex, recorded.Tool, "event", result, ev.CorrelationID)
}

func destroyByAssetNameCode(assetPath string) string {
	return fmt.Sprintf(`
using UnityEditor;
using UnityEngine;
var go = AssetDatabase.LoadAssetAtPath<GameObject>(@"%s");
if (go != null) {
    var instances = GameObject.FindObjectsByType<GameObject>(FindObjectsSortMode.None);
    foreach (var i in instances) {
        if (i.name == go.name) { Object.DestroyImmediate(i); }
    }
}
`, assetPath)
}
