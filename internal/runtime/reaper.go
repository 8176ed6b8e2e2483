package runtime

import (
	"context"

	"github.com/bytedance/sonic"

	"github.com/ModelsLab/modelq-go/internal/telemetry"
)

// Reap runs one reaper pass: evict stale workers, requeue stuck tasks,
// prune expired terminal records, and drop queued tasks past their TTL.
// Exported so tests can trigger passes directly.
func (rt *Runtime) Reap(ctx context.Context) {
	rt.evictStaleWorkers(ctx)
	rt.requeueStuck(ctx)
	rt.pruneTerminalRecords(ctx)
	rt.CleanupExpiredTasks(ctx)

	if depth, err := rt.st.QueueLen(ctx); err == nil {
		telemetry.QueueDepth.Set(float64(depth))
	}
}

// evictStaleWorkers removes registry entries whose heartbeat is older than
// the prune timeout.
func (rt *Runtime) evictStaleWorkers(ctx context.Context) {
	all, err := rt.st.WorkersAll(ctx)
	if err != nil {
		rt.log.Warnf("reaper: registry scan failed: %v", err)
		return
	}
	cutoff := nowTS() - rt.cfg.PruneTimeout.Seconds()
	for id, raw := range all {
		var rec workerRec
		if err := sonic.Unmarshal(raw, &rec); err != nil {
			rt.log.Warnf("reaper: evicting undecodable registration id=%s: %v", id, err)
			_ = rt.st.WorkerDel(ctx, id)
			continue
		}
		if rec.LastHeartbeat < cutoff {
			if err := rt.st.WorkerDel(ctx, id); err != nil {
				rt.log.Warnf("reaper: worker eviction failed id=%s: %v", id, err)
			} else {
				rt.log.Infof("reaper: evicted stale worker id=%s", id)
			}
		}
	}
}

// requeueStuck walks the processing set. Members whose record shows
// started_at older than the requeue threshold go back to the main queue;
// members without a record are orphans and are simply removed.
func (rt *Runtime) requeueStuck(ctx context.Context) {
	ids, err := rt.st.ProcessingMembers(ctx)
	if err != nil {
		rt.log.Warnf("reaper: processing scan failed: %v", err)
		return
	}
	threshold := nowTS() - rt.cfg.RequeueThreshold.Seconds()
	for _, id := range ids {
		raw, err := rt.st.GetTask(ctx, id)
		if err != nil {
			rt.log.Warnf("reaper: record read failed id=%s: %v", id, err)
			continue
		}
		if raw == nil {
			_ = rt.st.ProcessingRemove(ctx, id)
			rt.log.Infof("reaper: removed orphan processing member id=%s", id)
			continue
		}
		var rec taskRec
		if err := rec.UnmarshalJSON(raw); err != nil {
			_ = rt.st.ProcessingRemove(ctx, id)
			rt.log.Warnf("reaper: removed undecodable processing member id=%s: %v", id, err)
			continue
		}
		if rec.StartedAt >= threshold {
			continue
		}

		rec.Status = statusQueued
		rec.QueuedAt = nowTS()
		rec.StartedAt = 0
		updated := encodeJSON(&rec)
		rt.persistRaw(ctx, id, updated)
		if err := rt.st.QueuePush(ctx, updated); err != nil {
			rt.log.Errorf("reaper: requeue failed id=%s: %v", id, err)
			continue
		}
		_ = rt.st.QueuedIndexAdd(ctx, id, rec.QueuedAt)
		_ = rt.st.ProcessingRemove(ctx, id)
		telemetry.TasksRequeuedStuck.Inc()
		rt.log.Infof("reaper: requeued stuck task id=%s", id)
	}
}

// pruneTerminalRecords deletes result and task records whose finished_at
// (or started_at) is past the result retention window.
func (rt *Runtime) pruneTerminalRecords(ctx context.Context) {
	ids, err := rt.st.ScanResults(ctx)
	if err != nil {
		rt.log.Warnf("reaper: result scan failed: %v", err)
		return
	}
	cutoff := nowTS() - rt.cfg.ResultRetention.Seconds()
	for _, id := range ids {
		raw, err := rt.st.GetResult(ctx, id)
		if err != nil || raw == nil {
			continue
		}
		var rec taskRec
		if err := rec.UnmarshalJSON(raw); err != nil {
			continue
		}
		ref := rec.FinishedAt
		if ref == 0 {
			ref = rec.StartedAt
		}
		if ref == 0 || ref >= cutoff {
			continue
		}
		_ = rt.st.DelResult(ctx, id)
		_ = rt.st.DelTask(ctx, id)
		rt.log.Debugf("reaper: pruned terminal record id=%s", id)
	}
}

// CleanupExpiredTasks walks the main queue and drops tasks whose
// created_at is older than the task TTL. Evicted tasks transition to
// expired in history.
func (rt *Runtime) CleanupExpiredTasks(ctx context.Context) {
	snapshot, err := rt.st.QueueSnapshot(ctx)
	if err != nil {
		rt.log.Warnf("reaper: queue scan failed: %v", err)
		return
	}
	cutoff := nowTS() - rt.cfg.TaskTTL.Seconds()
	for _, raw := range snapshot {
		var rec taskRec
		if err := rec.UnmarshalJSON(raw); err != nil {
			// Undecodable entries cannot make progress; drop them.
			if removed, _ := rt.st.QueueRemoveOne(ctx, raw); removed {
				rt.log.Warnf("reaper: dropped undecodable queue entry: %v", err)
			}
			continue
		}
		if rec.CreatedAt == 0 || rec.CreatedAt >= cutoff {
			continue
		}
		removed, err := rt.st.QueueRemoveOne(ctx, raw)
		if err != nil || !removed {
			continue
		}
		_ = rt.st.QueuedIndexRemove(ctx, rec.ID)
		rec.Status = statusExpired
		rec.FinishedAt = nowTS()
		rt.persistRaw(ctx, rec.ID, encodeJSON(&rec))
		telemetry.TasksExpired.Inc()
		rt.log.Infof("reaper: expired queued task id=%s age>%s", rec.ID, rt.cfg.TaskTTL)
	}
}
