package runtime

import (
	"context"
	"os"
	goruntime "runtime"

	"github.com/bytedance/sonic"
)

const (
	workerIdle = "idle"
	workerBusy = "busy"
)

// workerRec is the registry entry for one engine instance.
type workerRec struct {
	WorkerID      string         `json:"worker_id"`
	AllowedTasks  []string       `json:"allowed_tasks"`
	Status        string         `json:"status"`
	LastHeartbeat float64        `json:"last_heartbeat"`
	SystemInfo    map[string]any `json:"system_info,omitempty"`
}

// register writes a fresh registration advertising this worker's
// capability set.
func (rt *Runtime) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	var tasks []string
	if rt.cfg.AllowedTasks != nil {
		tasks = rt.cfg.AllowedTasks()
	}
	rec := workerRec{
		WorkerID:      rt.cfg.WorkerID,
		AllowedTasks:  tasks,
		Status:        workerIdle,
		LastHeartbeat: nowTS(),
		SystemInfo: map[string]any{
			"hostname":   hostname,
			"pid":        os.Getpid(),
			"go_version": goruntime.Version(),
		},
	}
	return rt.st.WorkerPut(ctx, rt.cfg.WorkerID, encodeJSON(rec))
}

// heartbeat refreshes last_heartbeat on the existing registration,
// re-registering if the reaper evicted it.
func (rt *Runtime) heartbeat(ctx context.Context) {
	raw, err := rt.st.WorkerGet(ctx, rt.cfg.WorkerID)
	if err != nil {
		rt.log.Warnf("heartbeat read failed: %v", err)
		return
	}
	if raw == nil {
		if err := rt.register(ctx); err != nil {
			rt.log.Warnf("re-registration failed: %v", err)
		}
		return
	}
	var rec workerRec
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		rt.log.Warnf("heartbeat: undecodable registration, rewriting: %v", err)
		_ = rt.register(ctx)
		return
	}
	rec.LastHeartbeat = nowTS()
	if err := rt.st.WorkerPut(ctx, rt.cfg.WorkerID, encodeJSON(rec)); err != nil {
		rt.log.Warnf("heartbeat write failed: %v", err)
	}
}

// setWorkerStatus flips the idle/busy flag on the registration.
func (rt *Runtime) setWorkerStatus(ctx context.Context, status string) {
	raw, err := rt.st.WorkerGet(ctx, rt.cfg.WorkerID)
	if err != nil || raw == nil {
		return
	}
	var rec workerRec
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return
	}
	if rec.Status == status {
		return
	}
	rec.Status = status
	if err := rt.st.WorkerPut(ctx, rt.cfg.WorkerID, encodeJSON(rec)); err != nil {
		rt.log.Warnf("worker status write failed: %v", err)
	}
}
