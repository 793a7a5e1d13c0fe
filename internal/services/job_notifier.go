package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	jobrt "github.com/studyforge/coursegen-backend/internal/jobs/runtime"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
	"github.com/studyforge/coursegen-backend/internal/realtime/bus"
	"github.com/studyforge/coursegen-backend/internal/sse"
)

/*
jobNotifier delivers job lifecycle events to owners. With a bus configured,
events are published there and a forwarder on every instance pushes them into
the local hub; without one, the hub is fed directly. A lost notification is
never fatal: the job row stays the source of truth and clients can re-read it.
*/
type jobNotifier struct {
	hub *sse.Hub
	bus bus.Bus
	log *logger.Logger
}

func NewJobNotifier(hub *sse.Hub, eventBus bus.Bus, baseLog *logger.Logger) jobrt.Notifier {
	return &jobNotifier{
		hub: hub,
		bus: eventBus,
		log: baseLog.With("component", "job_notifier"),
	}
}

func (n *jobNotifier) send(msg sse.Message) {
	if n.bus != nil {
		err := n.bus.Publish(context.Background(), msg)
		if err == nil {
			return
		}
		n.log.Warn("bus publish failed, falling back to local hub", "error", err)
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
}

func (n *jobNotifier) JobCreated(userID uuid.UUID, job *types.GenerationJob) {
	n.send(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *types.GenerationJob, stage string, progress int, message string) {
	n.send(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobProgress,
		Data: map[string]any{
			"job_id":   job.ID,
			"stage":    stage,
			"progress": progress,
			"message":  message,
		},
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.GenerationJob, stage string, errorMessage string) {
	n.send(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobFailed,
		Data: map[string]any{
			"job_id": job.ID,
			"stage":  stage,
			"error":  errorMessage,
		},
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.GenerationJob) {
	n.send(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobDone,
		Data: map[string]any{
			"job_id": job.ID,
			"result": job.Result,
		},
	})
}

func (n *jobNotifier) JobCanceled(userID uuid.UUID, job *types.GenerationJob) {
	n.send(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobCanceled,
		Data:    map[string]any{"job_id": job.ID},
	})
}
