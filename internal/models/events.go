package models

// EventType identifies a frame on the research progress stream.
type EventType string

const (
	EventTaskCreated     EventType = "task_created"
	EventStatus          EventType = "status"
	EventProgress        EventType = "progress"
	EventMessageUpdate   EventType = "message_update"
	EventContent         EventType = "content"
	EventSources         EventType = "sources"
	EventImages          EventType = "images"
	EventError           EventType = "error"
	EventDone            EventType = "done"
	EventContinuePolling EventType = "continue_polling"
)

// ProgressEvent is one typed frame relayed to the caller over SSE or
// WebSocket. Only the fields relevant to the frame type are populated.
type ProgressEvent struct {
	Type        EventType `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	CurrentStep int       `json:"current_step,omitempty"`
	TotalSteps  int       `json:"total_steps,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Data        string    `json:"data,omitempty"`
	MessageRole string    `json:"message_role,omitempty"`
	Content     string    `json:"content,omitempty"`
	Sources     []Source  `json:"sources,omitempty"`
	Images      []Image   `json:"images,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Event constructors keep frame shapes consistent between the streaming
// relay and tests.

func TaskCreatedEvent(taskID string) ProgressEvent {
	return ProgressEvent{Type: EventTaskCreated, TaskID: taskID}
}

func StatusEvent(taskID string, status TaskStatus) ProgressEvent {
	return ProgressEvent{Type: EventStatus, TaskID: taskID, Status: string(status)}
}

func ProgressUpdateEvent(taskID string, status TaskStatus, p Progress) ProgressEvent {
	return ProgressEvent{
		Type:        EventProgress,
		TaskID:      taskID,
		Status:      string(status),
		Message:     p.Message,
		CurrentStep: p.CurrentStep,
		TotalSteps:  p.TotalSteps,
	}
}

func MessageUpdateEvent(taskID string, m Message) ProgressEvent {
	return ProgressEvent{
		Type:        EventMessageUpdate,
		TaskID:      taskID,
		ContentType: m.ContentType,
		Data:        m.Data,
		MessageRole: m.Role,
	}
}

func ContentEvent(taskID, content string) ProgressEvent {
	return ProgressEvent{Type: EventContent, TaskID: taskID, Content: content}
}

func SourcesEvent(taskID string, sources []Source) ProgressEvent {
	return ProgressEvent{Type: EventSources, TaskID: taskID, Sources: sources}
}

func ImagesEvent(taskID string, images []Image) ProgressEvent {
	return ProgressEvent{Type: EventImages, TaskID: taskID, Images: images}
}

func ErrorEvent(taskID, msg string) ProgressEvent {
	return ProgressEvent{Type: EventError, TaskID: taskID, Error: msg}
}

func DoneEvent(taskID string) ProgressEvent {
	return ProgressEvent{Type: EventDone, TaskID: taskID}
}

func ContinuePollingEvent(taskID string) ProgressEvent {
	return ProgressEvent{
		Type:    EventContinuePolling,
		TaskID:  taskID,
		Message: "research is still in progress; resume via the poll endpoint",
	}
}
