package tools

import "sync"

// Task is one tracked work item the agent maintains during a run.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"` // pending, in_progress, completed
}

// TaskList is the per-run task tracker. The orchestrator consults it before
// accepting a completion phrase: a run is not done while a task is still in
// progress.
type TaskList struct {
	mu    sync.Mutex
	tasks []Task
}

// NewTaskList creates an empty task list.
func NewTaskList() *TaskList {
	return &TaskList{}
}

// Upsert adds a task or updates the status of an existing one. Returns the
// stored task and whether it already existed.
func (l *TaskList) Upsert(id, title, status string) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			if title != "" {
				l.tasks[i].Title = title
			}
			if status != "" {
				l.tasks[i].Status = status
			}
			return l.tasks[i], true
		}
	}
	if status == "" {
		status = "pending"
	}
	t := Task{ID: id, Title: title, Status: status}
	l.tasks = append(l.tasks, t)
	return t, false
}

// List returns a copy of the tasks in order.
func (l *TaskList) List() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// HasInProgress reports whether any task is still in progress.
func (l *TaskList) HasInProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		if t.Status == "in_progress" {
			return true
		}
	}
	return false
}
