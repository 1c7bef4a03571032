package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Stage names a pipeline step a task runs
type Stage string

const (
	StagePreprocess  Stage = "preprocess"
	StageInference   Stage = "inference"
	StagePostprocess Stage = "postprocess"
)

// rank orders stages so jobs further along finish before new ones start
func (s Stage) rank() int {
	switch s {
	case StagePostprocess:
		return 3
	case StageInference:
		return 2
	case StagePreprocess:
		return 1
	}
	return 0
}

// Task is one unit of stage work for a job
type Task struct {
	ID         string
	Stage      Stage
	JobID      string
	Payload    []byte
	Attempt    int
	EnqueuedAt time.Time

	seq   uint64
	index int
}

// TaskQueue is a priority queue of tasks: later stages first, then FIFO
type TaskQueue struct {
	tasks []*Task
	seq   uint64
	mu    sync.Mutex
}

// NewTaskQueue creates a new task queue
func NewTaskQueue() *TaskQueue {
	tq := &TaskQueue{
		tasks: make([]*Task, 0),
	}
	heap.Init((*taskHeap)(tq))
	return tq
}

// Enqueue adds a task to the queue
func (tq *TaskQueue) Enqueue(task *Task) {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	tq.seq++
	task.seq = tq.seq
	heap.Push((*taskHeap)(tq), task)
}

// PopTask removes and returns the highest priority task, or nil when empty
func (tq *TaskQueue) PopTask() *Task {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if len(tq.tasks) == 0 {
		return nil
	}
	return heap.Pop((*taskHeap)(tq)).(*Task)
}

// Len returns the number of queued tasks
func (tq *TaskQueue) Len() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.tasks)
}

// taskHeap implements heap.Interface on the unlocked queue
type taskHeap TaskQueue

func (h *taskHeap) Len() int { return len(h.tasks) }

func (h *taskHeap) Less(i, j int) bool {
	a, b := h.tasks[i], h.tasks[j]
	if a.Stage.rank() != b.Stage.rank() {
		return a.Stage.rank() > b.Stage.rank()
	}
	return a.seq < b.seq
}

func (h *taskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
	h.tasks[i].index = i
	h.tasks[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(h.tasks)
	h.tasks = append(h.tasks, task)
}

func (h *taskHeap) Pop() interface{} {
	old := h.tasks
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	h.tasks = old[0 : n-1]
	return task
}
