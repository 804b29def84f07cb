package build

var (
	_ Visitor = (*taskPauseVisitor)(nil)
	_ Visitor = (*taskContinueVisitor)(nil)
	_ Visitor = (*taskCancelVisitor)(nil)
)

// taskPauseVisitor marks a task and its container as paused.
type taskPauseVisitor struct {
	containerID string
	taskID      string
	updated     bool
}

func (v *taskPauseVisitor) OnStage(*Stage, *Model) Traverse {
	return Continue
}

func (v *taskPauseVisitor) OnContainer(container *Container, _ *Stage) Traverse {
	if container.ID == v.containerID {
		container.Status = StatusReviewing
		v.updated = true
	}
	return Continue
}

func (v *taskPauseVisitor) OnElement(_ int, element *Element, container *Container) Traverse {
	if container.ID != v.containerID || element.ID != v.taskID {
		return Continue
	}
	element.Status = StatusReviewing
	v.updated = true
	return Break
}

func (v *taskPauseVisitor) NeedsSave() bool {
	return v.updated
}

// taskContinueVisitor queues a paused task again, optionally replacing its definition.
type taskContinueVisitor struct {
	containerID string
	taskID      string
	element     *Element // optional
	updated     bool
}

func (v *taskContinueVisitor) OnStage(*Stage, *Model) Traverse {
	return Continue
}

func (v *taskContinueVisitor) OnContainer(container *Container, _ *Stage) Traverse {
	if container.ID == v.containerID {
		container.Status = StatusQueue
		v.updated = true
	}
	return Continue
}

func (v *taskContinueVisitor) OnElement(index int, element *Element, container *Container) Traverse {
	if container.ID != v.containerID || element.ID != v.taskID {
		return Continue
	}
	if v.element != nil {
		replacement := *v.element
		replacement.ID = element.ID
		replacement.Status = StatusQueue
		container.Elements[index] = &replacement
	} else {
		element.Status = StatusQueue
	}
	v.updated = true
	return Break
}

func (v *taskContinueVisitor) NeedsSave() bool {
	return v.updated
}

// taskCancelVisitor cancels a single task, usually one that was paused.
type taskCancelVisitor struct {
	containerID string
	taskID      string
	now         int64 // Unix milliseconds
	updated     bool
}

func (v *taskCancelVisitor) OnStage(*Stage, *Model) Traverse {
	return Continue
}

func (v *taskCancelVisitor) OnContainer(*Container, *Stage) Traverse {
	return Continue
}

func (v *taskCancelVisitor) OnElement(index int, element *Element, container *Container) Traverse {
	if container.ID != v.containerID || element.ID != v.taskID {
		return Continue
	}
	element.Status = StatusCanceled
	if element.StartEpoch != nil {
		element.Elapsed = int64Ptr(v.now - *element.StartEpoch)
	}
	container.ElementElapsed = int64Ptr(elementElapsedUpTo(container, index))
	if !container.hasPostTask() {
		container.Status = StatusCanceled
	}
	v.updated = true
	return Break
}

func (v *taskCancelVisitor) NeedsSave() bool {
	return v.updated
}
