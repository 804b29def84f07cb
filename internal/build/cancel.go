package build

var _ Visitor = (*cancelVisitor)(nil)

// cancelVisitor applies a target status to the nodes that are actively running.
type cancelVisitor struct {
	status  Status
	now     int64 // Unix milliseconds
	updated bool
}

func (v *cancelVisitor) OnStage(stage *Stage, _ *Model) Traverse {
	if stage.Status == StatusRunning {
		stage.Status = v.status
		stage.Elapsed = int64Ptr(elapsedSince(stage.StartEpoch, v.now))
		v.updated = true
	}
	return Continue
}

func (v *cancelVisitor) OnContainer(container *Container, stage *Stage) Traverse {
	status := container.Status

	if status == StatusPrepareEnv {
		container.SystemElapsed = int64Ptr(elapsedSince(container.StartEpoch, v.now))
		// Stage time stays wall-clock until a container has reported task time.
		if sum, reported := containerElapsedUpTo(stage, indexOfContainer(stage, container)); reported {
			stage.Elapsed = int64Ptr(sum)
		}
		v.updated = true
	}

	// Jobs that never started a task.
	notStarted := status.IsRunning() &&
		(len(container.Elements) == 0 || container.Elements[0].Status == "") &&
		!container.hasPostTask()

	if status == StatusPrepareEnv || notStarted {
		if container.Status != v.status {
			container.Status = v.status
			v.updated = true
		}
	}
	return Continue
}

func (v *cancelVisitor) OnElement(index int, element *Element, container *Container) Traverse {
	if element.Status != StatusRunning && element.Status != StatusReviewing {
		return Continue
	}

	next := v.status
	if element.Status == StatusRunning && element.runCondition() == RunConditionPreTaskFailedEvenCancel {
		next = StatusRunning
	}

	element.Status = next
	if !container.hasPostTask() {
		container.Status = next
	}
	if next.IsFinish() {
		if element.StartEpoch != nil {
			element.Elapsed = int64Ptr(v.now - *element.StartEpoch)
		}
		container.ElementElapsed = int64Ptr(elementElapsedUpTo(container, index))
	}
	v.updated = true
	return Continue
}

func (v *cancelVisitor) NeedsSave() bool {
	return v.updated
}
