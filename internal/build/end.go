package build

var _ Visitor = (*endVisitor)(nil)

// unknownTagName is reported for tag ids the tag service doesn't know.
const unknownTagName = "null"

// endVisitor collapses every still-running node to the final status.
// It captures the stage history snapshot before anything is changed.
type endVisitor struct {
	status   Status
	now      int64             // Unix milliseconds
	tagNames map[string]string // stage tag id to display name

	snapshot []*BuildStageStatus
	captured bool
	updated  bool
}

func (v *endVisitor) OnStage(stage *Stage, model *Model) Traverse {
	if !v.captured {
		v.captured = true
		v.snapshot = stageStatusSnapshot(model, v.tagNames)
	}

	if stage.ID == "" {
		return Break
	}

	if stage.Status.IsRunning() {
		stage.Status = v.status
		stage.Elapsed = int64Ptr(elapsedSince(stage.StartEpoch, v.now))
		v.updated = true
	}
	return Continue
}

func (v *endVisitor) OnContainer(container *Container, _ *Stage) Traverse {
	if container.Status.IsRunning() {
		container.Status = v.status
		container.ElementElapsed = int64Ptr(elapsedSince(container.StartEpoch, v.now))
		v.updated = true
	}
	return Continue
}

func (v *endVisitor) OnElement(index int, element *Element, container *Container) Traverse {
	if element.Status.IsRunning() {
		element.Status = v.status
		if element.StartEpoch != nil {
			element.Elapsed = int64Ptr(v.now - *element.StartEpoch)
		}
		container.ElementElapsed = int64Ptr(elementElapsedUpTo(container, index))
		v.updated = true
	}
	return Continue
}

func (v *endVisitor) NeedsSave() bool {
	return v.updated
}

func stageStatusSnapshot(m *Model, tagNames map[string]string) []*BuildStageStatus {
	snapshot := make([]*BuildStageStatus, 0, len(m.Stages))
	for _, s := range m.Stages {
		name := s.Name
		if name == "" {
			name = s.ID
		}

		var tags []string
		for _, id := range s.Tag {
			tagName, ok := tagNames[id]
			if !ok {
				tagName = unknownTagName
			}
			tags = append(tags, tagName)
		}

		snapshot = append(snapshot, &BuildStageStatus{
			StageID:    s.ID,
			Name:       name,
			Status:     s.Status,
			StartEpoch: copyInt64Ptr(s.StartEpoch),
			Elapsed:    copyInt64Ptr(s.Elapsed),
			Tag:        tags,
		})
	}
	return snapshot
}

func stageTagIDs(m *Model) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, s := range m.Stages {
		for _, id := range s.Tag {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func copyInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	return int64Ptr(*p)
}
