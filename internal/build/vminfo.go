package build

var _ Visitor = (*vmInfoVisitor)(nil)

// vmInfoVisitor names the container that was dispatched to a VM after the VM.
type vmInfoVisitor struct {
	containerID string
	vmInfo      *VMInfo
	updated     bool
}

func (v *vmInfoVisitor) OnStage(*Stage, *Model) Traverse {
	return Continue
}

func (v *vmInfoVisitor) OnContainer(container *Container, _ *Stage) Traverse {
	target := container.ContainerByID(v.containerID)
	if target == nil {
		return Continue
	}
	if target.Type == ContainerTypeVMBuild && target.ShowBuildResource != nil && *target.ShowBuildResource {
		target.Name = v.vmInfo.Name
	}
	v.updated = true
	return Break
}

func (v *vmInfoVisitor) OnElement(int, *Element, *Container) Traverse {
	return Continue
}

func (v *vmInfoVisitor) NeedsSave() bool {
	return v.updated
}
