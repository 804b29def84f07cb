package build

// Traverse tells Walk whether to go on after a callback.
type Traverse int

const (
	// Continue proceeds to the next sibling or descends.
	Continue Traverse = iota
	// Break aborts the entire walk, including the remaining stages.
	Break
)

// Visitor is called by Walk for every node of a Model.
type Visitor interface {
	OnStage(stage *Stage, model *Model) Traverse
	OnContainer(container *Container, stage *Stage) Traverse
	OnElement(index int, element *Element, container *Container) Traverse

	// NeedsSave reports whether any callback changed the model.
	NeedsSave() bool
}

// Walk visits stages in order, then each stage's containers in order,
// then each container's elements in order.
// A matrix container's group containers are visited after its own elements.
// A stage's callback runs before its containers and a container's before its elements.
// It returns false if a callback returned Break.
func Walk(m *Model, v Visitor) bool {
	for _, s := range m.Stages {
		if v.OnStage(s, m) == Break {
			return false
		}
		for _, c := range s.Containers {
			if !walkContainer(c, s, v) {
				return false
			}
			if c.MatrixGroupFlag == nil || !*c.MatrixGroupFlag {
				continue
			}
			for _, gc := range c.GroupContainers {
				if !walkContainer(gc, s, v) {
					return false
				}
			}
		}
	}
	return true
}

func walkContainer(c *Container, s *Stage, v Visitor) bool {
	if v.OnContainer(c, s) == Break {
		return false
	}
	for i, e := range c.Elements {
		if v.OnElement(i, e, c) == Break {
			return false
		}
	}
	return true
}

// containerElapsedUpTo returns the sum of ElementElapsed over the containers of s
// up to and including the one at index last. reported is false if none of them had it set.
func containerElapsedUpTo(s *Stage, last int) (sum int64, reported bool) {
	for i := 0; i <= last && i < len(s.Containers); i++ {
		if v := s.Containers[i].ElementElapsed; v != nil {
			sum += *v
			reported = true
		}
	}
	return sum, reported
}

// elementElapsedUpTo returns the sum of Elapsed over the elements of c
// up to and including the one at index last.
func elementElapsedUpTo(c *Container, last int) int64 {
	var sum int64
	for i := 0; i <= last && i < len(c.Elements); i++ {
		if v := c.Elements[i].Elapsed; v != nil {
			sum += *v
		}
	}
	return sum
}

func indexOfContainer(s *Stage, c *Container) int {
	for i, sc := range s.Containers {
		if sc == c {
			return i
		}
	}
	return -1
}

// elapsedSince returns now minus start, or 0 if start isn't set.
func elapsedSince(start *int64, now int64) int64 {
	if start == nil {
		return 0
	}
	return now - *start
}
