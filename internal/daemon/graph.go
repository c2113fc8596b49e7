package daemon

import (
	"fmt"
	"strings"
)

// resolveOrder sorts components so every dependency comes before its
// dependents. Ties keep registration order.
func resolveOrder(components []Component) ([]Component, error) {
	byName := make(map[string]Component, len(components))
	for _, comp := range components {
		if _, dup := byName[comp.Name()]; dup {
			return nil, fmt.Errorf("component %s registered twice", comp.Name())
		}
		byName[comp.Name()] = comp
	}
	for _, comp := range components {
		for _, dep := range comp.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(components))
	order := make([]Component, 0, len(components))
	var path []string

	var visit func(comp Component) error
	visit = func(comp Component) error {
		name := comp.Name()
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency: %s -> %s", strings.Join(path, " -> "), name)
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range comp.Dependencies() {
			if err := visit(byName[dep]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, comp)
		return nil
	}

	for _, comp := range components {
		if err := visit(comp); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func componentNames(components []Component) []string {
	names := make([]string, len(components))
	for i, comp := range components {
		names[i] = comp.Name()
	}
	return names
}
