package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultShutdownTimeout = 5 * time.Second

type LifecycleComponent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// LifecycleManager starts components after their dependencies and stops them in reverse.
// Sample start-up order for `groundlink serve`:
//
//	startOrder = []string{
//		"bus",              // Infrastructure, No Dependence
//		"mqtt-bridge",      // Depends on bus
//		"display",          // Depends on bus
//		"listener-primary", // Depends on bus
//	}
//
// Start passes its context straight through: components may keep it for
// their whole run. Stop bounds each component by the shutdown timeout.
type LifecycleManager struct {
	components      map[string]LifecycleComponent
	dependencies    map[string][]string // component -> dependencies
	startOrder      []string
	started         []string
	mu              sync.Mutex
	running         bool
	shutdownTimeout time.Duration
	logger          *logrus.Entry
}

func NewLifecycleManager(shutdownTimeout time.Duration) *LifecycleManager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &LifecycleManager{
		components:      make(map[string]LifecycleComponent),
		dependencies:    make(map[string][]string),
		shutdownTimeout: shutdownTimeout,
		logger:          logrus.WithField("component", "lifecycle"),
	}
}

func (lm *LifecycleManager) AddComponent(name string, component LifecycleComponent, dependencies ...string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running {
		return fmt.Errorf("cannot add component %s: %w", name, ErrAlreadyRunning)
	}
	if _, exists := lm.components[name]; exists {
		return fmt.Errorf("component already registered: %s", name)
	}
	if err := lm.checkCircularDependency(name, dependencies); err != nil {
		return fmt.Errorf("circular dependency detected: %w", err)
	}

	lm.components[name] = component
	lm.dependencies[name] = dependencies
	return nil
}

func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running {
		return fmt.Errorf("lifecycle: %w", ErrAlreadyRunning)
	}
	if err := lm.calculateStartOrder(); err != nil {
		return fmt.Errorf("failed to calculate start order: %w", err)
	}

	lm.started = lm.started[:0]
	for _, name := range lm.startOrder {
		if err := lm.components[name].Start(ctx); err != nil {
			// Stop already started components
			_ = lm.stopComponents(ctx)
			return fmt.Errorf("failed to start component %s: %w", name, err)
		}
		lm.started = append(lm.started, name)
		lm.logger.WithField("name", name).Debug("Component started")
	}

	lm.running = true
	return nil
}

func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.running {
		return nil
	}
	lm.running = false
	return lm.stopComponents(ctx)
}

// StartOrder returns the order computed by the last Start.
func (lm *LifecycleManager) StartOrder() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return append([]string(nil), lm.startOrder...)
}

func (lm *LifecycleManager) checkCircularDependency(componentID string, dependencies []string) error {
	visited := make(map[string]bool)
	return lm.checkCircularDependencyRecursive(componentID, dependencies, visited)
}

func (lm *LifecycleManager) checkCircularDependencyRecursive(currentID string, dependencies []string, visited map[string]bool) error {
	for _, dep := range dependencies {
		if dep == currentID {
			return fmt.Errorf("circular dependency: %s depends on itself", currentID)
		}

		if visited[dep] {
			continue
		}

		visited[dep] = true
		if deps, exist := lm.dependencies[dep]; exist {
			if err := lm.checkCircularDependencyRecursive(currentID, deps, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func (lm *LifecycleManager) calculateStartOrder() error {
	inDegree := make(map[string]int, len(lm.components))
	dependents := make(map[string][]string)

	for name, deps := range lm.dependencies {
		inDegree[name] += 0
		for _, dep := range deps {
			if _, exists := lm.components[dep]; !exists {
				return fmt.Errorf("component %s depends on unknown component %s", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Find nodes with no dependencies
	queue := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	// Topological sort
	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := dependents[current]
		sort.Strings(next)
		for _, neighbor := range next {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(order) != len(lm.components) {
		return fmt.Errorf("circular dependency detected")
	}

	lm.startOrder = order
	return nil
}

func (lm *LifecycleManager) stopComponents(ctx context.Context) error {
	var lastErr error

	for i := len(lm.started) - 1; i >= 0; i-- {
		name := lm.started[i]
		stopCtx, cancel := context.WithTimeout(ctx, lm.shutdownTimeout)
		err := lm.components[name].Stop(stopCtx)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("failed to stop component %s: %w", name, err)
			lm.logger.WithError(err).WithField("name", name).Warn("Component stop failed")
		}
	}
	lm.started = lm.started[:0]

	return lastErr
}
