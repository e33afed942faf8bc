package gpu

import (
	"fmt"
	"log"
	"time"
)

// QueueType is a bitmask of the queue capabilities a task wants. The backend
// exposes a single unified queue, so the aggregated mask is recorded at
// compile time and every submission resolves to that queue.
type QueueType uint32

const (
	QueueGraphics QueueType = 1 << iota
	QueueCompute
	QueueTransfer
)

// SimulationState is the per-execute bookkeeping handed to task bodies: a
// strictly increasing tick index and wall-clock timing. Mutated only by
// TaskGraph.Execute.
type SimulationState struct {
	SimIndex       uint64
	DeltaTime      time.Duration
	TimeSinceEpoch time.Duration
}

// TaskDesc declares one node of the graph: a name, the queue kind it wants,
// the resources it touches, and the recorder callback that does the work.
// Execute is a single-use callback; the graph never invokes it outside the
// owning Execute call and never retains it past Clear.
type TaskDesc struct {
	Name      string
	Queue     QueueType
	Resources []ResourceAccess
	Execute   func(*CommandList)
}

// task is the compiled form of a TaskDesc: declaration order collapsed to a
// linear program, with the declared accesses kept for post-task validation.
type task struct {
	name     string
	declared []ResourceAccess
	execute  func(*CommandList)
}

// TaskGraph holds a list of declarative task descriptions, compiles them into
// a linear playable program (validating declarations and binding every
// declared resource into the bindless table), and executes the program on a
// single queue while maintaining the SimulationState.
//
// Single-threaded cooperative: Compile and Execute are called from one owner
// goroutine, task bodies run inline and sequentially, and Execute blocks on
// queue idle before returning.
type TaskGraph struct {
	device    *GPUDevice
	resources *ResourceManager
	pipelines *PipelineManager

	descs []TaskDesc
	tasks []task

	compiled   bool
	queueFlags QueueType

	state    SimulationState
	lastTick time.Time
	epoch    time.Time
}

// NewTaskGraph creates an empty graph over the given device and managers.
// Panics on nil required dependencies.
func NewTaskGraph(device *GPUDevice, resources *ResourceManager, pipelines *PipelineManager) *TaskGraph {
	if device == nil {
		panic("gpu: NewTaskGraph requires a non-nil GPUDevice")
	}
	if resources == nil {
		panic("gpu: NewTaskGraph requires a non-nil ResourceManager")
	}
	if pipelines == nil {
		panic("gpu: NewTaskGraph requires a non-nil PipelineManager")
	}
	return &TaskGraph{
		device:    device,
		resources: resources,
		pipelines: pipelines,
	}
}

// AddTask appends desc to the graph. No validation happens here; Compile
// validates the whole declaration set at once.
func (g *TaskGraph) AddTask(desc TaskDesc) {
	g.descs = append(g.descs, desc)
}

// Clear drops pending descriptions and compiled records. The next Execute is
// a no-op until Compile succeeds again.
func (g *TaskGraph) Clear() {
	g.descs = nil
	g.tasks = nil
	g.compiled = false
	g.queueFlags = 0
}

// State returns the current simulation state.
func (g *TaskGraph) State() SimulationState {
	return g.state
}

// QueueFlags returns the queue capabilities aggregated across all tasks by
// the last successful Compile. The backend submits everything on its unified
// queue; the mask records what the declarations asked for.
func (g *TaskGraph) QueueFlags() QueueType {
	return g.queueFlags
}

// Compile turns the declared tasks into the linear program Execute plays
// back. It validates that no task declares the same resource twice, binds
// every declared access into the bindless descriptor table, aggregates the
// queue flags, and flushes the descriptor tables so all slots are live before
// the first Execute. A failed compile leaves the graph inert.
func (g *TaskGraph) Compile() error {
	g.tasks = nil
	g.compiled = false
	g.queueFlags = 0

	for _, desc := range g.descs {
		seen := make(map[ResourceAccess]bool, len(desc.Resources))
		for _, access := range desc.Resources {
			key := ResourceAccess{Buffer: access.Buffer, Image: access.Image}
			if seen[key] {
				err := fmt.Errorf("task %q: resource used more than once (%s)", desc.Name, access)
				log.Printf("[TaskGraph] Compile: %v", err)
				g.device.Stats().CountDeclarationError()
				return err
			}
			seen[key] = true
		}
	}

	for _, desc := range g.descs {
		for _, access := range desc.Resources {
			var ok bool
			if access.Buffer != 0 {
				_, ok = g.resources.BindResource(access.Buffer, access.Usage)
			} else {
				_, ok = g.resources.BindResource(access.Image, access.Usage)
			}
			if !ok {
				err := fmt.Errorf("task %q: failed to bind %s", desc.Name, access)
				log.Printf("[TaskGraph] Compile: %v", err)
				return err
			}
		}
	}

	for _, desc := range g.descs {
		g.queueFlags |= desc.Queue
		g.tasks = append(g.tasks, task{
			name:     desc.Name,
			declared: desc.Resources,
			execute:  desc.Execute,
		})
	}

	if err := g.pipelines.FlushDescriptors(); err != nil {
		log.Printf("[TaskGraph] Compile: descriptor flush failed: %v", err)
		return err
	}

	g.compiled = true
	return nil
}

// Execute advances the simulation state, plays every task back in declaration
// order into one command encoder, submits the result, and waits for the queue
// to go idle. A no-op on a graph whose last Compile failed or was never run.
func (g *TaskGraph) Execute() error {
	if !g.compiled {
		return nil
	}

	g.advanceState()

	encoder, err := g.device.Device().CreateCommandEncoder(nil)
	if err != nil {
		log.Printf("[TaskGraph] Execute: create command encoder failed: %v", err)
		return err
	}

	for _, t := range g.tasks {
		list := NewCommandList(t.name, g.device, g.pipelines, g.resources, encoder, g.state)
		if t.execute != nil {
			t.execute(list)
		}
		g.validateTask(t)
		list.Close()
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		log.Printf("[TaskGraph] Execute: finish command encoder failed: %v", err)
		return err
	}
	g.device.Queue().Submit(cmd)
	cmd.Release()
	encoder.Release()

	g.device.Device().Poll(true, nil)
	return nil
}

// advanceState increments the tick index and measures the wall-clock delta
// against the previous tick; the delta is zero on the first call.
func (g *TaskGraph) advanceState() {
	now := time.Now()
	g.state.SimIndex++
	if g.lastTick.IsZero() {
		g.epoch = now
		g.state.DeltaTime = 0
	} else {
		g.state.DeltaTime = now.Sub(g.lastTick)
	}
	g.state.TimeSinceEpoch = now.Sub(g.epoch)
	g.lastTick = now
}

// validateTask runs the post-task validator: every access the task declared
// must appear in the union of bound resources across the pipelines its body
// bound. Mismatches are advisory warnings, never fatal.
func (g *TaskGraph) validateTask(t task) {
	bound := g.pipelines.AllBoundResources()
	for _, access := range t.declared {
		if _, ok := bound[access]; !ok {
			log.Printf("[TaskGraph] warning: %s declared by task %q was not bound by any pipeline", access, t.name)
			g.device.Stats().CountWarning()
		}
	}
	for access := range bound {
		if !containsAccess(t.declared, access) {
			log.Printf("[TaskGraph] warning: %s bound by a pipeline in task %q but not declared", access, t.name)
			g.device.Stats().CountWarning()
		}
	}
}

func containsAccess(declared []ResourceAccess, access ResourceAccess) bool {
	for _, d := range declared {
		if d == access {
			return true
		}
	}
	return false
}
