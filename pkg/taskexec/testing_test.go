package taskexec

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// Shared ordered record of collaborator release calls.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) Append(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

func (r *callRecorder) Count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.calls {
		if c == call {
			count++
		}
	}
	return count
}

type recordingNodeActions struct {
	mu      sync.Mutex
	updates []*protocol.TaskExecutionState
	updateC chan *protocol.TaskExecutionState
	fatalC  chan string
}

func newRecordingNodeActions() *recordingNodeActions {
	return &recordingNodeActions{
		updateC: make(chan *protocol.TaskExecutionState, 16),
		fatalC:  make(chan string, 16),
	}
}

func (a *recordingNodeActions) UpdateTaskExecutionState(state *protocol.TaskExecutionState) {
	a.mu.Lock()
	a.updates = append(a.updates, state)
	a.mu.Unlock()
	a.updateC <- state
}

func (a *recordingNodeActions) NotifyFatalError(message string, cause error) {
	a.fatalC <- message
}

func (a *recordingNodeActions) Updates() []*protocol.TaskExecutionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*protocol.TaskExecutionState{}, a.updates...)
}

type stubMemoryManager struct {
	mu     sync.Mutex
	owners []interface{}
	rec    *callRecorder
}

func (m *stubMemoryManager) ReleaseAll(owner interface{}) error {
	m.mu.Lock()
	m.owners = append(m.owners, owner)
	m.mu.Unlock()
	m.rec.Append("release-memory")
	return nil
}

type stubLibraryCache struct {
	registry *Registry
	rec      *callRecorder

	// When set, RegisterTask blocks until the channel is closed.
	blockRegister chan struct{}

	registered   atomic.Int32
	unregistered atomic.Int32
}

func (c *stubLibraryCache) RegisterTask(job protocol.JobID, execution protocol.ExecutionID, artifacts []string) error {
	if c.blockRegister != nil {
		<-c.blockRegister
	}
	c.registered.Add(1)
	return nil
}

func (c *stubLibraryCache) Resolver(job protocol.JobID) (*Resolver, error) {
	return NewResolver(job, c.registry), nil
}

func (c *stubLibraryCache) UnregisterTask(job protocol.JobID, execution protocol.ExecutionID) {
	c.unregistered.Add(1)
	c.rec.Append("unregister-library")
}

type stubBlobService struct {
	rec        *callRecorder
	registered atomic.Int32
	released   atomic.Int32
}

func (s *stubBlobService) RegisterJob(job protocol.JobID) error {
	s.registered.Add(1)
	return nil
}

func (s *stubBlobService) ReleaseJob(job protocol.JobID) {
	s.released.Add(1)
	s.rec.Append("release-blob")
}

type stubFileCache struct {
	mu       sync.Mutex
	created  []string
	released atomic.Int32
	rec      *callRecorder
}

func (c *stubFileCache) CreateTmpFile(name string, entry protocol.CacheEntry, job protocol.JobID, execution protocol.ExecutionID) *utils.Future[string] {
	c.mu.Lock()
	c.created = append(c.created, name)
	c.mu.Unlock()
	return utils.CompletedFuture("/staging/" + name)
}

func (c *stubFileCache) ReleaseJob(job protocol.JobID, execution protocol.ExecutionID) {
	c.released.Add(1)
	c.rec.Append("release-filecache")
}

type stubWriter struct {
	id  protocol.ResultPartitionID
	rec *callRecorder

	mu       sync.Mutex
	setup    int
	finished int
	closed   int
	failed   []error
	setupErr error
}

func (w *stubWriter) ID() protocol.ResultPartitionID {
	return w.id
}

func (w *stubWriter) Setup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setup++
	return w.setupErr
}

func (w *stubWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished++
	return nil
}

func (w *stubWriter) Fail(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = append(w.failed, cause)
}

func (w *stubWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	if w.closed == 1 {
		w.rec.Append("close-partition")
	}
	return nil
}

func (w *stubWriter) FinishCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

func (w *stubWriter) FailCauses() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error{}, w.failed...)
}

type stubGate struct {
	dataset protocol.IntermediateDatasetID
	rec     *callRecorder

	mu     sync.Mutex
	setup  int
	closed int
}

func (g *stubGate) ConsumedDatasetID() protocol.IntermediateDatasetID {
	return g.dataset
}

func (g *stubGate) Setup() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setup++
	return nil
}

func (g *stubGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	if g.closed == 1 {
		g.rec.Append("close-gate")
	}
	return nil
}

type stubNetwork struct {
	writers []PartitionWriter
	gates   []InputGate
}

func (n *stubNetwork) CreatePartitionWriters(taskName string, job protocol.JobID, execution protocol.ExecutionID, descriptors []protocol.ResultPartitionDescriptor) []PartitionWriter {
	return n.writers
}

func (n *stubNetwork) CreateInputGates(taskName string, execution protocol.ExecutionID, provider PartitionProducerStateProvider, descriptors []protocol.InputGateDescriptor) []InputGate {
	return n.gates
}

type stubEventDispatcher struct {
	rec          *callRecorder
	mu           sync.Mutex
	registered   []protocol.ResultPartitionID
	unregistered []protocol.ResultPartitionID
}

func (d *stubEventDispatcher) RegisterPartition(partition protocol.ResultPartitionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, partition)
}

func (d *stubEventDispatcher) UnregisterPartition(partition protocol.ResultPartitionID) {
	d.mu.Lock()
	d.unregistered = append(d.unregistered, partition)
	d.mu.Unlock()
	d.rec.Append("unregister-partition")
}

type stubStateChecker struct {
	future *utils.Future[protocol.ExecutionState]
}

func (c *stubStateChecker) RequestPartitionProducerState(job protocol.JobID, dataset protocol.IntermediateDatasetID, partition protocol.ResultPartitionID) *utils.Future[protocol.ExecutionState] {
	return c.future
}

func failedStateFuture(err error) *utils.Future[protocol.ExecutionState] {
	return utils.FailedFuture[protocol.ExecutionState](err)
}

type stubTaskStateManager struct {
	mu       sync.Mutex
	notified []int64
	err      error
}

func (m *stubTaskStateManager) NotifyCheckpointComplete(checkpointID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, checkpointID)
	return m.err
}

func (m *stubTaskStateManager) Notified() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64{}, m.notified...)
}

type decline struct {
	checkpointID int64
	reason       error
}

type recordingResponder struct {
	declineC chan decline
}

func newRecordingResponder() *recordingResponder {
	return &recordingResponder{
		declineC: make(chan decline, 16),
	}
}

func (r *recordingResponder) DeclineCheckpoint(job protocol.JobID, execution protocol.ExecutionID, checkpointID int64, reason error) {
	r.declineC <- decline{checkpointID: checkpointID, reason: reason}
}

// Configurable operator driven by the container under test.
type testOperator struct {
	env *Environment

	// Behavior knobs, set before the task starts.
	invoke            func(op *testOperator) error
	onCancel          func(op *testOperator)
	interruptOnCancel bool
	triggerResult     bool
	triggerErr        error
	notifyErr         error

	invokeStarted chan struct{}
	release       chan struct{}

	invokeCount  atomic.Int32
	cancelCount  atomic.Int32
	mu           sync.Mutex
	triggeredIDs []int64
	notifiedIDs  []int64
}

func newTestOperator() *testOperator {
	op := &testOperator{
		triggerResult: true,
		invokeStarted: make(chan struct{}),
		release:       make(chan struct{}),
	}
	op.invoke = func(op *testOperator) error { return nil }
	return op
}

func (op *testOperator) Invoke() error {
	op.invokeCount.Add(1)
	close(op.invokeStarted)
	return op.invoke(op)
}

func (op *testOperator) Cancel() error {
	op.cancelCount.Add(1)
	if op.onCancel != nil {
		op.onCancel(op)
	}
	return nil
}

func (op *testOperator) TriggerCheckpoint(meta protocol.CheckpointMetaData, options protocol.CheckpointOptions, advanceToEndOfEventTime bool) (bool, error) {
	op.mu.Lock()
	op.triggeredIDs = append(op.triggeredIDs, meta.CheckpointID)
	op.mu.Unlock()
	return op.triggerResult, op.triggerErr
}

func (op *testOperator) NotifyCheckpointComplete(checkpointID int64) error {
	op.mu.Lock()
	op.notifiedIDs = append(op.notifiedIDs, checkpointID)
	op.mu.Unlock()
	return op.notifyErr
}

func (op *testOperator) ShouldInterruptOnCancel() bool {
	return op.interruptOnCancel
}

func (op *testOperator) TriggeredIDs() []int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]int64{}, op.triggeredIDs...)
}

func (op *testOperator) NotifiedIDs() []int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]int64{}, op.notifiedIDs...)
}

// Test harness bundling the container with its stub collaborators.
type harness struct {
	rec          *callRecorder
	nodeActions  *recordingNodeActions
	memory       *stubMemoryManager
	libraryCache *stubLibraryCache
	blobService  *stubBlobService
	fileCache    *stubFileCache
	network      *stubNetwork
	events       *stubEventDispatcher
	checker      *stubStateChecker
	stateManager *stubTaskStateManager
	responder    *recordingResponder
	registry     *Registry
	executor     *utils.ExecutorPool
	writer       *stubWriter
	gate         *stubGate
	halted       chan int
}

func newHarness(t *testing.T) *harness {
	rec := &callRecorder{}

	h := &harness{
		rec:          rec,
		nodeActions:  newRecordingNodeActions(),
		memory:       &stubMemoryManager{rec: rec},
		libraryCache: &stubLibraryCache{registry: NewRegistry(), rec: rec},
		blobService:  &stubBlobService{rec: rec},
		fileCache:    &stubFileCache{rec: rec},
		events:       &stubEventDispatcher{rec: rec},
		checker:      &stubStateChecker{future: utils.CompletedFuture(protocol.ExecutionState_RUNNING)},
		stateManager: &stubTaskStateManager{},
		responder:    newRecordingResponder(),
		executor:     utils.NewExecutorPool(),
		writer:       &stubWriter{id: protocol.NewResultPartitionID(), rec: rec},
		gate:         &stubGate{dataset: protocol.IntermediateDatasetID("dataset"), rec: rec},
		halted:       make(chan int, 4),
	}
	h.registry = h.libraryCache.registry
	h.network = &stubNetwork{
		writers: []PartitionWriter{h.writer},
		gates:   []InputGate{h.gate},
	}
	h.executor.Start()
	t.Cleanup(h.executor.Stop)
	return h
}

func (h *harness) newTask(t *testing.T, op *testOperator, options *Options) *Task {
	return h.newTaskNamed(t, op, options, "test-operator")
}

func (h *harness) newTaskNamed(t *testing.T, op *testOperator, options *Options, factory string) *Task {
	require.NoError(t, h.registry.Register("test-operator", func(env *Environment) (Invokable, error) {
		op.env = env
		return op, nil
	}))

	deployment := &Deployment{
		JobID:            protocol.NewJobID(),
		JobVertexID:      protocol.NewJobVertexID(),
		ExecutionID:      protocol.NewExecutionID(),
		AllocationID:     protocol.NewAllocationID(),
		TaskName:         "Test Operator",
		NumberOfSubtasks: 1,
		OperatorFactory:  factory,
		ResultPartitions: []protocol.ResultPartitionDescriptor{
			{PartitionID: h.writer.id, DatasetID: "dataset"},
		},
		InputGates: []protocol.InputGateDescriptor{
			{ConsumedDatasetID: "dataset"},
		},
	}

	services := &Services{
		MemoryManager:       h.memory,
		LibraryCache:        h.libraryCache,
		BlobService:         h.blobService,
		FileCache:           h.fileCache,
		Network:             h.network,
		EventDispatcher:     h.events,
		StateChecker:        h.checker,
		TaskStateManager:    h.stateManager,
		CheckpointResponder: h.responder,
		NodeActions:         h.nodeActions,
		Executor:            h.executor,
		Fs:                  afero.NewMemMapFs(),
		Halter: func(code int) {
			h.halted <- code
		},
	}

	if options == nil {
		options = DefaultOptions()
	}

	task, err := NewTask(deployment, services, options)
	require.NoError(t, err)
	return task
}

func awaitState(t *testing.T, c <-chan *protocol.TaskExecutionState, expected protocol.ExecutionState) *protocol.TaskExecutionState {
	t.Helper()
	for {
		select {
		case update := <-c:
			if update.State == expected {
				return update
			}
		case <-time.After(5 * time.Second):
			require.FailNowf(t, "timeout", "state %v was never published", expected)
			return nil
		}
	}
}

func awaitTerminated(t *testing.T, task *Task, timeout time.Duration) {
	t.Helper()
	select {
	case <-task.Terminated():
	case <-time.After(timeout):
		require.FailNow(t, "task goroutine did not terminate in time")
	}
}
