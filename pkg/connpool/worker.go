package connpool

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/task"
)

// Worker drives socket I/O for a disjoint subset of connections. Worker 0
// doubles as the dispatcher: with NWorker == 1 every cross-loop post
// resolves on the same loop.
type Worker struct {
	idx   int
	loop  *task.Loop
	nconn atomic.Int64
	disp  bool
	log   *zap.Logger
}

func newWorker(idx int, log *zap.Logger) *Worker {
	return &Worker{
		idx:  idx,
		loop: task.NewLoop(fmt.Sprintf("worker-%d", idx)),
		log:  log,
	}
}

// Loop returns the worker's task loop.
func (w *Worker) Loop() *task.Loop { return w.loop }

// IsDispatcher reports whether this worker hosts the dispatcher.
func (w *Worker) IsDispatcher() bool { return w.disp }

// NConn returns the number of live connections assigned to this worker.
func (w *Worker) NConn() int64 { return w.nconn.Load() }

// feed hands a prepared connection to the worker, which starts its I/O
// goroutines. Dead connections are discarded.
func (w *Worker) feed(c *Conn) {
	w.loop.Post(func() {
		if c.IsTerminated() {
			w.log.Info("worker discarding dead connection",
				zap.Int("worker", w.idx), zap.String("conn", c.String()))
			return
		}
		w.log.Info("worker got connection",
			zap.Int("worker", w.idx), zap.String("conn", c.String()))
		c.fedFlag = true
		w.nconn.Add(1)
		go c.recvLoop()
		go c.sendLoop()
	})
}

// unfeed runs after feed on the same loop, so the counter pairs correctly
// even when a connection dies before the worker ever picked it up.
func (w *Worker) unfeed(c *Conn) {
	w.loop.Post(func() {
		if c.fedFlag {
			c.fedFlag = false
			w.nconn.Add(-1)
		}
	})
}

func (w *Worker) start() {
	w.loop.Start()
}

func (w *Worker) stop() {
	w.loop.Stop()
	w.loop.Join()
}
