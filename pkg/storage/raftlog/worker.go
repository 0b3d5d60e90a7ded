// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// FetchResultHandler receives completed fetch tasks. The handler runs on a
// worker goroutine; implementations are expected to route the result back to
// the owning peer driver, which applies it with UpdateAsyncFetchRes.
type FetchResultHandler interface {
	OnFetchResult(task FetchTask, res *FetchResult)
}

// FetchResultHandlerFunc adapts a function to FetchResultHandler.
type FetchResultHandlerFunc func(task FetchTask, res *FetchResult)

func (f FetchResultHandlerFunc) OnFetchResult(task FetchTask, res *FetchResult) {
	f(task, res)
}

// FetchWorker serves background raft log reads for all peers of a store. It
// is shared: tasks identify their region, and results are delivered through
// the handler without the worker ever touching peer state.
type FetchWorker struct {
	services.Service

	engine  LogEngine
	handler FetchResultHandler
	logger  log.Logger

	concurrency int
	tasks       chan FetchTask
}

func NewFetchWorker(cfg Config, engine LogEngine, handler FetchResultHandler, logger log.Logger) *FetchWorker {
	w := &FetchWorker{
		engine:      engine,
		handler:     handler,
		logger:      logger,
		concurrency: cfg.FetchConcurrency,
		tasks:       make(chan FetchTask, cfg.FetchQueueLength),
	}
	w.Service = services.NewBasicService(nil, w.running, nil)
	return w
}

// Schedule enqueues a background fetch. It blocks when the queue is full
// rather than failing: the storage has already installed the in-flight slot
// and a dropped task would strand it.
func (w *FetchWorker) Schedule(task FetchTask) {
	w.tasks <- task
}

func (w *FetchWorker) running(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-w.tasks:
					w.handle(task)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (w *FetchWorker) handle(task FetchTask) {
	ents, err := w.engine.FetchEntriesTo(task.RegionID, task.Low, task.High, task.MaxSize, nil)
	if err != nil {
		level.Debug(w.logger).Log(
			"msg", "fetching raft log entries failed",
			"region_id", task.RegionID,
			"low", task.Low,
			"high", task.High,
			"err", err,
		)
		ents = nil
	}
	w.handler.OnFetchResult(task, &FetchResult{
		Ents:         ents,
		Err:          err,
		Low:          task.Low,
		MaxSize:      task.MaxSize,
		HitSizeLimit: err == nil && uint64(len(ents)) != task.High-task.Low,
		TriedCnt:     task.TriedCnt,
		Term:         task.Term,
	})
}
