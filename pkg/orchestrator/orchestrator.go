// Package orchestrator owns the proxy-layer startup sequence and the
// background loops. The control plane stays up even when individual
// startup steps fail; a degraded proxy layer must never block task
// dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/dispider/dispider/pkg/log"
	"github.com/dispider/dispider/pkg/proxy"
)

// Orchestrator brings the proxy manager to a running state and keeps
// its maintenance loops alive until shutdown.
type Orchestrator struct {
	proxy *proxy.Manager

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator over the proxy manager.
func New(pm *proxy.Manager) *Orchestrator {
	return &Orchestrator{proxy: pm}
}

// Start runs the startup sequence and launches the health and
// reassignment loops. Startup step failures are logged and skipped;
// the loops start regardless.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if err := o.proxy.RecoverMappings(loopCtx); err != nil {
		log.Error(fmt.Sprintf("Failed to recover container proxy mappings: %v", err))
	}

	hasGroups, err := o.proxy.HasGroups(loopCtx)
	if err != nil {
		log.Error(fmt.Sprintf("Failed to read proxy group list: %v", err))
	}
	if err == nil && !hasGroups {
		log.Info("No proxy groups published, refreshing from provider files")
		if err := o.proxy.Refresh(loopCtx); err != nil {
			log.Error(fmt.Sprintf("Initial proxy refresh failed: %v", err))
		}
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.proxy.RunHealthLoop(loopCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.proxy.RunReassignLoop(loopCtx)
	}()

	log.Info("Orchestrator started")
}

// Stop cancels the loops and waits for them to drain. Safe to call
// more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	o.wg.Wait()
	log.Info("Orchestrator stopped")
}
