package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/stefan/pkg/logger"
)

// Janitor prunes expired records on a cron schedule so the store shrinks
// even when nobody is talking.
type Janitor struct {
	svc  *Service
	expr string
	now  func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewJanitor(svc *Service, expr string) (*Janitor, error) {
	if svc == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", expr)
	}
	return &Janitor{
		svc:    svc,
		expr:   expr,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// NextRun returns the first scheduled sweep strictly after ref.
func (j *Janitor) NextRun(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.expr, ref, false)
}

func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)
	logger.InfoCF("memory", "Memory janitor started", map[string]interface{}{"schedule": j.expr})
}

func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	for {
		next, err := j.NextRun(j.now())
		if err != nil {
			logger.ErrorCF("memory", "Cannot schedule memory sweep", map[string]interface{}{"error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-j.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single prune pass.
func (j *Janitor) Sweep(ctx context.Context) int {
	removed, err := j.svc.Prune(ctx, j.now())
	if err != nil {
		logger.ErrorCF("memory", "Memory sweep failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if removed > 0 {
		logger.InfoCF("memory", "Expired memories pruned", map[string]interface{}{"removed": removed})
	}
	return removed
}
