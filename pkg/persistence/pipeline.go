package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tombee/baton/pkg/errors"
)

// Pipeline orchestrates persistence modules through the Collect, Map,
// Save, and Publish stages, and feeds them loaded values before an
// instance tree is rehydrated.
//
// A pipeline in use is tracked by its host; abort races between
// persistence and the host resolve through the aborted flag, checked with
// a full barrier at every stage boundary: a host aborted mid-save aborts
// the pipeline and the save returns a cancellation.
type Pipeline struct {
	modules []Module
	aborted atomic.Bool
	logger  *slog.Logger
}

// NewPipeline creates a pipeline over the given modules.
func NewPipeline(logger *slog.Logger, modules ...Module) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{modules: modules, logger: logger}
}

// Abort marks the pipeline aborted. Stages in flight return an
// AbortedError at their next boundary.
func (p *Pipeline) Abort() {
	p.aborted.Store(true)
}

// IsSaveTransactionRequired reports whether any module demands a
// transaction for its Save stage.
func (p *Pipeline) IsSaveTransactionRequired() bool {
	for _, m := range p.modules {
		if sp, ok := m.(SaveParticipant); ok && sp.IsSaveTransactionRequired() {
			return true
		}
	}
	return false
}

// IsLoadTransactionRequired reports whether any module demands a
// transaction for its Load stage. The pipeline's Load does not consult
// it; the stage runs under whatever transaction the caller's context
// carries.
func (p *Pipeline) IsLoadTransactionRequired() bool {
	for _, m := range p.modules {
		if lp, ok := m.(LoadParticipant); ok && lp.IsLoadTransactionRequired() {
			return true
		}
	}
	return false
}

func (p *Pipeline) checkAborted() error {
	if p.aborted.Load() {
		return &errors.AbortedError{Reason: errors.New("persistence pipeline was aborted")}
	}
	return nil
}

// CollectAndMap runs stages one and two: every module contributes values
// on top of the host's base record, then every module maps the combined
// dictionary. A module contributing a key another participant already
// owns is an error.
func (p *Pipeline) CollectAndMap(ctx context.Context, base map[string]Value) (map[string]Value, error) {
	if err := p.checkAborted(); err != nil {
		return nil, err
	}

	values := make(map[string]Value, len(base))
	for k, v := range base {
		values[k] = v
	}

	for _, m := range p.modules {
		rw, wo, err := m.CollectValues(ctx)
		if err != nil {
			return nil, fmt.Errorf("persistence module collect failed: %w", err)
		}
		for k, v := range rw {
			if _, exists := values[k]; exists {
				return nil, fmt.Errorf("persistence module contributed duplicate key %q", k)
			}
			values[k] = v
		}
		for k, v := range wo {
			if _, exists := values[k]; exists {
				return nil, fmt.Errorf("persistence module contributed duplicate key %q", k)
			}
			v.Options |= OptionWriteOnly
			values[k] = v
		}
	}

	if err := p.checkAborted(); err != nil {
		return nil, err
	}

	for _, m := range p.modules {
		mapped, err := m.MapValues(ctx, values)
		if err != nil {
			return nil, fmt.Errorf("persistence module map failed: %w", err)
		}
		for k, v := range mapped {
			values[k] = v
		}
	}

	return values, nil
}

// SaveModules runs stage three: modules with back-ends of their own write
// them, possibly under the ambient transaction on ctx.
func (p *Pipeline) SaveModules(ctx context.Context, values map[string]Value) error {
	if err := p.checkAborted(); err != nil {
		return err
	}
	for _, m := range p.modules {
		sp, ok := m.(SaveParticipant)
		if !ok {
			continue
		}
		if err := sp.Save(ctx, values); err != nil {
			return fmt.Errorf("persistence module save failed: %w", err)
		}
		if err := p.checkAborted(); err != nil {
			return err
		}
	}
	return nil
}

// Publish runs stage four: after the store save commits, every module is
// notified with the record that was written.
func (p *Pipeline) Publish(ctx context.Context, values map[string]Value) error {
	if err := p.checkAborted(); err != nil {
		return err
	}
	for _, m := range p.modules {
		if err := m.PublishValues(ctx, values); err != nil {
			return fmt.Errorf("persistence module publish failed: %w", err)
		}
	}
	return nil
}

// Load feeds the values retrieved from the store to every module so each
// can claim the keys it recognizes and materialize side tables before the
// instance tree is rehydrated, then publishes.
func (p *Pipeline) Load(ctx context.Context, values map[string]Value) error {
	if err := p.checkAborted(); err != nil {
		return err
	}
	for _, m := range p.modules {
		if lp, ok := m.(LoadParticipant); ok {
			if err := lp.Load(ctx, values); err != nil {
				return fmt.Errorf("persistence module load failed: %w", err)
			}
		}
	}
	return p.Publish(ctx, values)
}
