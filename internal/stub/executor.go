package stub

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeassist/gateway/internal/model"
)

// Executor places the order behind an approved proposal and returns the
// downstream order id. A decision is recorded before execution runs, so
// an execution error never rolls the decision back.
type Executor interface {
	Execute(ctx context.Context, p model.Proposal) (orderID string, err error)
}

// SimExecutor fills orders synthetically. failureRate in [0,1] injects
// random rejections so consumers see the decided-but-not-executed path
// without a real broker.
type SimExecutor struct {
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimExecutor creates a synthetic executor with the given failure
// rate.
func NewSimExecutor(failureRate float64) *SimExecutor {
	return &SimExecutor{
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *SimExecutor) Execute(_ context.Context, p model.Proposal) (string, error) {
	e.mu.Lock()
	roll := e.rng.Float64()
	e.mu.Unlock()

	if roll < e.failureRate {
		return "", fmt.Errorf("order rejected (simulated): %s %d %s @ %.2f",
			p.Action, p.Quantity, p.Symbol, p.Price)
	}
	return uuid.New().String(), nil
}
