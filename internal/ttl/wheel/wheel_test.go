package wheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleFiresTouch(t *testing.T) {
	sw := NewSweeper(10*time.Millisecond, 10)
	sw.Start()
	defer sw.Stop()

	var fired int32
	sw.Schedule(20*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}
