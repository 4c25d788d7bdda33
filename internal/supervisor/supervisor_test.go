package supervisor

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalStateAdvancesAndSaturates(t *testing.T) {
	s := &Supervisor{}
	assert.Equal(t, stateNormal, s.signalState())

	atomic.AddInt32(&s.sig, 1)
	assert.Equal(t, stateDrainCreates, s.signalState())

	atomic.AddInt32(&s.sig, 1)
	assert.Equal(t, stateAbandonDestroys, s.signalState())

	atomic.AddInt32(&s.sig, 1)
	assert.Equal(t, stateExitImmediately, s.signalState())
}

func TestRunnerJobReapIsIdempotentAfterCompletion(t *testing.T) {
	j := startRunnerJob(func() error { return nil })

	var finished bool
	for i := 0; i < 1000 && !finished; i++ {
		finished, _ = j.reap()
	}
	assert.True(t, finished)

	finishedAgain, err := j.reap()
	assert.True(t, finishedAgain)
	assert.NoError(t, err)
}
