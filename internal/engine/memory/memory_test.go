package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ec2-elastic-agent/internal/engine"
)

type MemoryEngineSuite struct {
	suite.Suite
	ctx context.Context
	now time.Time
	eng *Engine
}

func (s *MemoryEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.eng = New(WithClock(func() time.Time { return s.now }))
}

func TestMemoryEngineSuite(t *testing.T) {
	suite.Run(t, new(MemoryEngineSuite))
}

func (s *MemoryEngineSuite) spec(subnet string) engine.RunSpec {
	return engine.RunSpec{
		ImageID:  "ami-1",
		SubnetID: subnet,
		Tags:     map[string]string{"type": "ea", "jobId": "1"},
	}
}

func (s *MemoryEngineSuite) TestRunAndList() {
	id, err := s.eng.Run(s.ctx, s.spec("subnet-a"))
	require.NoError(s.T(), err)
	assert.Regexp(s.T(), `^i-[0-9a-f]{17}$`, id)

	list, err := s.eng.ListByTag(s.ctx, map[string]string{"type": "ea"})
	require.NoError(s.T(), err)
	require.Len(s.T(), list, 1)
	assert.Equal(s.T(), id, list[0].ID)
	assert.Equal(s.T(), s.now, list[0].LaunchTime)
	assert.Equal(s.T(), "subnet-a", list[0].SubnetID)

	list, err = s.eng.ListByTag(s.ctx, map[string]string{"type": "other"})
	require.NoError(s.T(), err)
	assert.Empty(s.T(), list)
}

func (s *MemoryEngineSuite) TestListReturnsCopies() {
	id, err := s.eng.Run(s.ctx, s.spec("subnet-a"))
	require.NoError(s.T(), err)

	list, _ := s.eng.ListByTag(s.ctx, nil)
	list[0].Tags["type"] = "changed"

	inst, ok := s.eng.Instance(id)
	require.True(s.T(), ok)
	assert.Equal(s.T(), "ea", inst.Tags["type"])
}

func (s *MemoryEngineSuite) TestRunFailureInjection() {
	boom := engine.Transient("run", errors.New("InsufficientInstanceCapacity"))
	s.eng.FailRun("subnet-a", boom)

	_, err := s.eng.Run(s.ctx, s.spec("subnet-a"))
	assert.ErrorIs(s.T(), err, boom)
	assert.Equal(s.T(), 0, s.eng.Len())

	_, err = s.eng.Run(s.ctx, s.spec("subnet-b"))
	assert.NoError(s.T(), err)

	s.eng.FailRun("subnet-a", nil)
	_, err = s.eng.Run(s.ctx, s.spec("subnet-a"))
	assert.NoError(s.T(), err)

	assert.Len(s.T(), s.eng.Runs(), 3)
}

func (s *MemoryEngineSuite) TestRunDelayHonoursContext() {
	eng := New(WithRunDelay(time.Hour))
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()

	_, err := eng.Run(ctx, s.spec("subnet-a"))
	assert.True(s.T(), engine.IsTransient(err))
	assert.True(s.T(), engine.IsTimeout(err))
}

func (s *MemoryEngineSuite) TestTerminate() {
	id, err := s.eng.Run(s.ctx, s.spec("subnet-a"))
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.eng.Terminate(s.ctx, id))
	assert.ErrorIs(s.T(), s.eng.Terminate(s.ctx, id), engine.ErrNotFound)
	assert.Equal(s.T(), []string{id, id}, s.eng.Terminates())

	_, err = s.eng.Describe(s.ctx, id)
	assert.ErrorIs(s.T(), err, engine.ErrNotFound)
}

func (s *MemoryEngineSuite) TestTerminateFailureInjection() {
	id, _ := s.eng.Run(s.ctx, s.spec("subnet-a"))
	s.eng.FailTerminate(id, engine.Transient("terminate", errors.New("throttled")))

	assert.Error(s.T(), s.eng.Terminate(s.ctx, id))
	assert.Equal(s.T(), 1, s.eng.Len())

	state, err := s.eng.Describe(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "running", state)
}

func (s *MemoryEngineSuite) TestPutAndVanish() {
	s.eng.Put(engine.Instance{ID: "i-external", Tags: map[string]string{"type": "ea"}})
	list, _ := s.eng.ListByTag(s.ctx, map[string]string{"type": "ea"})
	require.Len(s.T(), list, 1)

	s.eng.Vanish("i-external")
	assert.Equal(s.T(), 0, s.eng.Len())
	assert.Empty(s.T(), s.eng.Terminates())
}

func (s *MemoryEngineSuite) TestListFailure() {
	s.eng.FailList(errors.New("throttled"))
	_, err := s.eng.ListByTag(s.ctx, nil)
	assert.Error(s.T(), err)
}
