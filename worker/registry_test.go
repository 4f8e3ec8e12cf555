package worker_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	hset "github.com/hashicorp/go-set/v3"
	"github.com/stretchr/testify/require"

	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/worker"
)

func spec(id string, caps []string, slots int) worker.Spec {
	return worker.Spec{
		Id:           id,
		Locator:      id + ":9000",
		Capabilities: caps,
		MaxSlots:     slots,
	}
}

func TestRegisterIdempotentBumpsEpoch(t *testing.T) {
	r := worker.NewRegistry()
	e0 := r.Register(spec("w1", []string{"gpu"}, 4))
	require.Equal(t, uint64(0), e0)

	require.NoError(t, r.Reserve("w1", uuid.New()))

	e1 := r.Register(spec("w1", []string{"gpu"}, 4))
	require.Equal(t, uint64(1), e1)

	w, err := r.Get("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), w.LifetimeAssigned) // preserved across re-registration, not reset
}

func TestHeartbeatRecoversUnreachable(t *testing.T) {
	r := worker.NewRegistry()
	r.Register(spec("w1", nil, 1))

	dead, _ := r.RunHealthCheck(time.Now().Add(time.Hour), time.Minute, time.Hour*2)
	require.Empty(t, dead)

	w, err := r.Get("w1")
	require.NoError(t, err)
	require.Equal(t, worker.Unreachable, w.Status)

	require.NoError(t, r.Heartbeat("w1", worker.HeartbeatSnapshot{LoadFactor: 0.1}))
	w, err = r.Get("w1")
	require.NoError(t, err)
	require.Equal(t, worker.Active, w.Status)
}

func TestHealthCheckEscalatesToDeadAndSurrendersLeases(t *testing.T) {
	r := worker.NewRegistry()
	r.Register(spec("w1", nil, 2))
	id := uuid.New()
	require.NoError(t, forceReserve(r, "w1", id))

	future := time.Now().Add(10 * time.Hour)
	r.RunHealthCheck(future, time.Minute, time.Hour) // Active -> Unreachable
	dead, _ := r.RunHealthCheck(future, time.Minute, time.Hour)
	require.Len(t, dead, 1)
	require.Equal(t, "w1", dead[0].WorkerId)
	require.Contains(t, dead[0].JobIDs, id)

	w, err := r.Get("w1")
	require.NoError(t, err)
	require.Equal(t, worker.Dead, w.Status)
}

func TestDeregisterRefusesWithActiveLeasesUnlessForced(t *testing.T) {
	r := worker.NewRegistry()
	r.Register(spec("w1", nil, 1))
	require.NoError(t, forceReserve(r, "w1", uuid.New()))

	_, err := r.Deregister("w1", false)
	require.ErrorIs(t, err, worker.ErrHasLeases)

	surrendered, err := r.Deregister("w1", true)
	require.NoError(t, err)
	require.Len(t, surrendered, 1)
}

func TestSelectCandidatesFiltersByCapability(t *testing.T) {
	r := worker.NewRegistry()
	r.Register(spec("gpu-worker", []string{"gpu", "cuda"}, 1))
	r.Register(spec("cpu-worker", []string{"cpu"}, 4))

	j := &job.Job{
		Band:                 job.Normal,
		BasePriority:         500,
		RequiredCapabilities: hset.From([]string{"gpu"}),
	}

	cands := r.SelectCandidates(j)
	require.Len(t, cands, 1)
	require.Equal(t, "gpu-worker", cands[0].WorkerId)
}

func TestSelectCandidatesExcludesFullWorkers(t *testing.T) {
	r := worker.NewRegistry()
	r.Register(spec("w1", []string{"cpu"}, 1))
	require.NoError(t, forceReserve(r, "w1", uuid.New()))

	j := &job.Job{Band: job.Normal, RequiredCapabilities: hset.From([]string{"cpu"})}
	require.Empty(t, r.SelectCandidates(j))
}

func forceReserve(r *worker.Registry, workerId string, jobID uuid.UUID) error {
	return r.Reserve(workerId, jobID)
}
