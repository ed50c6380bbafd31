package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

func TestJobRegistry(t *testing.T) {
	expected := map[string]string{
		types.JobScrape:            queue.QueueScraping,
		types.JobScoreLead:         queue.QueueScoring,
		types.JobRescoreSweep:      queue.QueueScoring,
		types.JobCampaignSweep:     queue.QueueOutreach,
		types.JobSendEmail:         queue.QueueOutreach,
		types.JobFollowUp:          queue.QueueOutreach,
		types.JobRefreshEnrichment: queue.QueueEnrichment,
		types.JobCleanup:           queue.QueueMaintenance,
		types.JobHealthCheck:       queue.QueueMaintenance,
	}
	require.Len(t, JobRegistry, len(expected))

	for jobType, want := range expected {
		def, ok := JobRegistry[jobType]
		require.True(t, ok, "job %s should be in registry", jobType)
		assert.Equal(t, jobType, def.Type)
		assert.Equal(t, want, def.Queue)
		assert.NotEmpty(t, def.Description)
	}
}

func TestTriggerJobs(t *testing.T) {
	for name := range config.Default().Scheduler.Triggers {
		jobType, ok := TriggerJobs[name]
		require.True(t, ok, "trigger %s has a job", name)
		_, ok = JobRegistry[jobType]
		assert.True(t, ok, "trigger %s enqueues registered job %s", name, jobType)
	}
}

func TestQueueFor(t *testing.T) {
	q, err := QueueFor(types.JobFollowUp)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueOutreach, q)

	_, err = QueueFor("nope")
	var unknown *UnknownJobError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "unknown job type: nope", err.Error())
}

func TestJobTypes_Sorted(t *testing.T) {
	got := JobTypes()
	require.Len(t, got, len(JobRegistry))
	assert.IsIncreasing(t, got)
}

func TestValidateRegistry(t *testing.T) {
	all := []queue.Config{
		{Name: queue.QueueScraping}, {Name: queue.QueueScoring}, {Name: queue.QueueOutreach},
		{Name: queue.QueueEnrichment}, {Name: queue.QueueMaintenance},
	}
	assert.NoError(t, ValidateRegistry(all))

	err := ValidateRegistry(all[:4])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup (maintenance)")
	assert.Contains(t, err.Error(), "health_check (maintenance)")
}
