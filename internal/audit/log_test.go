package audit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNextUnconsumedConsumesOnce(t *testing.T) {
	log := NewLog()
	log.Append(&Record{File: "a.py", Verdict: VerdictPass, TaskID: "t1"})
	log.Append(&Record{File: "b.py", Verdict: VerdictFail, TaskID: "t1"})
	log.Append(&Record{File: "c.py", Verdict: VerdictReject, TaskID: "t1"})

	rec := log.NextUnconsumed()
	require.NotNil(t, rec)
	assert.Equal(t, "b.py", rec.File)

	// The FAIL record was consumed; PASS and REJECT are never candidates.
	assert.Nil(t, log.NextUnconsumed())
}

func TestLogUnconsumedFailuresForTask(t *testing.T) {
	log := NewLog()
	log.Append(&Record{File: "a.py", Verdict: VerdictFail, TaskID: "t1"})
	log.Append(&Record{File: "b.py", Verdict: VerdictFail, TaskID: "t2"})

	failures := log.UnconsumedFailuresForTask("t1")
	require.Len(t, failures, 1)
	assert.Equal(t, "a.py", failures[0].File)

	// Scanning does not consume.
	assert.Len(t, log.UnconsumedFailuresForTask("t1"), 1)

	log.Consume(failures[0])
	assert.Empty(t, log.UnconsumedFailuresForTask("t1"))

	// t2's failure is still available to the director.
	rec := log.NextUnconsumed()
	require.NotNil(t, rec)
	assert.Equal(t, "b.py", rec.File)
}

func TestLogNextUnconsumedExcludingSkipsInflightTasks(t *testing.T) {
	log := NewLog()
	log.Append(&Record{File: "a.py", Verdict: VerdictFail, TaskID: "building"})
	log.Append(&Record{File: "b.py", Verdict: VerdictFail, TaskID: "done"})

	skip := map[string]struct{}{"building": {}}
	rec := log.NextUnconsumedExcluding(skip)
	require.NotNil(t, rec)
	assert.Equal(t, "b.py", rec.File)

	// The skipped record was not consumed, just passed over.
	assert.Nil(t, log.NextUnconsumedExcluding(skip))
	rec = log.NextUnconsumed()
	require.NotNil(t, rec)
	assert.Equal(t, "a.py", rec.File)
}

func TestLogConcurrentAppendAndScan(t *testing.T) {
	log := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			log.Append(&Record{File: "f.py", Verdict: VerdictFail, TaskID: "t"})
		}()
		go func() {
			defer wg.Done()
			log.NextUnconsumed()
		}()
	}
	wg.Wait()

	consumed := 0
	for log.NextUnconsumed() != nil {
		consumed++
	}
	total := 0
	for _, rec := range log.Snapshot() {
		if rec.Verdict == VerdictFail {
			total++
		}
	}
	assert.Equal(t, 50, total)
	assert.LessOrEqual(t, consumed, 50)
}
