package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
	"github.com/nexoriau/modelforu-sub001/internal/genapi"
	"github.com/nexoriau/modelforu-sub001/internal/queue"
	"github.com/nexoriau/modelforu-sub001/internal/repository"
	"github.com/nexoriau/modelforu-sub001/internal/service"
)

type fakeGenerator struct {
	mu        sync.Mutex
	submitID  string
	submitErr error
	statuses  []genapi.Status
	pollCalls int
	result    []byte
	resultCT  string
	payloads  []genapi.SubmitPayload
}

func (g *fakeGenerator) Submit(_ context.Context, payload genapi.SubmitPayload) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payloads = append(g.payloads, payload)
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return g.submitID, nil
}

func (g *fakeGenerator) PollStatus(context.Context, string) (genapi.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollCalls++
	if len(g.statuses) == 0 {
		return genapi.StatusRunning, nil
	}
	status := g.statuses[0]
	if len(g.statuses) > 1 {
		g.statuses = g.statuses[1:]
	}
	return status, nil
}

func (g *fakeGenerator) FetchResult(context.Context, string) ([]byte, string, error) {
	return g.result, g.resultCT, nil
}

func (g *fakeGenerator) polls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pollCalls
}

type fakeMedia struct {
	uploadedURL string
	inline      string
	inlineErr   error
	uploads     [][]byte
}

func (m *fakeMedia) UploadMedia(_ context.Context, data []byte, _ string) (string, error) {
	m.uploads = append(m.uploads, data)
	return m.uploadedURL, nil
}

func (m *fakeMedia) SourceImageToInline(context.Context, string) (string, error) {
	if m.inlineErr != nil {
		return "", m.inlineErr
	}
	return m.inline, nil
}

type fakeSink struct {
	mu      sync.Mutex
	results []service.Result
	err     error
}

func (s *fakeSink) ApplyResult(_ context.Context, result service.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, result)
	return nil
}

func videoJob() domain.GenerationJob {
	return domain.GenerationJob{
		ID:           "job-1",
		Type:         domain.GenerationTypeVideo,
		Description:  "slow pan over a coastline",
		UserID:       "user-1",
		GenerationID: "gen-1",
		ModelID:      "model-1",
		FPS:          24,
		VideoLength:  8,
		ImageURL:     "https://cdn.example.com/src/coast.png",
		Batch:        domain.BatchRef{Index: 1, Total: 1},
	}
}

func fastPoll() PollPolicy {
	return PollPolicy{Interval: time.Millisecond, MaxAttempts: 50}
}

func TestProcessJobDrivesFullStateMachine(t *testing.T) {
	gen := &fakeGenerator{
		submitID: "ext-1",
		statuses: []genapi.Status{genapi.StatusQueued, genapi.StatusRunning, genapi.StatusSucceeded},
		result:   []byte("mp4-bytes"),
		resultCT: "video/mp4",
	}
	media := &fakeMedia{uploadedURL: "https://cdn.example.com/v/final.mp4", inline: "aW5saW5l"}
	sink := &fakeSink{}
	processor := NewProcessor(nil, gen, media, sink, fastPoll(), zerolog.Nop())

	require.NoError(t, processor.ProcessJob(context.Background(), videoJob()))

	require.Len(t, gen.payloads, 1)
	assert.Equal(t, "aW5saW5l", gen.payloads[0].Image, "source image inlined for image-to-video")
	assert.Equal(t, "slow pan over a coastline", gen.payloads[0].Prompt)

	require.Len(t, sink.results, 1)
	result := sink.results[0]
	assert.Equal(t, "gen-1", result.GenerationID)
	assert.Equal(t, "https://cdn.example.com/v/final.mp4", result.MediaURL)
	assert.Equal(t, 1, result.BatchSize)
	assert.Greater(t, result.GenerationTime, 0.0)

	require.Len(t, media.uploads, 1)
	assert.Equal(t, "mp4-bytes", string(media.uploads[0]))
}

func TestProcessJobPhotoSkipsInlineStep(t *testing.T) {
	gen := &fakeGenerator{
		submitID: "ext-2",
		statuses: []genapi.Status{genapi.StatusSucceeded},
		result:   []byte("png-bytes"),
		resultCT: "image/png",
	}
	media := &fakeMedia{uploadedURL: "https://cdn.example.com/i/1.png", inlineErr: errors.New("must not be called")}
	sink := &fakeSink{}
	processor := NewProcessor(nil, gen, media, sink, fastPoll(), zerolog.Nop())

	job := videoJob()
	job.Type = domain.GenerationTypePhoto
	job.ImageURL = ""
	require.NoError(t, processor.ProcessJob(context.Background(), job))
	require.Len(t, gen.payloads, 1)
	assert.Empty(t, gen.payloads[0].Image)
}

func TestProcessJobStopsOnProviderFailed(t *testing.T) {
	gen := &fakeGenerator{
		submitID: "ext-3",
		statuses: []genapi.Status{genapi.StatusRunning, genapi.StatusFailed},
	}
	sink := &fakeSink{}
	processor := NewProcessor(nil, gen, &fakeMedia{}, sink, fastPoll(), zerolog.Nop())

	job := videoJob()
	job.ImageURL = ""
	err := processor.ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, 2, gen.polls(), "no further polling after FAILED")
	assert.Empty(t, sink.results)
}

func TestProcessJobPollCeilingIsTimeout(t *testing.T) {
	gen := &fakeGenerator{submitID: "ext-4"} // always RUNNING
	processor := NewProcessor(nil, gen, &fakeMedia{}, &fakeSink{},
		PollPolicy{Interval: time.Millisecond, MaxAttempts: 3}, zerolog.Nop())

	job := videoJob()
	job.ImageURL = ""
	err := processor.ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, 3, gen.polls())
}

func TestExhaustionCompensatesExactlyOnce(t *testing.T) {
	repo := repository.NewMemoryGenerationsRepository()
	repo.PutGeneration(domain.Generation{
		ID:        "gen-1",
		UserID:    "user-1",
		ModelID:   "model-1",
		Status:    domain.GenerationStatusQueued,
		Remaining: 3,
	})
	repo.PutUserTokens("user-1", 10)
	compensator := service.NewCompensator(repo, zerolog.Nop())

	local := queue.NewLocalQueue(queue.LocalConfig{
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		OnExhausted: compensator.HandleJobExhausted,
		Logger:      zerolog.Nop(),
	})

	gen := &fakeGenerator{submitErr: errors.New("provider unreachable")}
	processor := NewProcessor(local, gen, &fakeMedia{}, &fakeSink{}, fastPoll(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go processor.Start(ctx)

	job := videoJob()
	job.Type = domain.GenerationTypePhoto
	job.ImageURL = ""
	job.Batch = domain.BatchRef{Index: 1, Total: 3}
	require.NoError(t, local.Enqueue(ctx, job))

	deadline := time.Now().Add(5 * time.Second)
	for {
		generation, ok := repo.Generation("gen-1")
		if ok && generation.Status == domain.GenerationStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation never failed; status=%v", generation.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	balance, err := repo.UserTokens(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 13, balance, "refund applied once, not per attempt")
	assert.Equal(t, 1, local.DLQSize())

	generation, _ := repo.Generation("gen-1")
	assert.Contains(t, generation.ErrorMessage, "provider unreachable")
}

func TestNonFinalAttemptDoesNotCompensate(t *testing.T) {
	repo := repository.NewMemoryGenerationsRepository()
	repo.PutGeneration(domain.Generation{
		ID:        "gen-1",
		UserID:    "user-1",
		Status:    domain.GenerationStatusQueued,
		Remaining: 1,
	})
	repo.PutUserTokens("user-1", 10)
	compensator := service.NewCompensator(repo, zerolog.Nop())

	var calls int
	local := queue.NewLocalQueue(queue.LocalConfig{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		OnExhausted: compensator.HandleJobExhausted,
		Logger:      zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = local.Consume(ctx, func(context.Context, domain.GenerationJob) error {
			calls++
			if calls == 2 {
				close(done)
				return nil
			}
			return fmt.Errorf("transient failure %d", calls)
		})
	}()

	job := videoJob()
	job.Type = domain.GenerationTypePhoto
	require.NoError(t, local.Enqueue(ctx, job))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never retried to success")
	}
	cancel()

	generation, _ := repo.Generation("gen-1")
	assert.NotEqual(t, domain.GenerationStatusFailed, generation.Status,
		"no compensation while attempts remain")
	balance, err := repo.UserTokens(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}
