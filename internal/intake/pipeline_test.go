package intake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"od-database/internal/models"
	"od-database/internal/probe"
	"od-database/internal/store"
	"od-database/internal/urlcheck"
	"od-database/mocks"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "od.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newPipeline(t *testing.T, opts ...Option) (*Pipeline, *store.SQLiteStore, *mocks.MockProber) {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	st := newStore(t)
	prober := mocks.NewMockProber(ctrl)
	return NewPipeline(st, prober, opts...), st, prober
}

func submit(p *Pipeline, url string) Outcome {
	return p.Submit(context.Background(), models.WebsiteSubmission{URL: url, SubmitterAddress: "10.0.0.1", SubmitterAgent: "curl/8"})
}

func websiteCount(t *testing.T, st *store.SQLiteStore) int64 {
	t.Helper()
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	return stats.WebsiteCount
}

func TestSubmitAcceptsAndStoresCanonicalURL(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), "http://example.com/files/").Return(nil)

	out := submit(p, "  http://example.com/files  ")
	require.True(t, out.Accepted(), "outcome %+v", out)
	assert.Equal(t, SeveritySuccess, out.Severity)
	assert.Equal(t, CodeAccepted, out.Code)
	assert.Equal(t, "http://example.com/files/", out.URL)
	assert.NotZero(t, out.WebsiteID)

	w, ok, err := st.FindByURL(context.Background(), "http://example.com/files/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.WebsiteQueued, w.Status)
	assert.Equal(t, "10.0.0.1", w.SubmitterAddress)
	assert.Equal(t, "curl/8", w.SubmitterAgent)

	queue, err := st.Queue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, w.ID, queue[0].WebsiteID)
}

func TestSubmitSameURLTwiceIsDuplicateExact(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	require.True(t, submit(p, "http://example.com/files").Accepted())
	out := submit(p, "http://example.com/files")

	assert.Equal(t, CodeDuplicateExact, out.Code)
	assert.Equal(t, SeverityDanger, out.Severity)
	assert.ErrorIs(t, out.Err, ErrDuplicateExact)
	assert.EqualValues(t, 1, websiteCount(t, st))
}

func TestSubmitSubdirectoryIsDuplicateAncestor(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), "http://example.com/files/").Return(nil).Times(1)

	require.True(t, submit(p, "http://example.com/files").Accepted())

	for _, u := range []string{"http://example.com/files/sub", "http://example.com/files/sub/deeper/"} {
		out := submit(p, u)
		assert.Equal(t, CodeDuplicateAncestor, out.Code, u)
	}
	assert.EqualValues(t, 1, websiteCount(t, st))
}

func TestExactMatchWinsOverAncestor(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Times(0)
	ctx := context.Background()
	_, err := st.InsertWebsite(ctx, models.Website{URL: "http://example.com/"})
	require.NoError(t, err)
	_, err = st.InsertWebsite(ctx, models.Website{URL: "http://example.com/files/"})
	require.NoError(t, err)

	out := submit(p, "http://example.com/files")
	assert.Equal(t, CodeDuplicateExact, out.Code)
}

func TestSubmitRejectsInvalidURLs(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Times(0)

	for _, u := range []string{"ftp://example.com/", "example.com/files", "", "http://", "http://exa mple.com/"} {
		out := submit(p, u)
		assert.Equal(t, CodeInvalidURL, out.Code, "url %q", u)
		assert.Contains(t, out.Message, "http(s)://")
	}
	assert.EqualValues(t, 0, websiteCount(t, st))
}

func TestBlacklistedURLNeverReachesProbe(t *testing.T) {
	bl, err := urlcheck.NewBlacklist([]string{"badhost.com"})
	require.NoError(t, err)
	p, st, prober := newPipeline(t, WithBlacklist(bl))
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Times(0)

	for i := 0; i < 3; i++ {
		out := submit(p, "http://files.badhost.com/pub")
		assert.Equal(t, CodeBlacklisted, out.Code)
		assert.ErrorIs(t, out.Err, ErrBlacklisted)
	}
	assert.EqualValues(t, 0, websiteCount(t, st))
}

func TestProbeFailureRejectsWithoutMutation(t *testing.T) {
	p, st, prober := newPipeline(t, WithProbeTimeout(2*time.Second))
	reasons := []error{
		probe.ErrNotOpenDirectory,
		&probe.StatusError{Code: 503},
		context.DeadlineExceeded,
		errors.New("connection refused"),
	}
	for _, reason := range reasons {
		prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ string) error {
				deadline, ok := ctx.Deadline()
				require.True(t, ok, "probe must be bounded by a deadline")
				assert.LessOrEqual(t, time.Until(deadline), 2*time.Second)
				return reason
			})
	}

	var messages []string
	for range reasons {
		out := submit(p, "http://example.com/maybe")
		assert.Equal(t, CodeProbeFailed, out.Code)
		assert.ErrorIs(t, out.Err, ErrProbeFailed)
		messages = append(messages, out.Message)
	}
	for _, m := range messages[1:] {
		assert.Equal(t, messages[0], m, "all probe failures share one user-facing message")
	}
	assert.EqualValues(t, 0, websiteCount(t, st))
}

func TestSubmitBulkCountBounds(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Times(0)

	for _, n := range []int{0, 11, 12} {
		urls := make([]string, n)
		for i := range urls {
			urls[i] = fmt.Sprintf("http://host%d.example.com/", i)
		}
		outcomes, err := p.SubmitBulk(context.Background(), urls, "10.0.0.1", "curl/8")
		assert.ErrorIs(t, err, ErrURLCount, "n=%d", n)
		assert.Nil(t, outcomes)
	}
	assert.EqualValues(t, 0, websiteCount(t, st))
}

func TestSubmitBulkReturnsOneOutcomePerURLInOrder(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), "http://a.example.com/").Return(nil)
	prober.EXPECT().Probe(gomock.Any(), "http://c.example.com/pub/").Return(probe.ErrNotOpenDirectory)
	prober.EXPECT().Probe(gomock.Any(), "http://d.example.com/").Return(nil)

	urls := []string{
		"http://a.example.com",
		"ftp://b.example.com",
		"http://c.example.com/pub",
		"http://a.example.com/sub",
		"http://d.example.com/",
		"http://a.example.com/",
	}
	outcomes, err := p.SubmitBulk(context.Background(), urls, "10.0.0.1", "curl/8")
	require.NoError(t, err)
	require.Len(t, outcomes, len(urls))

	want := []string{CodeAccepted, CodeInvalidURL, CodeProbeFailed, CodeDuplicateAncestor, CodeAccepted, CodeDuplicateExact}
	for i, out := range outcomes {
		assert.Equal(t, want[i], out.Code, "outcome %d (%s)", i, urls[i])
		assert.Equal(t, urlcheck.Normalize(urls[i]), out.URL)
	}
	assert.EqualValues(t, 2, websiteCount(t, st))
}

func TestConcurrentSubmissionsOfSameURLAdmitOnce(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, string) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}).AnyTimes()

	const n = 10
	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if submit(p, "http://example.com/race").Accepted() {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted)
	assert.EqualValues(t, 1, websiteCount(t, st))
}

func TestConcurrentEquivalentSpellingsAdmitOne(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, string) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}).AnyTimes()

	urls := []string{"http://example.com/a", "http://example.com/a/", " http://example.com/a ", "http://example.com/a\n"}
	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(urls))
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			outcomes[i] = submit(p, u)
		}(i, u)
	}
	wg.Wait()

	accepted := 0
	for _, out := range outcomes {
		if out.Accepted() {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.EqualValues(t, 1, websiteCount(t, st))
}

func TestConcurrentSubdirectoriesOfTrackedSiteAreRejected(t *testing.T) {
	p, st, prober := newPipeline(t)
	_, err := st.Admit(context.Background(), models.WebsiteSubmission{URL: "http://example.com/files/"})
	require.NoError(t, err)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, string) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}).AnyTimes()

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = submit(p, fmt.Sprintf("http://example.com/files/%d", i))
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		assert.Equal(t, CodeDuplicateAncestor, out.Code, "submission %d", i)
	}
	assert.EqualValues(t, 1, websiteCount(t, st))
}

func TestConcurrentParentAndChildNeverAdmitChildUnderParent(t *testing.T) {
	for i := 0; i < 10; i++ {
		p, st, prober := newPipeline(t)
		prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, string) error {
				time.Sleep(2 * time.Millisecond)
				return nil
			}).AnyTimes()

		var parent, child Outcome
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			parent = submit(p, "http://example.com/files")
		}()
		go func() {
			defer wg.Done()
			child = submit(p, "http://example.com/files/sub")
		}()
		wg.Wait()

		// A parent is admitted even when its child is already tracked; a child
		// is rejected once its parent is.
		require.True(t, parent.Accepted(), "parent outcome %+v", parent)
		if child.Accepted() {
			assert.EqualValues(t, 2, websiteCount(t, st))
		} else {
			assert.Equal(t, CodeDuplicateAncestor, child.Code)
			assert.EqualValues(t, 1, websiteCount(t, st))
		}
	}
}

func TestParentOfTrackedSiteIsAccepted(t *testing.T) {
	p, st, prober := newPipeline(t)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	require.True(t, submit(p, "http://example.com/files/sub").Accepted())
	out := submit(p, "http://example.com/files")
	assert.True(t, out.Accepted(), "outcome %+v", out)
	assert.EqualValues(t, 2, websiteCount(t, st))
}

func TestDifferentHostsProbeConcurrently(t *testing.T) {
	p, _, prober := newPipeline(t)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, string) error {
			started <- struct{}{}
			<-release
			return nil
		}).Times(2)

	var wg sync.WaitGroup
	for _, u := range []string{"http://a.example.com/", "http://b.example.com/"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			submit(p, u)
		}(u)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("probes of different hosts should not wait for each other")
		}
	}
	close(release)
	wg.Wait()
}

type failingStore struct{ err error }

func (f failingStore) FindByURL(context.Context, string) (models.Website, bool, error) {
	return models.Website{}, false, f.err
}

func (f failingStore) FindAncestor(context.Context, string) (models.Website, bool, error) {
	return models.Website{}, false, f.err
}

func (f failingStore) Admit(context.Context, models.WebsiteSubmission) (models.Website, error) {
	return models.Website{}, f.err
}

func TestStoreFailureIsReportedAsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	prober := mocks.NewMockProber(ctrl)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Times(0)

	p := NewPipeline(failingStore{err: errors.New("disk I/O error")}, prober)
	out := submit(p, "http://example.com/")
	assert.Equal(t, CodeUnavailable, out.Code)
	assert.Equal(t, SeverityDanger, out.Severity)
	assert.ErrorIs(t, out.Err, ErrUnavailable)
}

type racingStore struct {
	failingStore
}

func (racingStore) Admit(_ context.Context, sub models.WebsiteSubmission) (models.Website, error) {
	return models.Website{}, fmt.Errorf("insert %s: %w", sub.URL, store.ErrDuplicateURL)
}

func TestUniqueViolationOnAdmitIsDuplicateExact(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	prober := mocks.NewMockProber(ctrl)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(nil)

	p := NewPipeline(racingStore{}, prober)
	out := submit(p, "http://example.com/")
	assert.Equal(t, CodeDuplicateExact, out.Code)
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p, _, prober := newPipeline(t, WithMetrics(metrics))
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(nil)

	submit(p, "http://example.com/")
	submit(p, "http://example.com/")
	submit(p, "ftp://example.com/")
	_, _ = p.SubmitBulk(context.Background(), nil, "", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues(CodeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues(CodeDuplicateExact)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues(CodeInvalidURL)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues(CodeURLCount)))
}

func TestMessageForUnknownErrorIsUnavailable(t *testing.T) {
	msg, code := Message(errors.New("boom"))
	assert.Equal(t, CodeUnavailable, code)
	assert.NotEmpty(t, msg)
}
