package summary

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/internal/kioku/provider"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// fakeProvider returns a canned completion and records the last request.
type fakeProvider struct {
	reply   string
	err     error
	lastReq provider.Request
	calls   int
}

func (f *fakeProvider) Complete(ctx context.Context, req provider.Request) (*provider.Completion, error) {
	f.lastReq = req
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Completion{Content: f.reply, FinishReason: "stop"}, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req provider.Request) (<-chan provider.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) CheckConnection(ctx context.Context) error { return nil }
func (f *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func testSession(t *testing.T, messages int) *store.Session {
	t.Helper()
	s, err := store.OpenSession(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	for i := 0; i < messages; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := s.Append(store.Message{Role: role, Content: "turn", Importance: 0.5}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestShouldSummarizeThreshold(t *testing.T) {
	sess := testSession(t, 4)
	sum := New(&fakeProvider{reply: "x"}, 5)

	due, err := sum.ShouldSummarize(sess)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("4 messages under threshold 5 should not be due")
	}

	if _, err := sess.Append(store.Message{Role: "user", Content: "turn", Importance: 0.5}); err != nil {
		t.Fatal(err)
	}
	due, err = sum.ShouldSummarize(sess)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("5 messages at threshold 5 should be due")
	}
}

func TestShouldSummarizeResetsAfterSuccess(t *testing.T) {
	sess := testSession(t, 19)
	sum := New(&fakeProvider{reply: "condensed"}, 20)

	due, err := sum.ShouldSummarize(sess)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("19 messages under threshold 20 should not be due")
	}

	// The 20th message tips the backlog over; more messages keep it due.
	for i := 0; i < 6; i++ {
		if _, err := sess.Append(store.Message{Role: "user", Content: "turn", Importance: 0.5}); err != nil {
			t.Fatal(err)
		}
		due, err = sum.ShouldSummarize(sess)
		if err != nil {
			t.Fatal(err)
		}
		if !due {
			t.Fatalf("%d messages past threshold 20 should be due", 19+i+1)
		}
	}

	rec, err := sum.Summarize(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.RangeStart != 1 || rec.RangeEnd != 20 {
		t.Fatalf("summary record = %+v", rec)
	}

	// 25 stored, 20 covered: 5 unsummarized, immediately not due again.
	due, err = sum.ShouldSummarize(sess)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("backlog of 5 after a successful pass should not be due")
	}
}

func TestSummarizeCoversOldestSpanAndAdvances(t *testing.T) {
	sess := testSession(t, 12)
	fp := &fakeProvider{reply: "Early turns condensed."}
	sum := New(fp, 5)

	rec, err := sum.Summarize(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected a summary record")
	}
	if rec.RangeStart != 1 || rec.RangeEnd != 5 {
		t.Errorf("range = [%d, %d], want [1, 5]", rec.RangeStart, rec.RangeEnd)
	}
	if fp.lastReq.Temperature != 0.3 || fp.lastReq.MaxTokens != 300 {
		t.Errorf("request = temp %v, max %d", fp.lastReq.Temperature, fp.lastReq.MaxTokens)
	}
	if !strings.Contains(fp.lastReq.Messages[0].Content, "USER: turn") {
		t.Errorf("prompt missing transcript:\n%s", fp.lastReq.Messages[0].Content)
	}

	// The next pass covers the following span; ranges never regress.
	rec2, err := sum.Summarize(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if rec2.RangeStart != 6 || rec2.RangeEnd != 10 {
		t.Errorf("second range = [%d, %d], want [6, 10]", rec2.RangeStart, rec2.RangeEnd)
	}

	last, err := sess.LastSummarizedID()
	if err != nil {
		t.Fatal(err)
	}
	if last != 10 {
		t.Errorf("last summarized = %d", last)
	}
}

func TestSummarizeNothingPending(t *testing.T) {
	sess := testSession(t, 3)
	fp := &fakeProvider{reply: "x"}
	sum := New(fp, 5)

	// Cover everything, then ask again.
	if _, err := sum.Summarize(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	rec, err := sum.Summarize(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
	if fp.calls != 1 {
		t.Errorf("provider called %d times, want 1", fp.calls)
	}
}

func TestSummarizeProviderFailureLeavesStateRetryable(t *testing.T) {
	sess := testSession(t, 6)
	fp := &fakeProvider{err: provider.ErrRateLimit}
	sum := New(fp, 5)

	if _, err := sum.Summarize(context.Background(), sess); !errors.Is(err, provider.ErrRateLimit) {
		t.Fatalf("err = %v", err)
	}

	// No range was recorded, so the retry covers the same span.
	last, err := sess.LastSummarizedID()
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Errorf("failed pass advanced the range to %d", last)
	}

	fp.err = nil
	fp.reply = "recovered"
	rec, err := sum.Summarize(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RangeStart != 1 || rec.RangeEnd != 5 {
		t.Errorf("retry range = [%d, %d]", rec.RangeStart, rec.RangeEnd)
	}
}

func TestSummarizeRange(t *testing.T) {
	sess := testSession(t, 10)
	sum := New(&fakeProvider{reply: "span"}, 5)

	rec, err := sum.SummarizeRange(context.Background(), sess, 3, 7)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RangeStart != 3 || rec.RangeEnd != 7 {
		t.Errorf("range = [%d, %d]", rec.RangeStart, rec.RangeEnd)
	}
}

func TestTranscriptAffectTags(t *testing.T) {
	msgs := []store.Message{
		{Role: "user", Content: "hello", Emotion: "neutral"},
		{Role: "assistant", Content: "hi there", Emotion: ""},
		{Role: "user", Content: "I'm devastated", Emotion: "sadness"},
	}
	got := Transcript(msgs)
	want := "USER: hello\nASSISTANT: hi there\nUSER [sadness]: I'm devastated"
	if got != want {
		t.Errorf("transcript:\n%s\nwant:\n%s", got, want)
	}
}
