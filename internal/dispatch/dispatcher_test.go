package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/neves/zen-gateway/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a deterministic stand-in for an OpenAI-compatible or Ollama server
type fakeProvider struct {
	words        []string
	usage        bool // report usage on buffered replies
	status       int  // non-zero fails buffered calls
	streamStatus int  // non-zero fails stream calls before any byte
	streamStall  bool // stream calls never send headers
	hits         atomic.Int32
	streamHits   atomic.Int32
}

func (f *fakeProvider) reply() string { return strings.Join(f.words, " ") }

func (f *fakeProvider) chunks() []string {
	out := make([]string, len(f.words))
	for i, w := range f.words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

func (f *fakeProvider) isStream(r *http.Request) bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	return req.Stream
}

func (f *fakeProvider) openai(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.isStream(r) {
		f.streamHits.Add(1)
		if f.streamStall {
			<-r.Context().Done()
			return
		}
		if f.streamStatus != 0 {
			w.WriteHeader(f.streamStatus)
			_, _ = w.Write([]byte(`{"error":{"message":"streaming unavailable"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range f.chunks() {
			b, _ := json.Marshal(map[string]interface{}{
				"choices": []interface{}{map[string]interface{}{"delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"buffered call rejected"}}`))
		return
	}
	resp := map[string]interface{}{
		"choices": []interface{}{map[string]interface{}{"message": map[string]string{"role": "assistant", "content": f.reply()}}},
	}
	if f.usage {
		resp["usage"] = map[string]int{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeProvider) ollama(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.isStream(r) {
		f.streamHits.Add(1)
		for _, c := range f.chunks() {
			b, _ := json.Marshal(map[string]interface{}{"message": map[string]string{"role": "assistant", "content": c}, "done": false})
			fmt.Fprintf(w, "%s\n", b)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, `{"done":true,"prompt_eval_count":99,"eval_count":99}`+"\n")
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"message":           map[string]string{"role": "assistant", "content": f.reply()},
		"done":              true,
		"prompt_eval_count": 99,
		"eval_count":        99,
	})
}

type recorder struct {
	mu     sync.Mutex
	events []ai.StreamEvent
}

func (r *recorder) sink(ev ai.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) text() string {
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Kind == ai.EventDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func assertWellFormed(t *testing.T, events []ai.StreamEvent) {
	t.Helper()
	require.NotEmpty(t, events, "callers never receive zero events")
	for i, ev := range events {
		if i < len(events)-1 {
			assert.Equal(t, ai.EventDelta, ev.Kind, "only the last event may be terminal")
		}
	}
	assert.True(t, events[len(events)-1].Terminal())
}

var testTurns = []ai.Turn{
	{Role: ai.RoleSystem, Text: "You are a helpful assistant."},
	{Role: ai.RoleUser, Text: "ping"},
}

func newDispatcher() *Dispatcher {
	return New(Options{Demo: providers.NewDemoResponder(0), RequestTimeout: 2 * time.Second, StreamIdle: 2 * time.Second})
}

func TestStreamingMatchesComplete(t *testing.T) {
	f := &fakeProvider{words: []string{"Hello", "from", "the", "fake", "provider."}, usage: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", f.openai)
	mux.HandleFunc("/api/chat", f.ollama)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	configs := []*ai.ProviderConfig{
		{ID: "oa", Kind: ai.KindOpenAICompatible, Endpoint: srv.URL + "/v1", Model: "gpt-test", Credential: "sk", Enabled: true},
		{ID: "ol", Kind: ai.KindOllama, Endpoint: srv.URL, Model: "llama3.2", Enabled: true},
	}
	d := newDispatcher()

	for _, cfg := range configs {
		t.Run(string(cfg.Kind), func(t *testing.T) {
			buffered, err := d.Dispatch(context.Background(), cfg, testTurns, false, nil)
			require.NoError(t, err)

			rec := &recorder{}
			streamed, err := d.Dispatch(context.Background(), cfg, testTurns, true, rec.sink)
			require.NoError(t, err)

			assert.Equal(t, f.reply(), buffered.Text)
			assert.Equal(t, buffered.Text, streamed.Text)
			assert.Equal(t, streamed.Text, rec.text())
			assertWellFormed(t, rec.events)
			assert.Equal(t, ai.EventDone, rec.events[len(rec.events)-1].Kind)
			assert.Len(t, rec.events, len(f.words)+1)

			assert.Equal(t, cfg.Kind, streamed.Kind)
			assert.Equal(t, cfg.ID, streamed.ProviderID)
			assert.False(t, streamed.Demo)
			require.NotNil(t, rec.events[len(rec.events)-1].Usage)
			assert.Equal(t, streamed.Usage, rec.events[len(rec.events)-1].Usage)
		})
	}
}

func TestUsageReconciliation(t *testing.T) {
	f := &fakeProvider{words: []string{"pong"}, usage: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", f.openai)
	mux.HandleFunc("/api/chat", f.ollama)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newDispatcher()

	res, err := d.Dispatch(context.Background(), &ai.ProviderConfig{Kind: ai.KindOpenAICompatible, Endpoint: srv.URL + "/v1", Model: "m", Enabled: true}, testTurns, false, nil)
	require.NoError(t, err)
	assert.Equal(t, &ai.Usage{InputTokens: 42, OutputTokens: 7, TotalTokens: 49}, res.Usage)

	res, err = d.Dispatch(context.Background(), &ai.ProviderConfig{Kind: ai.KindOllama, Endpoint: srv.URL, Model: "m", Enabled: true}, testTurns, false, nil)
	require.NoError(t, err)
	want := tokens.Reconcile(nil, testTurns, "pong")
	assert.Equal(t, want, res.Usage, "ollama counters are ignored")
	assert.True(t, res.Usage.Estimated)
}

func TestDemoWhenUnconfigured(t *testing.T) {
	d := newDispatcher()

	unusable := map[string]*ai.ProviderConfig{
		"nil":             nil,
		"disabled":        {Kind: ai.KindOllama, Endpoint: "http://localhost:11434", Model: "m"},
		"no endpoint":     {Kind: ai.KindOllama, Model: "m", Enabled: true},
		"azure no secret": {Kind: ai.KindAzureDeployment, Endpoint: "https://r.openai.azure.com", Deployment: "d", APIVersion: "v", Enabled: true},
	}

	for name, cfg := range unusable {
		t.Run(name, func(t *testing.T) {
			res, err := d.Dispatch(context.Background(), cfg, testTurns, false, nil)
			require.NoError(t, err)
			assert.True(t, res.Demo)
			assert.Equal(t, ai.KindDemo, res.Kind)
			assert.Contains(t, res.Text, `"ping"`)
			require.NotNil(t, res.Usage)
			assert.True(t, res.Usage.Estimated)

			rec := &recorder{}
			streamed, err := d.Dispatch(context.Background(), cfg, testTurns, true, rec.sink)
			require.NoError(t, err)
			assertWellFormed(t, rec.events)
			assert.Equal(t, res.Text, rec.text())
			assert.Equal(t, res.Text, streamed.Text)

			last := rec.events[len(rec.events)-1]
			assert.Equal(t, ai.EventDone, last.Kind)
			require.NotNil(t, last.Usage)
			assert.Equal(t, *res.Usage, *last.Usage)
		})
	}
}

func TestDemoPingMatchesTemplate(t *testing.T) {
	d := newDispatcher()
	rec := &recorder{}

	_, err := d.Dispatch(context.Background(), nil, []ai.Turn{{Role: ai.RoleUser, Text: "ping"}}, true, rec.sink)
	require.NoError(t, err)

	matched := false
	for _, tmpl := range providers.Templates() {
		if rec.text() == fmt.Sprintf(tmpl, "ping") {
			matched = true
		}
	}
	assert.True(t, matched, "got %q", rec.text())

	dones := 0
	for _, ev := range rec.events {
		if ev.Kind == ai.EventDone {
			dones++
		}
	}
	assert.Equal(t, 1, dones)
}

func TestStreamStartFailureFallsBack(t *testing.T) {
	f := &fakeProvider{words: []string{"buffered", "answer"}, streamStatus: http.StatusBadGateway}
	srv := httptest.NewServer(http.HandlerFunc(f.openai))
	defer srv.Close()

	cfg := &ai.ProviderConfig{Kind: ai.KindOpenAICompatible, Endpoint: srv.URL, Model: "m", Enabled: true}
	rec := &recorder{}

	res, err := newDispatcher().Dispatch(context.Background(), cfg, testTurns, true, rec.sink)
	require.NoError(t, err)

	require.Len(t, rec.events, 2)
	assert.Equal(t, ai.Delta("buffered answer"), rec.events[0])
	assert.Equal(t, ai.EventDone, rec.events[1].Kind)
	assert.Equal(t, "buffered answer", res.Text)
	assert.EqualValues(t, 2, f.hits.Load())
}

func TestFallbackFailureEmitsError(t *testing.T) {
	f := &fakeProvider{words: []string{"x"}, streamStatus: http.StatusInternalServerError, status: http.StatusInternalServerError}
	srv := httptest.NewServer(http.HandlerFunc(f.openai))
	defer srv.Close()

	cfg := &ai.ProviderConfig{Kind: ai.KindOpenAICompatible, Endpoint: srv.URL, Model: "m", Enabled: true}
	rec := &recorder{}

	_, err := newDispatcher().Dispatch(context.Background(), cfg, testTurns, true, rec.sink)
	assert.ErrorIs(t, err, providers.ErrUpstream)

	require.Len(t, rec.events, 1)
	assert.Equal(t, ai.EventError, rec.events[0].Kind)
	assert.Contains(t, rec.events[0].Error, "buffered call rejected")
}

func TestAzureMissingDeploymentFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := &ai.ProviderConfig{Kind: ai.KindAzureDeployment, Endpoint: srv.URL, APIVersion: "2024-02-15-preview", Credential: "key", Enabled: true}
	d := newDispatcher()

	_, err := d.Dispatch(context.Background(), cfg, testTurns, false, nil)
	assert.ErrorIs(t, err, providers.ErrInvalidConfig)

	rec := &recorder{}
	_, err = d.Dispatch(context.Background(), cfg, testTurns, true, rec.sink)
	assert.ErrorIs(t, err, providers.ErrInvalidConfig)
	require.Len(t, rec.events, 1)
	assert.Equal(t, ai.EventError, rec.events[0].Kind)

	assert.EqualValues(t, 0, hits.Load())
}

func TestErrorTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/openai/deployments/"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"DeploymentNotFound","message":"The API deployment for this resource does not exist."}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
		}
	}))
	defer srv.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	tests := []struct {
		name string
		cfg  *ai.ProviderConfig
		want error
	}{
		{"auth", &ai.ProviderConfig{Kind: ai.KindOpenAICompatible, Endpoint: srv.URL, Model: "m", Credential: "bad", Enabled: true}, providers.ErrAuthenticationFailed},
		{"deployment", &ai.ProviderConfig{Kind: ai.KindAzureDeployment, Endpoint: srv.URL, Deployment: "nope", APIVersion: "v", Credential: "k", Enabled: true}, providers.ErrDeploymentNotFound},
		{"unreachable", &ai.ProviderConfig{Kind: ai.KindOllama, Endpoint: deadURL, Model: "m", Enabled: true}, providers.ErrProviderUnreachable},
		{"invalid", &ai.ProviderConfig{Kind: ai.KindOllama, Endpoint: srv.URL, Enabled: true}, providers.ErrInvalidConfig},
	}

	d := newDispatcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.cfg, testTurns, false, nil)
			assert.ErrorIs(t, err, tt.want)

			rec := &recorder{}
			_, err = d.Dispatch(context.Background(), tt.cfg, testTurns, true, rec.sink)
			assert.ErrorIs(t, err, tt.want)
			assertWellFormed(t, rec.events)
			assert.Equal(t, ai.EventError, rec.events[len(rec.events)-1].Kind)
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	d := New(Options{RequestTimeout: 50 * time.Millisecond})
	cfg := &ai.ProviderConfig{Kind: ai.KindOllama, Endpoint: srv.URL, Model: "m", Enabled: true}

	start := time.Now()
	_, err := d.Dispatch(context.Background(), cfg, testTurns, false, nil)
	assert.ErrorIs(t, err, providers.ErrProviderUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStreamHeadersTimeoutFallsBack(t *testing.T) {
	f := &fakeProvider{words: []string{"buffered", "answer"}, streamStall: true}
	srv := httptest.NewServer(http.HandlerFunc(f.openai))
	defer srv.Close()

	d := New(Options{RequestTimeout: 2 * time.Second, StreamIdle: 200 * time.Millisecond})
	cfg := &ai.ProviderConfig{Kind: ai.KindOpenAICompatible, Endpoint: srv.URL, Model: "m", Enabled: true}
	rec := &recorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	start := time.Now()
	res, err := d.Dispatch(ctx, cfg, testTurns, true, rec.sink)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, rec.events, 2)
	assert.Equal(t, ai.Delta("buffered answer"), rec.events[0])
	assert.Equal(t, ai.EventDone, rec.events[1].Kind)
	assert.Equal(t, "buffered answer", res.Text)
	assert.Equal(t, int32(1), f.streamHits.Load())
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestStreamHeadersTimeoutWithDeadProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := New(Options{RequestTimeout: 300 * time.Millisecond, StreamIdle: 300 * time.Millisecond})
	cfg := &ai.ProviderConfig{Kind: ai.KindOpenAICompatible, Endpoint: srv.URL, Model: "m", Enabled: true}
	rec := &recorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	start := time.Now()
	_, err := d.Dispatch(ctx, cfg, testTurns, true, rec.sink)
	assert.ErrorIs(t, err, providers.ErrProviderUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)

	assertWellFormed(t, rec.events)
	require.Len(t, rec.events, 1)
	assert.Equal(t, ai.EventError, rec.events[0].Kind)
}

func TestSinkErrorCancelsUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamGone)
		for i := 0; ; i++ {
			fmt.Fprintf(w, `{"message":{"content":"w%d "},"done":false}`+"\n", i)
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	cfg := &ai.ProviderConfig{Kind: ai.KindOllama, Endpoint: srv.URL, Model: "m", Enabled: true}
	gone := errors.New("client disconnected")
	received := 0
	sink := func(ev ai.StreamEvent) error {
		received++
		if received >= 2 {
			return gone
		}
		return nil
	}

	_, err := newDispatcher().Dispatch(context.Background(), cfg, testTurns, true, sink)
	assert.ErrorIs(t, err, ErrSinkClosed)

	select {
	case <-upstreamGone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestContextCancelStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"content":"first"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &ai.ProviderConfig{Kind: ai.KindOllama, Endpoint: srv.URL, Model: "m", Enabled: true}
	sink := func(ev ai.StreamEvent) error {
		if ev.Kind == ai.EventDelta {
			cancel()
		}
		return nil
	}

	_, err := newDispatcher().Dispatch(ctx, cfg, testTurns, true, sink)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLedgerRecordsDispatches(t *testing.T) {
	ledger := tokens.NewLedger()
	d := New(Options{Demo: providers.NewDemoResponder(0), Ledger: ledger})

	_, err := d.Dispatch(context.Background(), nil, testTurns, false, nil)
	require.NoError(t, err)

	snap := ledger.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ai.KindDemo, snap[0].Kind)
	assert.Equal(t, 1, snap[0].Calls)
	assert.Equal(t, 1, snap[0].Estimated)
}
