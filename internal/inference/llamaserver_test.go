package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
)

type fakeLlama struct {
	mu       sync.Mutex
	requests []completionRequest
	erased   int
	chunks   []string
}

func (f *fakeLlama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model_path":"/models/tiny.gguf","total_slots":1,"default_generation_settings":{"n_ctx":2048}}`))
	})
	mux.HandleFunc("/slots/0", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "erase" {
			f.mu.Lock()
			f.erased++
			f.mu.Unlock()
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		chunks := f.chunks
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for i, c := range chunks {
			stop := i == len(chunks)-1
			b, _ := json.Marshal(completionChunk{Content: c, Stop: stop})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
	})
	return mux
}

func TestLlamaServerGenerate(t *testing.T) {
	fake := &fakeLlama{chunks: []string{"Hello", ", ", "world", ""}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	e := newTestEngine(t, NewLlamaServer(srv.URL+"/", 0), Options{})
	loadTestModel(t, e)

	p := DefaultParams()
	p.MaxTokens = 32
	p.Stop = []string{"</s>"}
	stream, err := e.Generate(context.Background(), Request{Prompt: "Say hello", Params: p})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	text, stats, err := stream.Collect(nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Hello, world" || stats.Tokens != 3 {
		t.Fatalf("got %q in %d tokens", text, stats.Tokens)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.requests) != 1 {
		t.Fatalf("expected one completion request, got %d", len(fake.requests))
	}
	got := fake.requests[0]
	if got.Prompt != "Say hello" || got.NPredict != 32 {
		t.Errorf("unexpected request %+v", got)
	}
	if got.Temperature != p.Temperature || got.TopK != p.TopK {
		t.Errorf("sampling params not forwarded: %+v", got)
	}
	if !reflect.DeepEqual(got.Stop, []string{"</s>"}) {
		t.Errorf("stop = %v", got.Stop)
	}
	if !got.Stream || !got.CachePrompt {
		t.Errorf("expected streaming with prompt cache, got %+v", got)
	}
	if fake.erased != 1 {
		t.Errorf("the slot cache is erased before each generation, erased %d times", fake.erased)
	}
}

func TestLlamaServerHealthAndProps(t *testing.T) {
	fake := &fakeLlama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	props, err := NewLlamaServer(srv.URL, 0).Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if props.ModelPath != "/models/tiny.gguf" || props.Settings.NCtx != 2048 {
		t.Fatalf("unexpected props %+v", props)
	}
}

func TestLlamaServerUnreachableFailsLoad(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	e := newTestEngine(t, NewLlamaServer(srv.URL, 0), Options{})
	_, err := e.LoadModel(context.Background(), writeTestModel(t, "tiny"))
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected load failed, got %v", err)
	}
	if !e.Alive() {
		t.Fatal("an unreachable server must not stop the worker")
	}
}
