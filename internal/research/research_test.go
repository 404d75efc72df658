package research

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakeoff/internal/domain"
)

type memStore struct {
	mu     sync.Mutex
	task   domain.Task
	states []domain.Research
}

func (m *memStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	if id != m.task.ID {
		return domain.Task{}, errors.New("not found")
	}
	return m.task, nil
}

func (m *memStore) SetResearch(_ context.Context, _ string, rs domain.Research) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, rs)
	return nil
}

func (m *memStore) last() domain.Research {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[len(m.states)-1]
}

type fakeParser map[string]string

func (f fakeParser) Parse(_ context.Context, att domain.Attachment) (string, error) {
	if text, ok := f[att.Filename]; ok {
		return text, nil
	}
	return "", errors.New("unsupported")
}

type fakeSearch []SearchResult

func (f fakeSearch) Search(context.Context, string) ([]SearchResult, error) { return f, nil }

type fakeLLM struct {
	prompt string
	err    error
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return " deliver a CSV ", f.err
}

func sampleTask() domain.Task {
	return domain.Task{
		ID: "t1", Title: "Scrape listings", Category: "data", Description: "Get all listings.",
		Attachments: []domain.Attachment{{Filename: "brief.pdf"}, {Filename: "image.png"}},
	}
}

func TestEnrichCompletes(t *testing.T) {
	store := &memStore{task: sampleTask()}
	llm := &fakeLLM{}
	p := &Pipeline{
		Store:     store,
		Parser:    fakeParser{"brief.pdf": "columns: name, price"},
		Searcher:  fakeSearch{{Title: "Ref", URL: "https://ref.example", Snippet: "how to"}},
		Completer: llm,
	}
	p.Enrich(context.Background(), "t1")

	require.Len(t, store.states, 2)
	assert.Equal(t, StatusPending, store.states[0].Status)
	rs := store.last()
	assert.Equal(t, StatusComplete, rs.Status)
	assert.Equal(t, "deliver a CSV", rs.Summary)
	assert.Equal(t, []string{"brief.pdf"}, rs.Documents)
	assert.Equal(t, []string{"https://ref.example"}, rs.References)
	assert.Contains(t, llm.prompt, "columns: name, price")
	assert.Contains(t, llm.prompt, "https://ref.example")
}

func TestEnrichRecordsFailure(t *testing.T) {
	store := &memStore{task: sampleTask()}
	p := &Pipeline{Store: store, Completer: &fakeLLM{err: errors.New("quota")}}
	p.Enrich(context.Background(), "t1")
	rs := store.last()
	assert.Equal(t, StatusFailed, rs.Status)
	assert.Contains(t, rs.Error, "quota")

	p.Enrich(context.Background(), "missing")
	assert.Equal(t, StatusFailed, store.last().Status)
}

func TestHTTPClients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/parse":
			var in map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			json.NewEncoder(w).Encode(map[string]string{"text": "parsed " + in["filename"]})
		case "/search":
			json.NewEncoder(w).Encode(map[string]any{"results": []SearchResult{{Title: r.URL.Query().Get("q"), URL: "https://x"}}})
		case "/complete":
			json.NewEncoder(w).Encode(map[string]string{"text": "summary"})
		default:
			http.Error(w, "nope", http.StatusTeapot)
		}
	}))
	defer srv.Close()
	c := Client{APIKey: "k"}
	ctx := context.Background()

	text, err := HTTPParser{Client: c, URL: srv.URL + "/parse"}.Parse(ctx, domain.Attachment{Filename: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "parsed a.pdf", text)

	res, err := HTTPSearcher{Client: c, URL: srv.URL + "/search"}.Search(ctx, "go scrapers")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "go scrapers", res[0].Title)

	out, err := HTTPCompleter{Client: c, URL: srv.URL + "/complete"}.Complete(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "summary", out)

	_, err = HTTPCompleter{Client: c, URL: srv.URL + "/other"}.Complete(ctx, "p")
	assert.True(t, err != nil && strings.Contains(err.Error(), "418"))
}
