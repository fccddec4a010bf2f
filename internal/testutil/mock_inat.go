// Package testutil provides testing utilities for the iNaturalist client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Endpoint keys used for request counting and scripted responses.
const (
	EndpointObservations = "observations"
	EndpointObservation  = "observation"
	EndpointTaxon        = "taxon"
)

// Node is a taxon fixture.
type Node struct {
	ID   int64
	Name string
	Rank string
}

// MockResponse defines a scripted response served instead of the stored data.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockINat is a configurable in-memory iNaturalist API for testing. It
// serves stored observations and taxa and can be scripted to fail.
type MockINat struct {
	server *httptest.Server
	mu     sync.Mutex

	observations map[int64]string
	taxa         map[int64]string
	scripted     map[string][]MockResponse

	requests      map[string]int
	batchSizes    []int
	lastUserAgent string
}

// NewMockINat creates and starts a new mock server.
func NewMockINat() *MockINat {
	mock := &MockINat{
		observations: make(map[int64]string),
		taxa:         make(map[int64]string),
		scripted:     make(map[string][]MockResponse),
		requests:     make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL, usable as client base URL.
func (m *MockINat) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockINat) Close() {
	m.server.Close()
}

// AddObservation stores an observation whose taxon is the last lineage node.
// Every prefix of the lineage is also stored as a taxon record.
func (m *MockINat) AddObservation(id int64, login, name string, lineage ...Node) {
	obs := map[string]any{"id": id}
	if login != "" {
		obs["user"] = map[string]any{"id": id + 1000, "login": login, "name": name}
	}
	if len(lineage) > 0 {
		self := lineage[len(lineage)-1]
		obs["taxon"] = map[string]any{
			"id":           self.ID,
			"name":         self.Name,
			"rank":         self.Rank,
			"ancestor_ids": lineageIDs(lineage),
		}
		m.AddLineage(lineage...)
	}
	m.AddRawObservation(id, mustJSON(obs))
}

// AddRawObservation stores a verbatim observation payload.
func (m *MockINat) AddRawObservation(id int64, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[id] = raw
}

// AddLineage stores a taxon record for every prefix of lineage.
func (m *MockINat) AddLineage(lineage ...Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range lineage {
		ancestors := make([]map[string]any, 0, i)
		for _, a := range lineage[:i] {
			ancestors = append(ancestors, map[string]any{"id": a.ID, "name": a.Name, "rank": a.Rank})
		}
		m.taxa[n.ID] = mustJSON(map[string]any{
			"id":           n.ID,
			"name":         n.Name,
			"rank":         n.Rank,
			"ancestor_ids": lineageIDs(lineage[:i+1]),
			"ancestors":    ancestors,
		})
	}
}

// Script queues responses for an endpoint. Queued responses are served in
// order before stored data.
func (m *MockINat) Script(endpoint string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[endpoint] = append(m.scripted[endpoint], responses...)
}

// Requests returns the number of requests received for an endpoint.
func (m *MockINat) Requests(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[endpoint]
}

// TotalRequests returns the number of requests received on all endpoints.
func (m *MockINat) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// BatchSizes returns the id count of every batch request received.
func (m *MockINat) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSizes...)
}

// LastUserAgent returns the User-Agent of the most recent request.
func (m *MockINat) LastUserAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUserAgent
}

func (m *MockINat) serve(w http.ResponseWriter, r *http.Request) {
	endpoint, id := route(r.URL.Path)

	m.mu.Lock()
	m.requests[endpoint]++
	m.lastUserAgent = r.Header.Get("User-Agent")
	var scripted *MockResponse
	if queue := m.scripted[endpoint]; len(queue) > 0 {
		scripted = &queue[0]
		m.scripted[endpoint] = queue[1:]
	}
	m.mu.Unlock()

	if scripted != nil {
		writeScripted(w, *scripted)
		return
	}

	switch endpoint {
	case EndpointObservations:
		m.serveBatch(w, r)
	case EndpointObservation:
		m.mu.Lock()
		raw, ok := m.observations[id]
		m.mu.Unlock()
		writeResults(w, ok, raw)
	case EndpointTaxon:
		m.mu.Lock()
		raw, ok := m.taxa[id]
		m.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"Not found","status":404}`, http.StatusNotFound)
			return
		}
		writeResults(w, true, raw)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockINat) serveBatch(w http.ResponseWriter, r *http.Request) {
	var results []string
	var count int
	for _, s := range strings.Split(r.URL.Query().Get("id"), ",") {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid id"}`, http.StatusUnprocessableEntity)
			return
		}
		count++
		m.mu.Lock()
		raw, ok := m.observations[id]
		m.mu.Unlock()
		if ok {
			results = append(results, raw)
		}
	}

	m.mu.Lock()
	m.batchSizes = append(m.batchSizes, count)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, `{"total_results":%d,"page":1,"per_page":%d,"results":[%s]}`,
		len(results), count, strings.Join(results, ","))
}

// route maps a request path to an endpoint key and path id.
func route(path string) (string, int64) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "observations":
		return EndpointObservations, 0
	case len(parts) == 2 && parts[0] == "observations":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		return EndpointObservation, id
	case len(parts) == 2 && parts[0] == "taxa":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		return EndpointTaxon, id
	}
	return path, 0
}

func writeResults(w http.ResponseWriter, ok bool, raw string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !ok {
		fmt.Fprint(w, `{"total_results":0,"page":1,"per_page":1,"results":[]}`)
		return
	}
	fmt.Fprintf(w, `{"total_results":1,"page":1,"per_page":1,"results":[%s]}`, raw)
}

func writeScripted(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func lineageIDs(lineage []Node) []int64 {
	ids := make([]int64, len(lineage))
	for i, n := range lineage {
		ids[i] = n.ID
	}
	return ids
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"Too Many Requests","status":429}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(retryAfter)
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"Internal server error","status":500}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewBadRequestResponse creates a 422 response, a permanent client error.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body:       `{"error":"Unprocessable Entity","status":422}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewMalformedResponse creates a 200 response whose envelope lacks results.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"total_results":1,"page":1}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// Fungi returns a typical fungal lineage ending at the given node.
func Fungi(tail ...Node) []Node {
	base := []Node{
		{ID: 48460, Name: "Life", Rank: "stateofmatter"},
		{ID: 47170, Name: "Fungi", Rank: "kingdom"},
		{ID: 47169, Name: "Basidiomycota", Rank: "phylum"},
		{ID: 50814, Name: "Agaricomycetes", Rank: "class"},
		{ID: 47167, Name: "Agaricales", Rank: "order"},
	}
	return append(base, tail...)
}
