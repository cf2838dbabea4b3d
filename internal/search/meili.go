package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	healthInterval = 10 * time.Second
	reindexTimeout = 5 * time.Minute
)

// Meili mirrors the index into Meilisearch, one documents index and one
// suggestions index per workspace.
type Meili struct {
	client     meili.ServiceManager
	prefix     string
	workspaces []string
	log        zerolog.Logger
	healthy    atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	onRecover func()
}

// NewMeili creates a Meilisearch client and configures the indexes of the
// given workspaces. An unreachable server is not an error; the health loop
// picks it up once it comes back.
func NewMeili(url, apiKey, prefix string, workspaces []string, log zerolog.Logger) *Meili {
	m := &Meili{
		client:     meili.New(url, meili.WithAPIKey(apiKey)),
		prefix:     sanitizeUID(prefix),
		workspaces: append([]string(nil), workspaces...),
		log:        log.With().Str("component", "meili").Logger(),
		done:       make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

// OnRecover registers fn to run after Meilisearch comes back from an
// outage, once its indexes are configured again.
func (m *Meili) OnRecover(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecover = fn
}

func (m *Meili) documentsUID(workspace string) string {
	return m.prefix + "_" + sanitizeUID(workspace) + "_documents"
}

func (m *Meili) suggestionsUID(workspace string) string {
	return m.prefix + "_" + sanitizeUID(workspace) + "_suggestions"
}

// sanitizeUID maps a name onto the characters Meilisearch allows in index
// uids.
func sanitizeUID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "contentrepo"
	}
	return b.String()
}

func (m *Meili) configureIndexes() {
	type indexSpec struct {
		uid        string
		filterable []string
		searchable []string
	}
	var indexes []indexSpec
	for _, ws := range m.workspaces {
		indexes = append(indexes,
			indexSpec{
				uid:        m.documentsUID(ws),
				filterable: []string{"authorized", "ancestors", "path", "mimetype", "primaryTypes"},
				searchable: []string{"name", "content", "properties"},
			},
			indexSpec{
				uid:        m.suggestionsUID(ws),
				filterable: []string{"authorized", "ancestors", "itemId"},
				searchable: []string{"term"},
			},
		)
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Meili) checkHealth() {
	_, err := m.client.Health()
	wasHealthy := m.healthy.Load()
	m.healthy.Store(err == nil)
	if err != nil || wasHealthy {
		return
	}
	m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
	m.configureIndexes()
	m.mu.Lock()
	fn := m.onRecover
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// markUnhealthy makes the next successful health check a recovery, which
// reindexes the mirror from Postgres.
func (m *Meili) markUnhealthy(err error) {
	if m.healthy.Swap(false) {
		m.log.Warn().Err(err).Msg("meilisearch marked unhealthy")
	}
}

// Query runs a documents search through the multi-search endpoint.
func (m *Meili) Query(_ context.Context, req Request) (Page, error) {
	if !m.healthy.Load() {
		return Page{}, fmt.Errorf("meilisearch unhealthy")
	}
	limit, offset := window(req)
	sr := &meili.SearchRequest{
		IndexUID:         m.documentsUID(req.Workspace),
		Query:            strings.TrimSpace(req.Text),
		Limit:            int64(limit),
		Offset:           int64(offset),
		ShowRankingScore: true,
	}
	if filters := meiliFilters(req); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.markUnhealthy(err)
		return Page{}, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	page := Page{Hits: []Hit{}}
	for _, result := range resp.Results {
		page.Total += int(result.EstimatedTotalHits)
		for _, hit := range result.Hits {
			page.Hits = append(page.Hits, Hit{
				ID:    decodeString(hit, "id"),
				Path:  decodeString(hit, "path"),
				Score: decodeFloat(hit, "_rankingScore"),
			})
		}
	}
	return page, nil
}

// meiliFilters renders the scope and authorization constraints. Each
// element is ANDed by Meilisearch.
func meiliFilters(req Request) []string {
	var filters []string
	if req.scoped() {
		filters = append(filters, "ancestors = "+strconv.Quote(req.Scope))
	}
	if req.Authorized != nil {
		if len(req.Authorized) == 0 {
			// Nobody may read anything; match no document.
			filters = append(filters, `authorized = ""`)
		} else {
			quoted := make([]string, len(req.Authorized))
			for i, grantee := range req.Authorized {
				quoted[i] = strconv.Quote(grantee)
			}
			filters = append(filters, "authorized IN ["+strings.Join(quoted, ", ")+"]")
		}
	}
	return filters
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}

// mirror replays a committed changeset. Deletes are enqueued before
// upserts so a replaced suggestion id ends up present.
func (m *Meili) mirror(workspace string, cs changeset) error {
	docs := m.client.Index(m.documentsUID(workspace))
	for _, id := range cs.deleteDocs {
		if _, err := docs.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
	}
	suggestions := m.client.Index(m.suggestionsUID(workspace))
	for _, id := range cs.deleteSuggestions {
		if _, err := suggestions.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete suggestion %s: %w", id, err)
		}
	}
	if len(cs.upsertDocs) > 0 {
		if _, err := docs.AddDocuments(cs.upsertDocs, nil); err != nil {
			return fmt.Errorf("add documents: %w", err)
		}
	}
	if len(cs.upsertSuggestions) > 0 {
		if _, err := suggestions.AddDocuments(cs.upsertSuggestions, nil); err != nil {
			return fmt.Errorf("add suggestions: %w", err)
		}
	}
	return nil
}
