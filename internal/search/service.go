package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type primaryIndex interface {
	apply(ctx context.Context, workspace string, ops []op) (changeset, error)
	Query(ctx context.Context, req Request) (Page, error)
	LoadAll(ctx context.Context, workspace string) ([]Document, []Suggestion, error)
	Suggest(ctx context.Context, workspace, prefix string, authorized []string, limit int) ([]string, error)
}

type mirrorIndex interface {
	Healthy() bool
	Query(ctx context.Context, req Request) (Page, error)
	mirror(workspace string, cs changeset) error
	markUnhealthy(err error)
}

// Service writes through to Postgres and mirrors to Meilisearch, and reads
// from Meilisearch while it is healthy.
type Service struct {
	primary    primaryIndex
	mirror     mirrorIndex
	workspaces []string
	log        zerolog.Logger
}

// NewService creates the search facade. meili may be nil when Meilisearch
// is not configured.
func NewService(pg *PgIndex, m *Meili, workspaces []string, log zerolog.Logger) *Service {
	s := &Service{
		primary:    pg,
		workspaces: append([]string(nil), workspaces...),
		log:        log.With().Str("component", "search").Logger(),
	}
	if m != nil {
		s.mirror = m
		m.OnRecover(func() {
			ctx, cancel := context.WithTimeout(context.Background(), reindexTimeout)
			defer cancel()
			s.ReindexAllFromPG(ctx)
		})
	}
	return s
}

// Writer starts a write batch for a workspace.
func (s *Service) Writer(workspace string) *Batch {
	return &Batch{workspace: workspace, apply: s.apply}
}

func (s *Service) apply(ctx context.Context, workspace string, ops []op) error {
	cs, err := s.primary.apply(ctx, workspace, ops)
	if err != nil {
		return err
	}
	if s.mirror == nil || !s.mirror.Healthy() || cs.empty() {
		return nil
	}
	cs.deleteSuggestions = without(cs.deleteSuggestions, suggestionIDs(cs.upsertSuggestions))
	if err := s.mirror.mirror(workspace, cs); err != nil {
		// The recovery reindex brings the mirror back in line.
		s.mirror.markUnhealthy(err)
		s.log.Warn().Err(err).Str("workspace", workspace).Msg("mirror write failed")
	}
	return nil
}

// Query answers from Meilisearch when it is healthy and falls back to
// Postgres otherwise.
func (s *Service) Query(ctx context.Context, req Request) (Page, error) {
	if s.mirror != nil && s.mirror.Healthy() {
		page, err := s.mirror.Query(ctx, req)
		if err == nil {
			return page, nil
		}
		s.log.Warn().Err(err).Msg("meilisearch query failed, falling back to postgres")
	}
	page, err := s.primary.Query(ctx, req)
	if err != nil {
		return Page{}, fmt.Errorf("search query: %w", err)
	}
	return page, nil
}

// Suggest completes prefix from the suggestion entries readable by one of
// the grantees.
func (s *Service) Suggest(ctx context.Context, workspace, prefix string, authorized []string, limit int) ([]string, error) {
	terms, err := s.primary.Suggest(ctx, workspace, prefix, authorized, limit)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	return terms, nil
}

// ReindexAllFromPG pushes every document and suggestion from Postgres into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.mirror == nil || !s.mirror.Healthy() {
		return
	}
	for _, ws := range s.workspaces {
		docs, suggestions, err := s.primary.LoadAll(ctx, ws)
		if err != nil {
			s.log.Error().Err(err).Str("workspace", ws).Msg("reindex load failed")
			continue
		}
		if err := s.mirror.mirror(ws, changeset{upsertDocs: docs, upsertSuggestions: suggestions}); err != nil {
			s.mirror.markUnhealthy(err)
			s.log.Error().Err(err).Str("workspace", ws).Msg("reindex failed")
			return
		}
		s.log.Info().Str("workspace", ws).Int("documents", len(docs)).Int("suggestions", len(suggestions)).Msg("mirror reindexed")
	}
}

func suggestionIDs(suggestions []Suggestion) map[string]struct{} {
	ids := make(map[string]struct{}, len(suggestions))
	for _, s := range suggestions {
		ids[s.ID] = struct{}{}
	}
	return ids
}

func without(ids []string, drop map[string]struct{}) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
