package evald

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nixfleet/pkg/fleetcfg"
)

// CommitSource lists the commits currently visible on a repository's
// tracked branch, newest last.
type CommitSource interface {
	Commits(ctx context.Context, repo fleetcfg.Repository) ([]Commit, error)
}

// HTTPCommitSource queries a git forge proxy for recent commits.
type HTTPCommitSource struct {
	base   string
	client *http.Client
}

// NewHTTPCommitSource builds a commit source against the forge proxy at
// base.
func NewHTTPCommitSource(base string) *HTTPCommitSource {
	return &HTTPCommitSource{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Commits fetches the repository's recent commit list.
func (s *HTTPCommitSource) Commits(ctx context.Context, repo fleetcfg.Repository) ([]Commit, error) {
	u := fmt.Sprintf("%s/v1/repos/%s/commits?url=%s", s.base, url.PathEscape(repo.Name), url.QueryEscape(repo.URL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("commit listing for %s returned %d: %s", repo.Name, resp.StatusCode, firstLine(body))
	}

	var commits []Commit
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return nil, fmt.Errorf("decoding commit listing for %s: %w", repo.Name, err)
	}
	return commits, nil
}

// Poller discovers new commits on auto-polled repositories and enqueues an
// evaluation target per (commit, environment) pair.
type Poller struct {
	queue  *Queue
	source CommitSource
	fleet  *fleetcfg.Snapshot
	log    zerolog.Logger

	mu      sync.Mutex
	repoIDs map[string]uuid.UUID
}

// NewPoller builds a poller over the fleet's repository list.
func NewPoller(queue *Queue, source CommitSource, fleet *fleetcfg.Snapshot, log zerolog.Logger) *Poller {
	return &Poller{
		queue:   queue,
		source:  source,
		fleet:   fleet,
		log:     log,
		repoIDs: make(map[string]uuid.UUID),
	}
}

// Run starts one polling loop per auto-polled repository, each on its own
// configured interval, and blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, repo := range p.fleet.Repositories {
		if !repo.AutoPoll {
			continue
		}
		wg.Add(1)
		go func(repo fleetcfg.Repository) {
			defer wg.Done()
			p.pollLoop(ctx, repo)
		}(repo)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Poller) pollLoop(ctx context.Context, repo fleetcfg.Repository) {
	log := p.log.With().Str("repository", repo.Name).Logger()
	ticker := time.NewTicker(repo.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx, repo); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("polling repository")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single discovery pass for one repository. Enqueueing is
// idempotent per (repository, commit, environment), so re-listing the same
// commits is harmless.
func (p *Poller) PollOnce(ctx context.Context, repo fleetcfg.Repository) error {
	envs := p.fleet.EnvironmentsForFlake(repo.Name)
	if len(envs) == 0 {
		return nil
	}

	commits, err := p.source.Commits(ctx, repo)
	if err != nil {
		return err
	}

	repoID, err := p.repositoryID(ctx, repo.Name)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, commit := range commits {
		for _, env := range envs {
			created, err := p.queue.Enqueue(ctx, repoID, commit, env)
			if err != nil {
				return fmt.Errorf("enqueueing %s@%s for %s: %w", repo.Name, commit.Hash, env, err)
			}
			if created {
				enqueued++
			}
		}
	}
	if enqueued > 0 {
		p.log.Info().Str("repository", repo.Name).Int("targets", enqueued).Msg("enqueued evaluation targets")
	}
	return nil
}

func (p *Poller) repositoryID(ctx context.Context, name string) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.repoIDs[name]; ok {
		return id, nil
	}
	id, err := p.queue.RepositoryIDByName(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	p.repoIDs[name] = id
	return id, nil
}
