package registryclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// selfHostedLabels are the fixed labels every generated runner gets, ported
// from github.rs's register_runner call ("self-hosted", "X64", plus the
// caller-supplied profile label).
var selfHostedLabels = []string{"self-hosted", "X64"}

// GitHubProvider implements Provider against the GitHub Actions REST API.
// Grounded on list_registered_runners/register_runner/unregister_runner in
// the reference implementation's github.rs, using google/go-github instead
// of shelling out to the gh CLI.
type GitHubProvider struct {
	client  *github.Client
	scope   string // e.g. "repos/servo/servo" or "orgs/servo"
	suffix  string // host suffix runners are registered under
	groupID int64
	cache   *Cache[[]RegisteredRunner]
	log     *zap.Logger
}

// NewGitHubProvider builds a GitHubProvider authenticated with token,
// scoped to scope (the API path segment preceding "/actions/runners"), and
// filtering registrations by the "@suffix" host suffix.
func NewGitHubProvider(token, scope, suffix string, cacheTimeout time.Duration, log *zap.Logger) *GitHubProvider {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &GitHubProvider{
		client:  github.NewClient(httpClient),
		scope:   scope,
		suffix:  suffix,
		groupID: 1,
		cache:   NewCache[[]RegisteredRunner](cacheTimeout),
		log:     log,
	}
}

func (p *GitHubProvider) Name() string { return "github" }

// ListRegisteredRunnersForHost lists all registered runners under p.scope
// whose name ends in "@<suffix>", going through the shared cache.
func (p *GitHubProvider) ListRegisteredRunnersForHost(ctx context.Context) ([]RegisteredRunner, error) {
	all, err := p.cache.Get(func() ([]RegisteredRunner, error) {
		return p.listAllRegistered(ctx)
	})
	if err != nil {
		return nil, err
	}

	suffix := "@" + p.suffix
	filtered := make([]RegisteredRunner, 0, len(all))
	for _, r := range all {
		if strings.HasSuffix(r.Name, suffix) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (p *GitHubProvider) listAllRegistered(ctx context.Context) ([]RegisteredRunner, error) {
	opt := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []RegisteredRunner
	for {
		runners, resp, err := p.listRunnersPage(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("registryclient: list runners: %w", err)
		}
		out = append(out, runners...)
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (p *GitHubProvider) listRunnersPage(ctx context.Context, opt *github.ListRunnersOptions) ([]RegisteredRunner, *github.Response, error) {
	owner, repo, isRepoScope := p.splitRepoScope()
	var (
		list *github.Runners
		resp *github.Response
		err  error
	)
	if isRepoScope {
		list, resp, err = p.client.Actions.ListRunners(ctx, owner, repo, opt)
	} else {
		list, resp, err = p.client.Actions.ListOrganizationRunners(ctx, p.orgFromScope(), opt)
	}
	if err != nil {
		return nil, resp, err
	}

	out := make([]RegisteredRunner, 0, len(list.Runners))
	for _, r := range list.Runners {
		out = append(out, convertRunner(r))
	}
	return out, resp, nil
}

// splitRepoScope parses a "repos/<owner>/<repo>" scope. The second return
// value is false for an "orgs/<org>" scope.
func (p *GitHubProvider) splitRepoScope() (owner, repo string, ok bool) {
	const prefix = "repos/"
	if !strings.HasPrefix(p.scope, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(p.scope, prefix)
	owner, repo, found := strings.Cut(rest, "/")
	return owner, repo, found
}

func (p *GitHubProvider) orgFromScope() string {
	return strings.TrimPrefix(p.scope, "orgs/")
}

func convertRunner(r *github.Runner) RegisteredRunner {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.GetName())
	}
	return RegisteredRunner{
		ID:     r.GetID(),
		Busy:   r.GetBusy(),
		Name:   r.GetName(),
		Status: r.GetStatus(),
		Labels: labels,
	}
}

// GenerateJitConfig registers a new just-in-time runner and invalidates the
// list cache shortly after, since the new registration won't appear until
// GitHub's side settles.
func (p *GitHubProvider) GenerateJitConfig(ctx context.Context, name, label, workFolder string) (JitConfig, error) {
	owner, repo, isRepoScope := p.splitRepoScope()
	if !isRepoScope {
		return JitConfig{}, fmt.Errorf("registryclient: JIT config generation requires a repo scope, got %q", p.scope)
	}

	req := github.GenerateJITConfigRequest{
		Name:          fmt.Sprintf("%s@%s", name, p.suffix),
		RunnerGroupID: p.groupID,
		WorkFolder:    github.Ptr(workFolder),
		Labels:        append(append([]string{}, selfHostedLabels...), label),
	}

	resp, _, err := p.client.Actions.GenerateRepoJITConfig(ctx, owner, repo, &req)
	if err != nil {
		return JitConfig{}, fmt.Errorf("registryclient: generate jitconfig: %w", err)
	}

	p.cache.InvalidateIn(2 * time.Second)

	return JitConfig{
		Runner:           convertRunner(resp.Runner),
		EncodedJitConfig: resp.GetEncodedJITConfig(),
	}, nil
}

// UnregisterRunner removes a runner registration by id and invalidates the
// cache so a subsequent list call won't see a stale entry.
func (p *GitHubProvider) UnregisterRunner(ctx context.Context, id int64) error {
	owner, repo, isRepoScope := p.splitRepoScope()
	var err error
	if isRepoScope {
		_, err = p.client.Actions.RemoveRunner(ctx, owner, repo, id)
	} else {
		_, err = p.client.Actions.RemoveOrganizationRunner(ctx, p.orgFromScope(), id)
	}
	if err != nil {
		return fmt.Errorf("registryclient: unregister runner %s: %w", strconv.FormatInt(id, 10), err)
	}
	p.cache.InvalidateIn(2 * time.Second)
	return nil
}
