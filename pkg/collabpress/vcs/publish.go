package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
)

// DefaultAuthor is the fixed service identity used for every commit.
var DefaultAuthor = CommitAuthor{
	Name:  "collabpress-bot",
	Email: "bot@collabpress.invalid",
}

// DefaultBaseBranch is the branch pull requests target.
const DefaultBaseBranch = "main"

// Request describes one publication.
type Request struct {
	// Slug is the content slug; it names the file, the branch, and the
	// pull request.
	Slug string

	// CanonicalKey identifies the underlying event, for the PR body.
	CanonicalKey string

	// Title is the human-readable event title.
	Title string

	// Content is the rendered article body.
	Content []byte
}

// Result is returned on a successful publication.
type Result struct {
	Number    int
	URL       string
	Branch    string
	CommitSHA string
	Path      string
}

// Publisher runs the publication protocol against the remote API.
type Publisher struct {
	client     *Client
	baseBranch string
	author     CommitAuthor
	logger     *slog.Logger
	now        func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBaseBranch overrides the target branch.
func WithBaseBranch(branch string) PublisherOption {
	return func(p *Publisher) { p.baseBranch = branch }
}

// WithAuthor overrides the service commit identity.
func WithAuthor(a CommitAuthor) PublisherOption {
	return func(p *Publisher) { p.author = a }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a Publisher over the given client.
func NewPublisher(client *Client, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		client:     client,
		baseBranch: DefaultBaseBranch,
		author:     DefaultAuthor,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ContentPath is the canonical repository path for a slug.
func ContentPath(slug string) string {
	return "content/posts/" + slug + ".md"
}

// legacyPaths are older path conventions a slug may already occupy.
// The duplicate probe checks these too, so a post published before the
// convention change still blocks re-publication.
func legacyPaths(slug string) []string {
	return []string{"content/articles/" + slug + ".md"}
}

// BranchPrefix is the deterministic branch name prefix for a slug.
func BranchPrefix(slug string) string {
	return "post/" + slug
}

// branchName disambiguates the prefix with a second-granularity
// timestamp. Two attempts within the same second collide and surface
// as a retryable branch conflict; the retry picks a fresh suffix.
func (p *Publisher) branchName(slug string) string {
	return BranchPrefix(slug) + "-" + p.now().UTC().Format("20060102150405")
}

// Publish runs the full protocol:
//
//  1. probe the base branch for the canonical and legacy paths
//  2. guard against an open pull request for the same slug
//  3. fetch the base branch's current SHA
//  4. create the branch at that SHA
//  5. commit the content under the service identity
//  6. open the pull request
func (p *Publisher) Publish(ctx context.Context, req Request) (*Result, error) {
	if req.Slug == "" {
		return nil, cperr.New(cperr.KindValidation, "publish request has no slug")
	}
	if len(req.Content) == 0 {
		return nil, cperr.New(cperr.KindValidation, "publish request has no content")
	}

	path := ContentPath(req.Slug)
	taken, err := p.existingPath(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	if taken != "" {
		return nil, cperr.DuplicateSlug(req.Slug,
			fmt.Sprintf("path %s already exists on %s", taken, p.baseBranch))
	}

	open, err := p.HasOpenRequest(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, cperr.DuplicateSlug(req.Slug,
			fmt.Sprintf("an open pull request already targets slug %s", req.Slug))
	}

	// Fresh base SHA at call time; the base branch may have advanced
	// since any earlier fetch in this process.
	baseSHA, err := p.client.GetRef(ctx, p.baseBranch)
	if err != nil {
		return nil, err
	}

	branch := p.branchName(req.Slug)
	if err := p.client.CreateRef(ctx, branch, baseSHA); err != nil {
		return nil, err
	}

	commitSHA, err := p.client.CommitFile(ctx, branch, path,
		fmt.Sprintf("Add post %s", req.Slug), req.Content, p.author)
	if err != nil {
		return nil, err
	}

	pr, err := p.client.OpenPull(ctx, branch, p.baseBranch,
		renderPullTitle(req), renderPullBody(req, path, branch))
	if err != nil {
		return nil, err
	}

	p.logger.Info("publication opened",
		slog.String("slug", req.Slug),
		slog.String("branch", branch),
		slog.Int("pr_number", pr.Number),
	)

	return &Result{
		Number:    pr.Number,
		URL:       pr.HTMLURL,
		Branch:    branch,
		CommitSHA: commitSHA,
		Path:      path,
	}, nil
}

// existingPath returns the first canonical or legacy path for the slug
// that already exists on the base branch, or "" when none does.
func (p *Publisher) existingPath(ctx context.Context, slug string) (string, error) {
	for _, probe := range append([]string{ContentPath(slug)}, legacyPaths(slug)...) {
		exists, err := p.client.PathExists(ctx, probe, p.baseBranch)
		if err != nil {
			return "", err
		}
		if exists {
			return probe, nil
		}
	}
	return "", nil
}

// ContentExists reports whether published content for the slug is
// already on the base branch, under the canonical or a legacy path.
// For a slug whose pull request merged, this is true even though no
// open pull request remains.
func (p *Publisher) ContentExists(ctx context.Context, slug string) (bool, error) {
	path, err := p.existingPath(ctx, slug)
	if err != nil {
		return false, err
	}
	return path != "", nil
}

// HasOpenRequest reports whether an open pull request already targets
// a branch derived from the slug.
func (p *Publisher) HasOpenRequest(ctx context.Context, slug string) (bool, error) {
	pulls, err := p.client.ListOpenPulls(ctx)
	if err != nil {
		return false, err
	}

	prefix := BranchPrefix(slug) + "-"
	for _, pr := range pulls {
		if strings.HasPrefix(pr.Head.Ref, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// renderPullTitle builds the structured PR title.
func renderPullTitle(req Request) string {
	if req.Title != "" {
		return fmt.Sprintf("Add post: %s (%s)", req.Title, req.Slug)
	}
	return fmt.Sprintf("Add post: %s", req.Slug)
}

// renderPullBody builds the structured PR body.
func renderPullBody(req Request, path, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## New post\n\n")
	if req.Title != "" {
		fmt.Fprintf(&b, "**Title**: %s\n", req.Title)
	}
	fmt.Fprintf(&b, "**Slug**: `%s`\n", req.Slug)
	if req.CanonicalKey != "" {
		fmt.Fprintf(&b, "**Event**: `%s`\n", req.CanonicalKey)
	}
	fmt.Fprintf(&b, "**Path**: `%s`\n", path)
	fmt.Fprintf(&b, "**Branch**: `%s`\n", branch)
	fmt.Fprintf(&b, "\n---\nOpened automatically by collabpress.\n")
	return b.String()
}
