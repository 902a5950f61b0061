package agents

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/cinderd/cinder/internal/config"
)

// newReleaseClient is swapped in tests to avoid network calls.
var newReleaseClient = func() releaseClient {
	return github.NewClient(nil).Repositories
}

// releaseClient is the slice of the GitHub API the update check needs.
type releaseClient interface {
	GetLatestRelease(ctx context.Context, owner, repo string) (*github.RepositoryRelease, *github.Response, error)
}

// updateAgent reports the checkout state of the node's deployment:
// branch, commit, dirty flag, and optionally the newest upstream
// release. Opt-in because many fleets pin deployments and do not want
// bootstrap talking to GitHub.
func updateAgent(repoDir string) Descriptor {
	return Descriptor{
		Name:           "update.agent",
		Description:    "Reports deployment branch, commit, and available releases",
		Triggers:       []string{TriggerBootstrap, TriggerManual},
		DefaultEnabled: false,
		RequiresReady:  false,
		Handler: func(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
			return runUpdate(ctx, repoDir, bundle)
		},
	}
}

func runUpdate(ctx context.Context, repoDir string, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("update.enabled", true) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by update.enabled",
			Timestamp: time.Now(),
		}, nil
	}

	branch, berr := gitOutput(ctx, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	commit, cerr := gitOutput(ctx, repoDir, "rev-parse", "--short", "HEAD")
	if berr != nil || cerr != nil {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "not a git deployment",
			Timestamp: time.Now(),
		}, nil
	}
	dirtyOut, _ := gitOutput(ctx, repoDir, "status", "--porcelain")
	dirty := dirtyOut != ""

	payload := map[string]any{
		"branch": branch,
		"commit": commit,
		"dirty":  dirty,
	}

	degraded := false
	var notes []string
	if allowed := bundle.StringList("update.allowed_branches"); len(allowed) > 0 && !contains(allowed, branch) {
		degraded = true
		notes = append(notes, fmt.Sprintf("branch %q not in allowed set", branch))
	}
	if dirty {
		degraded = true
		notes = append(notes, "working tree has local modifications")
	}

	if repo := bundle.String("update.github_repo", ""); repo != "" {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok {
			notes = append(notes, fmt.Sprintf("update.github_repo %q is not owner/repo", repo))
		} else {
			release, _, err := newReleaseClient().GetLatestRelease(ctx, owner, name)
			if err != nil {
				notes = append(notes, fmt.Sprintf("release check failed: %v", err))
			} else {
				payload["latest_release"] = release.GetTagName()
				payload["published"] = release.GetPublishedAt().Format(time.RFC3339)
			}
		}
	}

	// Notes ride along in the payload even when the run is healthy, so
	// a failed release check is visible without degrading the result.
	if len(notes) > 0 {
		payload["notes"] = notes
	}

	status := config.StatusCompleted
	detail := fmt.Sprintf("on %s@%s", branch, commit)
	if degraded {
		status = config.StatusDegraded
		detail = strings.Join(notes, "; ")
	}
	return config.AgentResult{
		Status:    status,
		Detail:    detail,
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
